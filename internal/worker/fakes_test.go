package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/bobarin/splitrender/internal/models"
	"github.com/bobarin/splitrender/internal/services"
	"github.com/bobarin/splitrender/internal/storage"
)

// memStore is an in-memory BlobStore.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	existsErr  error
	uploadErrs map[string]error
	deleteErrs map[string]error
	listErr    error

	uploads []string
	deletes []string
}

func newMemStore() *memStore {
	return &memStore{
		objects:    map[string][]byte{},
		uploadErrs: map[string]error{},
		deleteErrs: map[string]error{},
	}
}

func (m *memStore) put(name, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = []byte(content)
}

func (m *memStore) get(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	return string(data), ok
}

func (m *memStore) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for n := range m.objects {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (m *memStore) Exists(ctx context.Context, name string) (bool, *storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, nil, m.existsErr
	}
	data, ok := m.objects[name]
	if !ok {
		return false, nil, nil
	}
	return true, &storage.ObjectInfo{Name: name, ID: "id-" + name, Size: int64(len(data))}, nil
}

func (m *memStore) Download(ctx context.Context, name, localPath string) error {
	m.mu.Lock()
	data, ok := m.objects[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, storage.ErrNotFound)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (m *memStore) Upload(ctx context.Context, localPath, name string) (*storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, name)
	if err := m.uploadErrs[name]; err != nil {
		return nil, err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	m.objects[name] = data
	return &storage.ObjectInfo{Name: name, ID: "id-" + name, Size: int64(len(data))}, nil
}

func (m *memStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, name)
	if err := m.deleteErrs[name]; err != nil {
		return err
	}
	if _, ok := m.objects[name]; !ok {
		return fmt.Errorf("%s: %w", name, storage.ErrNotFound)
	}
	delete(m.objects, name)
	return nil
}

func (m *memStore) List(ctx context.Context, pattern string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []storage.ObjectInfo
	for name, data := range m.objects {
		if strings.Contains(name, pattern) {
			out = append(out, storage.ObjectInfo{Name: name, ID: "id-" + name, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// fakeRenderer writes "<start>-<end>;" for the props range it is given and
// publishes it the way services.RemotionRenderer does.
type fakeRenderer struct {
	dir string

	mu     sync.Mutex
	calls  []renderCall
	failAt map[int]error // keyed by range start

	// gate, when set, holds the first render after it has written a partial file
	gate    chan struct{}
	partial chan struct{}
	gated   bool
}

type renderCall struct {
	composition string
	props       map[string]interface{}
	outputName  string
}

func newFakeRenderer(t *testing.T) *fakeRenderer {
	return &fakeRenderer{dir: t.TempDir(), failAt: map[int]error{}}
}

// holdFirstRender makes the next render stop halfway until release is called.
// The returned channel is closed once the partial file is on disk.
func (f *fakeRenderer) holdFirstRender() (partialWritten <-chan struct{}, release func()) {
	f.gate = make(chan struct{})
	f.partial = make(chan struct{})
	return f.partial, func() { close(f.gate) }
}

func (f *fakeRenderer) OutputPath(outputName string) string {
	return filepath.Join(f.dir, strings.ReplaceAll(outputName, "/", "_")+".mp4")
}

func (f *fakeRenderer) FinishedRender(outputName string) (string, bool) {
	return services.FinishedRender(f.OutputPath(outputName))
}

func (f *fakeRenderer) Discard(outputName string) error {
	return services.DiscardRender(f.OutputPath(outputName))
}

func (f *fakeRenderer) Render(ctx context.Context, compositionID string, props map[string]interface{}, outputName string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, renderCall{composition: compositionID, props: props, outputName: outputName})
	hold := f.gate != nil && !f.gated
	if hold {
		f.gated = true
	}
	f.mu.Unlock()

	rng, _ := props["range"].([]int)
	if len(rng) != 2 {
		return "", fmt.Errorf("no range in props")
	}
	if err := f.failAt[rng[0]]; err != nil {
		return "", err
	}

	path := f.OutputPath(outputName)
	tmp, err := os.CreateTemp(f.dir, ".render-*.mp4")
	if err != nil {
		return "", err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if hold {
		if err := os.WriteFile(tmp.Name(), []byte("PARTIAL"), 0o644); err != nil {
			return "", err
		}
		close(f.partial)
		<-f.gate
	}
	if err := os.WriteFile(tmp.Name(), []byte(fmt.Sprintf("%d-%d;", rng[0], rng[1])), 0o644); err != nil {
		return "", err
	}
	if err := services.PublishRender(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeRenderer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// byteConcat concatenates files byte for byte.
type byteConcat struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (b *byteConcat) ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	var out []byte
	for _, p := range clipPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, data...)
	}
	return os.WriteFile(outputPath, out, 0o644)
}

func (b *byteConcat) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// probingConcat rejects chunks whose content starts with "corrupt".
type probingConcat struct {
	byteConcat
}

func (p *probingConcat) GetVideoDuration(ctx context.Context, videoPath string) (int, error) {
	data, err := os.ReadFile(videoPath)
	if err != nil {
		return 0, err
	}
	if strings.HasPrefix(string(data), "corrupt") {
		return 0, fmt.Errorf("moov atom not found")
	}
	return 1000, nil
}

// memRecorder keeps every state and chunk update.
type memRecorder struct {
	mu     sync.Mutex
	runs   []*models.Run
	states []models.RunState
	errMsg *string
	chunks map[int]models.RunChunk
}

func newMemRecorder() *memRecorder {
	return &memRecorder{chunks: map[int]models.RunChunk{}}
}

func (m *memRecorder) CreateRun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *memRecorder) UpdateRunState(ctx context.Context, id uuid.UUID, state models.RunState, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
	if errMsg != nil {
		m.errMsg = errMsg
	}
	return nil
}

func (m *memRecorder) UpsertChunk(ctx context.Context, chunk *models.RunChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[chunk.StartFrame] = *chunk
	return nil
}

// renderRequest asks for totalFrames frames in a single selection.
func renderRequest(base string, totalFrames, chunkSize int) *models.RenderRequest {
	return &models.RenderRequest{
		Videos: []string{"match.mp4"},
		Props: models.JSONB{
			"title": "finals",
			"selectedTags": []interface{}{
				map[string]interface{}{"startFrame": float64(100), "endFrame": float64(100 + totalFrames)},
			},
		},
		OutputFileName:  base,
		ChunkSize:       chunkSize,
		CompositionName: "Highlights",
	}
}
