package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/splitrender/internal/config"
	"github.com/bobarin/splitrender/internal/dispatch"
	"github.com/bobarin/splitrender/internal/storage"
)

func localConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		DispatchMode:        config.DispatchModeLocal,
		StorageProvider:     config.StorageProviderLocalFS,
		StorageLocalRoot:    filepath.Join(dir, "blobs"),
		RenderCommand:       "npx remotion render",
		RenderEntryPoint:    "src/index.ts",
		RenderOutputDir:     filepath.Join(dir, "out"),
		ScratchDir:          filepath.Join(dir, "scratch"),
		DefaultChunkSize:    250,
		SubmitDelay:         500 * time.Millisecond,
		MaxConcurrentChunks: 2,
	}
}

func TestNewLocalApp(t *testing.T) {
	a, err := New(context.Background(), localConfig(t), hclog.NewNullLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &storage.LocalFS{}, a.Store)
	assert.IsType(t, &dispatch.Local{}, a.Dispatcher)
	assert.Nil(t, a.DB)
	assert.Nil(t, a.Queue)
	assert.NotNil(t, a.Orchestrator)

	_, err = a.NewConsumer()
	assert.Error(t, err, "a consumer needs the redis queue")
}

func TestNewStore(t *testing.T) {
	cfg := localConfig(t)
	cfg.StorageProvider = config.StorageProviderSupabase
	cfg.SupabaseURL = "https://project.supabase.co"
	cfg.SupabaseServiceKey = "key"
	cfg.SupabaseStorageBucket = "videos"

	store, err := NewStore(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	assert.IsType(t, &storage.Supabase{}, store)

	cfg.StorageProvider = "s3"
	_, err = NewStore(cfg, hclog.NewNullLogger())
	assert.Error(t, err)
}

func TestNewFailsOnBadRenderCommand(t *testing.T) {
	cfg := localConfig(t)
	cfg.RenderCommand = " "

	_, err := New(context.Background(), cfg, hclog.NewNullLogger())
	assert.Error(t, err)
}
