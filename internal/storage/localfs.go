package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalFS implements BlobStore on a local directory. Object names map to
// paths under root; slashes in names become subdirectories.
type LocalFS struct {
	root string
}

func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &LocalFS{root: root}, nil
}

func (l *LocalFS) path(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("object name is required")
	}
	p := filepath.Join(l.root, filepath.FromSlash(name))
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("object name %q escapes storage root", name)
	}
	return p, nil
}

func (l *LocalFS) Exists(ctx context.Context, name string) (bool, *ObjectInfo, error) {
	p, err := l.path(name)
	if err != nil {
		return false, nil, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if st.IsDir() {
		return false, nil, nil
	}
	return true, l.info(name, st.Size()), nil
}

func (l *LocalFS) Download(ctx context.Context, name, localPath string) error {
	p, err := l.path(name)
	if err != nil {
		return err
	}
	src, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	return copyToFile(src, localPath)
}

// Upload copies into a temporary sibling and renames it into place, so a
// concurrent reader never sees a partial object.
func (l *LocalFS) Upload(ctx context.Context, localPath, name string) (*ObjectInfo, error) {
	dst, err := l.path(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to store %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	return l.info(name, n), nil
}

func (l *LocalFS) Delete(ctx context.Context, name string) error {
	p, err := l.path(name)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return err
}

func (l *LocalFS) List(ctx context.Context, pattern string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.Contains(name, pattern) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, *l.info(name, st.Size()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", l.root, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *LocalFS) info(name string, size int64) *ObjectInfo {
	return &ObjectInfo{
		Name:        name,
		ID:          name,
		Size:        size,
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
	}
}

func copyToFile(src io.Reader, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(localPath)
		return err
	}
	return f.Close()
}
