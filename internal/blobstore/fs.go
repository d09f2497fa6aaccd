package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// FSStore keeps blobs as files under Root on an afero filesystem. Writes go
// to a temporary file first and are renamed into place, so a crash never
// leaves a truncated blob under its final key.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore returns a store rooted at root on fsys, creating the directory
// if needed. Use afero.NewOsFs() in production and afero.NewMemMapFs() in tests.
func NewFSStore(fsys afero.Fs, root string) (*FSStore, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{fs: fsys, root: root}, nil
}

func (s *FSStore) path(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(k)), nil
}

// Put implements Store.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp-" + uuid.NewString()
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

// Head implements Store.
func (s *FSStore) Head(_ context.Context, key string) (Info, error) {
	p, err := s.path(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}
	if fi.IsDir() {
		return Info{}, ErrNotFound
	}
	return Info{Key: key, Size: fi.Size(), ContentType: typeByKey(key), ModTime: fi.ModTime()}, nil
}

// Get implements Store.
func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return nil, Info{}, err
	}
	p, _ := s.path(key)
	f, err := s.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, err
	}
	return f, info, nil
}

// Close implements Store.
func (s *FSStore) Close() error { return nil }
