package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	pebble "github.com/cockroachdb/pebble"
)

const (
	pebbleBlobPrefix = "blob:"
	pebbleMetaPrefix = "meta:"
)

// PebbleStore keeps blobs in an embedded Pebble database. Data and metadata
// are written in one batch so Head never reports a blob that Get cannot read.
type PebbleStore struct {
	db *pebble.DB
}

type pebbleMeta struct {
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	ModTime     time.Time `json:"mod_time"`
}

// NewPebbleStore opens (or creates) a Pebble database at dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// Put implements Store.
func (s *PebbleStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = typeByKey(k)
	}
	meta, err := json.Marshal(pebbleMeta{Size: int64(len(data)), ContentType: contentType, ModTime: time.Now().UTC()})
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(pebbleBlobPrefix+k), data, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(pebbleMetaPrefix+k), meta, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Head implements Store.
func (s *PebbleStore) Head(_ context.Context, key string) (Info, error) {
	k, err := cleanKey(key)
	if err != nil {
		return Info{}, err
	}
	raw, err := s.get(pebbleMetaPrefix + k)
	if err != nil {
		return Info{}, err
	}
	var m pebbleMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Info{}, err
	}
	return Info{Key: key, Size: m.Size, ContentType: m.ContentType, ModTime: m.ModTime}, nil
}

// Get implements Store.
func (s *PebbleStore) Get(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return nil, Info{}, err
	}
	k, _ := cleanKey(key)
	data, err := s.get(pebbleBlobPrefix + k)
	if err != nil {
		return nil, Info{}, err
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

// get copies the value out of Pebble's buffer before releasing it.
func (s *PebbleStore) get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Close implements Store.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
