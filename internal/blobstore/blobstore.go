// Package blobstore provides the durable put/head/get-by-key storage that the
// attachment cache writes media into. Keys are chosen by the caller from the
// content identity of the data, so writing the same key twice is harmless.
//
// Two backends are available:
//   - FSStore: files under a root directory on an afero filesystem
//   - PebbleStore: values in an embedded Pebble key-value store
package blobstore

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when no blob exists under a key.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for keys that are empty or try to escape the store.
var ErrInvalidKey = errors.New("invalid blob key")

// Info describes a stored blob.
type Info struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Store is a content-addressed blob store.
type Store interface {
	// Put writes data under key, replacing any existing blob.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Head returns metadata for key, or ErrNotFound.
	Head(ctx context.Context, key string) (Info, error)
	// Get opens the blob under key for reading, or returns ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, Info, error)
	// Close releases backend resources.
	Close() error
}

// cleanKey normalizes key and rejects traversal.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	c := path.Clean("/" + key)
	if c == "/" || strings.Contains(key, "..") {
		return "", ErrInvalidKey
	}
	return strings.TrimPrefix(c, "/"), nil
}

// typeByKey guesses a content type from the key's extension.
func typeByKey(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		if i := strings.IndexByte(ct, ';'); i > 0 {
			ct = ct[:i]
		}
		return ct
	}
	return "application/octet-stream"
}
