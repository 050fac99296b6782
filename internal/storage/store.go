// Package storage provides the key-value layer behind the resource API.
//
// A resource is addressed by its file path (relative to the working
// directory or absolute). Two backends implement Store: FileStore reads and
// writes the files directly, and BoltStore writes through to the files and
// keeps a copy of every control write in a BoltDB bucket.
//
// Neither backend locks or versions writes. Concurrent writers race and the
// last Put wins.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qalgo-terminal/internal/common"
)

// ErrNotFound is returned by Get when the resource has no data yet.
var ErrNotFound = errors.New("resource not found")

// Store is the get/put surface used by the API handlers.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	// ModTime reports when the resource was last written.
	ModTime(ctx context.Context, name string) (time.Time, error)
	Close() error
}

// Open builds the store selected by backend.
func Open(backend, dataPath string) (Store, error) {
	switch backend {
	case "", common.BackendFile:
		return NewFileStore(""), nil
	case common.BackendBolt:
		return NewBoltStore(dataPath, NewFileStore(""))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
