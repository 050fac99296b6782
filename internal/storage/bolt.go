package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	snapshotsBucket = "snapshots" // Bucket name for control-written snapshots
	metaBucket      = "meta"      // Bucket name for snapshot write times
)

// BoltStore writes control snapshots through to the fallback store, where
// the trading process reads them, and keeps a copy of each in BoltDB. The
// file stays authoritative: the copy is only served while the file is
// missing. JSON-Lines logs always go to the fallback because the external
// producer owns them.
type BoltStore struct {
	db       *bbolt.DB
	fallback Store
}

// NewBoltStore opens (or creates) dataPath/qalgo.db and its buckets.
func NewBoltStore(dataPath string, fallback Store) (*BoltStore, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data path: %w", err)
	}
	dbPath := filepath.Join(dataPath, "qalgo.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(snapshotsBucket)); err != nil {
			return fmt.Errorf("create snapshots bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(metaBucket)); err != nil {
			return fmt.Errorf("create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if fallback == nil {
		fallback = NewFileStore("")
	}
	return &BoltStore{db: db, fallback: fallback}, nil
}

// Close closes the database connection gracefully.
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func isLog(name string) bool {
	return strings.HasSuffix(name, ".jsonl")
}

// Get returns the fallback's copy of name, or the last snapshot written
// through this store when the fallback has none.
func (s *BoltStore) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.fallback.Get(ctx, name)
	if isLog(name) || !errors.Is(err, ErrNotFound) {
		return data, err
	}

	var kept []byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(snapshotsBucket)).Get([]byte(name)); v != nil {
			kept = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if kept == nil {
		return nil, ErrNotFound
	}
	return kept, nil
}

// Put writes the snapshot to the fallback store and then records a copy
// and the write time in the bucket.
func (s *BoltStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if isLog(name) {
		return fmt.Errorf("put %s: JSON-Lines logs are append-only and owned by the producer", name)
	}
	if err := s.fallback.Put(ctx, name, data); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(snapshotsBucket)).Put([]byte(name), data); err != nil {
			return fmt.Errorf("put %s: %w", name, err)
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
		return tx.Bucket([]byte(metaBucket)).Put([]byte(name), ts[:])
	})
}

// ModTime reports the fallback's modification time, or the last Put time
// when the fallback has no such resource.
func (s *BoltStore) ModTime(ctx context.Context, name string) (time.Time, error) {
	mod, err := s.fallback.ModTime(ctx, name)
	if !errors.Is(err, ErrNotFound) {
		return mod, err
	}

	var ts time.Time
	err = s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(metaBucket)).Get([]byte(name)); len(v) == 8 {
			ts = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if ts.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return ts, nil
}
