package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const journalBucket = "control_writes"

// JournalEntry records one control write as it was applied.
type JournalEntry struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq"`
	Resource string          `json:"resource"`
	At       time.Time       `json:"at"`
	Remote   string          `json:"remote,omitempty"`
	Body     json.RawMessage `json:"body"`
}

// Journal is an append-only log of control writes kept in its own BoltDB
// file. It does not arbitrate between writers; it only makes the order in
// which last-write-wins resolved them visible.
type Journal struct {
	db *bbolt.DB
}

// OpenJournal opens (or creates) dataPath/journal.db.
func OpenJournal(dataPath string) (*Journal, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data path: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dataPath, "journal.db"), 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(journalBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Append stores a new entry and returns it with ID, Seq and At filled in.
func (j *Journal) Append(resource, remote string, body []byte) (JournalEntry, error) {
	entry := JournalEntry{
		ID:       uuid.NewString(),
		Resource: resource,
		At:       time.Now().UTC(),
		Remote:   remote,
		Body:     json.RawMessage(append([]byte(nil), body...)),
	}
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(journalBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		entry.Seq = seq

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal journal entry: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// Recent returns up to n entries, newest first. Malformed records are
// skipped.
func (j *Journal) Recent(n int) ([]JournalEntry, error) {
	entries := make([]JournalEntry, 0, n)
	if n <= 0 {
		return entries, nil
	}
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(journalBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < n; k, v = c.Prev() {
			var e JournalEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Prune deletes the oldest entries so that at most keep remain, and
// reports how many were removed.
func (j *Journal) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	removed := 0
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(journalBucket))
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-keep; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return fmt.Errorf("delete journal entry: %w", err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
