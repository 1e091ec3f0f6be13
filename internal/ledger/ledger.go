// Package ledger records which store regions have been fully written, so an
// interrupted conversion can resume instead of rebuilding the store.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket    = []byte("meta")
	regionsBucket = []byte("regions")
	layoutKey     = []byte("layout")
)

// Record is the completion entry for one region.
type Record struct {
	Digest      string    `json:"digest"`
	CompletedAt time.Time `json:"completed_at"`
}

// Ledger is a bbolt-backed region completion log kept next to a store.
type Ledger struct {
	db *bolt.DB
}

// Path returns the ledger path for a store directory.
func Path(store string) string { return store + ".ledger" }

// Open opens or creates the ledger at path, creating its directory if
// needed.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{metaBucket, regionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger %s: %w", path, err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the ledger file.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	defer func() { l.db = nil }()
	return l.db.Close()
}

// Bind ties the ledger to a store layout fingerprint. If the ledger was
// recorded against a different layout its regions are discarded and Bind
// reports reset.
func (l *Ledger) Bind(layout string) (reset bool, err error) {
	err = l.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		prev := meta.Get(layoutKey)
		if prev != nil && string(prev) == layout {
			return nil
		}
		if prev != nil || tx.Bucket(regionsBucket).Stats().KeyN > 0 {
			reset = true
		}
		if err := clearRegions(tx); err != nil {
			return err
		}
		return meta.Put(layoutKey, []byte(layout))
	})
	if err != nil {
		return false, fmt.Errorf("bind ledger: %w", err)
	}
	return reset, nil
}

// MarkDone records region as written from the source with the given digest.
func (l *Ledger) MarkDone(r domain.Region, digest string) error {
	b, err := json.Marshal(Record{Digest: digest, CompletedAt: domain.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(regionsBucket).Put([]byte(r.Key()), b)
	})
	if err != nil {
		return fmt.Errorf("record region %s: %w", r, err)
	}
	return nil
}

// Done reports whether region was recorded with the given digest.
func (l *Ledger) Done(r domain.Region, digest string) (bool, error) {
	rec, ok, err := l.Get(r)
	if err != nil || !ok {
		return false, err
	}
	return rec.Digest == digest, nil
}

// Get returns the record for region, if any.
func (l *Ledger) Get(r domain.Region) (Record, bool, error) {
	var (
		rec Record
		ok  bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(regionsBucket).Get([]byte(r.Key()))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("read region %s: %w", r, err)
	}
	return rec, ok, nil
}

// Len returns the number of completed regions.
func (l *Ledger) Len() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(regionsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Reset forgets every completed region.
func (l *Ledger) Reset() error {
	return l.db.Update(clearRegions)
}

func clearRegions(tx *bolt.Tx) error {
	if err := tx.DeleteBucket(regionsBucket); err != nil {
		return err
	}
	_, err := tx.CreateBucket(regionsBucket)
	return err
}
