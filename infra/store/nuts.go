package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nutsdb/nutsdb"
)

// Interface guard
var _ Store = (*Nuts)(nil)

// bucket is the single namespace the fabric uses inside the embedded DB.
const bucket = "session_fabric"

// Nuts is the durable implementation on an embedded nutsdb B-tree. One
// instance owns the data directory exclusively; nutsdb takes a dir lock.
type Nuts struct {
	db *nutsdb.DB
}

func NewNuts(dir string) (*Nuts, error) {
	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
	)
	if err != nil {
		return nil, fmt.Errorf("store: open nutsdb at %s: %w", dir, err)
	}
	return &Nuts{db: db}, nil
}

func (n *Nuts) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	seconds := nutsdb.Persistent
	if ttl > 0 {
		seconds = uint32(ttl / time.Second)
		if seconds == 0 {
			seconds = 1
		}
	}
	err := n.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, []byte(key), value, seconds)
	})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (n *Nuts) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	var absent bool
	err := n.db.View(func(tx *nutsdb.Tx) error {
		entry, err := tx.Get(bucket, []byte(key))
		if err != nil {
			// Translate here: the managed View wraps callback errors with
			// %v, so the sentinel is unrecognizable once it escapes.
			if nutsAbsent(err) {
				absent = true
				return nil
			}
			return err
		}
		out = make([]byte, len(entry.Value))
		copy(out, entry.Value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	if absent {
		return nil, ErrNotFound
	}
	return out, nil
}

func (n *Nuts) Delete(_ context.Context, key string) error {
	err := n.db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.Delete(bucket, []byte(key)); err != nil && !nutsAbsent(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// nutsAbsent folds nutsdb's three flavours of "not there" into one: a missing
// key, an expired key and a bucket no write has created yet.
func nutsAbsent(err error) bool {
	return errors.Is(err, nutsdb.ErrKeyNotFound) ||
		errors.Is(err, nutsdb.ErrNotFoundKey) ||
		errors.Is(err, nutsdb.ErrNotFoundBucket)
}

func (n *Nuts) Close() error {
	return n.db.Close()
}
