// Package xfercache persists transfer records so an interrupted transfer can
// be resumed by a fresh slot engine.
package xfercache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

var bucketTransfers = []byte("transfers")

// Cache is a bbolt database of transfer snapshots keyed by transfer ID.
type Cache struct {
	db *bbolt.DB
}

// Open opens or creates the cache at path. The parent directory is created
// if it does not exist.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("xfercache: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("xfercache: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTransfers)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("xfercache: create bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Put stores the current snapshot of t, replacing any earlier one.
func (c *Cache) Put(t *xfer.Transfer) error {
	if t == nil {
		return ErrNilTransfer
	}
	data, err := encodeGob(t.Snapshot())
	if err != nil {
		return fmt.Errorf("xfercache: encode %s: %w", t.ID, err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTransfers).Put([]byte(t.ID), data); err != nil {
			return fmt.Errorf("xfercache: put %s: %w", t.ID, err)
		}
		return nil
	})
}

// Get returns the snapshot stored under id.
func (c *Cache) Get(id string) (xfer.Snapshot, error) {
	var s xfer.Snapshot
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTransfers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := decodeGob(data, &s); err != nil {
			return fmt.Errorf("xfercache: decode %s: %w", id, err)
		}
		return nil
	})
	return s, err
}

// Delete removes the record stored under id. Deleting a missing record is
// not an error.
func (c *Cache) Delete(id string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTransfers).Delete([]byte(id))
	})
}

// List returns every stored snapshot in ID order.
func (c *Cache) List() ([]xfer.Snapshot, error) {
	var out []xfer.Snapshot
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTransfers).ForEach(func(k, v []byte) error {
			var s xfer.Snapshot
			if err := decodeGob(v, &s); err != nil {
				return fmt.Errorf("xfercache: decode %s: %w", k, err)
			}
			out = append(out, s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
