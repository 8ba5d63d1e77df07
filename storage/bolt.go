package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	metaBucket  = "__meta"
	tablePrefix = "t:"

	boltOpenTimeout = 5 * time.Second
)

// BoltEngine is the durable storage engine. Each table is a bbolt bucket
// keyed by big-endian row ID; bbolt syncs on every update transaction, so
// a successful write is on stable storage before the call returns.
type BoltEngine struct {
	db   *bolt.DB
	path string
}

// OpenBolt opens or creates the engine database at the given path.
func OpenBolt(path string) (*BoltEngine, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt engine: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltEngine{db: db, path: path}, nil
}

// Path returns the path to the underlying database file.
func (e *BoltEngine) Path() string {
	return e.path
}

func tableKey(name string) []byte {
	return []byte(tablePrefix + name)
}

func rowKey(rowID uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, rowID)
	return k
}

// CreateTable creates a new, empty table.
func (e *BoltEngine) CreateTable(name string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(tableKey(name)) != nil {
			return ErrTableExists
		}
		_, err := tx.CreateBucket(tableKey(name))
		return err
	})
}

// DropTable removes a table and all its rows.
func (e *BoltEngine) DropTable(name string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(tableKey(name)) == nil {
			return ErrTableNotFound
		}
		return tx.DeleteBucket(tableKey(name))
	})
}

// HasTable returns whether the named table exists.
func (e *BoltEngine) HasTable(name string) (bool, error) {
	var ok bool
	err := e.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(tableKey(name)) != nil
		return nil
	})
	return ok, err
}

// Tables returns the names of all tables.
func (e *BoltEngine) Tables() ([]string, error) {
	var names []string
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			n := string(name)
			if len(n) > len(tablePrefix) && n[:len(tablePrefix)] == tablePrefix {
				names = append(names, n[len(tablePrefix):])
			}
			return nil
		})
	})
	return names, err
}

// Get returns the stored bytes for a row.
func (e *BoltEngine) Get(table string, rowID uint64) ([]byte, error) {
	var data []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableKey(table))
		if b == nil {
			return ErrTableNotFound
		}
		v := b.Get(rowKey(rowID))
		if v == nil {
			return ErrRowNotFound
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

// Insert stores a new row, failing if it already exists.
func (e *BoltEngine) Insert(table string, rowID uint64, data []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableKey(table))
		if b == nil {
			return ErrTableNotFound
		}
		if b.Get(rowKey(rowID)) != nil {
			return ErrRowExists
		}
		return b.Put(rowKey(rowID), data)
	})
}

// Update replaces an existing row, failing if it does not exist.
func (e *BoltEngine) Update(table string, rowID uint64, data []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableKey(table))
		if b == nil {
			return ErrTableNotFound
		}
		if b.Get(rowKey(rowID)) == nil {
			return ErrRowNotFound
		}
		return b.Put(rowKey(rowID), data)
	})
}

// Upsert stores a row regardless of prior existence.
func (e *BoltEngine) Upsert(table string, rowID uint64, data []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tableKey(table))
		if err != nil {
			return err
		}
		return b.Put(rowKey(rowID), data)
	})
}

// Delete removes a row. Deleting a missing row is a no-op.
func (e *BoltEngine) Delete(table string, rowID uint64) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableKey(table))
		if b == nil {
			return ErrTableNotFound
		}
		return b.Delete(rowKey(rowID))
	})
}

// Scan iterates all rows of a table in ascending row ID order.
func (e *BoltEngine) Scan(table string, fn func(rowID uint64, data []byte) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableKey(table))
		if b == nil {
			return ErrTableNotFound
		}
		return b.ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			return fn(binary.BigEndian.Uint64(k), data)
		})
	})
}

// PutMeta durably stores a piece of engine metadata.
func (e *BoltEngine) PutMeta(key string, value []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put([]byte(key), value)
	})
}

// Meta returns previously stored metadata, or nil if absent.
func (e *BoltEngine) Meta(key string) ([]byte, error) {
	var data []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(metaBucket)).Get([]byte(key))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// Close closes the underlying database.
func (e *BoltEngine) Close() error {
	return e.db.Close()
}
