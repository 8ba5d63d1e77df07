// Package storage provides the keyed table containers that back the
// database. Committed row data is materialized here; visibility and
// versioning live above it in the MVCC layer.
package storage

import (
	"errors"
)

var (
	// ErrTableNotFound is returned when an operation targets a table
	// that does not exist.
	ErrTableNotFound = errors.New("table not found")

	// ErrTableExists is returned when creating a table that already exists.
	ErrTableExists = errors.New("table already exists")

	// ErrRowNotFound is returned when a row does not exist.
	ErrRowNotFound = errors.New("row not found")

	// ErrRowExists is returned when inserting a row that already exists.
	ErrRowExists = errors.New("row already exists")
)

// Engine is the storage interface the transaction layer writes committed
// state through. Implementations are selected at construction time;
// BoltEngine is the durable engine, MemEngine backs tests and snapshots.
type Engine interface {
	// CreateTable creates a new, empty table.
	CreateTable(name string) error

	// DropTable removes a table and all its rows.
	DropTable(name string) error

	// HasTable returns whether the named table exists.
	HasTable(name string) (bool, error)

	// Tables returns the names of all tables.
	Tables() ([]string, error)

	// Get returns the stored bytes for a row.
	Get(table string, rowID uint64) ([]byte, error)

	// Insert stores a new row. It fails if the row already exists.
	Insert(table string, rowID uint64, data []byte) error

	// Update replaces an existing row. It fails if the row does not exist.
	Update(table string, rowID uint64, data []byte) error

	// Upsert stores a row regardless of whether it exists. Used by
	// recovery, where replay must be idempotent.
	Upsert(table string, rowID uint64, data []byte) error

	// Delete removes a row. Deleting a missing row is not an error,
	// again for replay idempotence.
	Delete(table string, rowID uint64) error

	// Scan iterates all rows of a table in ascending row ID order.
	Scan(table string, fn func(rowID uint64, data []byte) error) error

	// PutMeta stores a small piece of engine metadata, durably for
	// durable engines.
	PutMeta(key string, value []byte) error

	// Meta returns previously stored metadata, or nil if absent.
	Meta(key string) ([]byte, error)

	// Close releases the engine's resources.
	Close() error
}
