package storage

import (
	"sort"
	"sync"
)

// MemEngine is an in-memory Engine. It backs tests and the deep-copied
// table snapshots taken by savepoints.
type MemEngine struct {
	mu     sync.RWMutex
	tables map[string]map[uint64][]byte
	meta   map[string][]byte
}

// NewMem returns a new in-memory engine.
func NewMem() *MemEngine {
	return &MemEngine{
		tables: make(map[string]map[uint64][]byte),
		meta:   make(map[string][]byte),
	}
}

// CreateTable creates a new, empty table.
func (e *MemEngine) CreateTable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tables[name]; ok {
		return ErrTableExists
	}
	e.tables[name] = make(map[uint64][]byte)
	return nil
}

// DropTable removes a table and all its rows.
func (e *MemEngine) DropTable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tables[name]; !ok {
		return ErrTableNotFound
	}
	delete(e.tables, name)
	return nil
}

// HasTable returns whether the named table exists.
func (e *MemEngine) HasTable(name string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tables[name]
	return ok, nil
}

// Tables returns the names of all tables.
func (e *MemEngine) Tables() ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get returns the stored bytes for a row.
func (e *MemEngine) Get(table string, rowID uint64) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[table]
	if !ok {
		return nil, ErrTableNotFound
	}
	v, ok := t[rowID]
	if !ok {
		return nil, ErrRowNotFound
	}
	data := make([]byte, len(v))
	copy(data, v)
	return data, nil
}

// Insert stores a new row, failing if it already exists.
func (e *MemEngine) Insert(table string, rowID uint64, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[table]
	if !ok {
		return ErrTableNotFound
	}
	if _, ok := t[rowID]; ok {
		return ErrRowExists
	}
	t[rowID] = append([]byte(nil), data...)
	return nil
}

// Update replaces an existing row, failing if it does not exist.
func (e *MemEngine) Update(table string, rowID uint64, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[table]
	if !ok {
		return ErrTableNotFound
	}
	if _, ok := t[rowID]; !ok {
		return ErrRowNotFound
	}
	t[rowID] = append([]byte(nil), data...)
	return nil
}

// Upsert stores a row regardless of prior existence.
func (e *MemEngine) Upsert(table string, rowID uint64, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[table]
	if !ok {
		t = make(map[uint64][]byte)
		e.tables[table] = t
	}
	t[rowID] = append([]byte(nil), data...)
	return nil
}

// Delete removes a row. Deleting a missing row is a no-op.
func (e *MemEngine) Delete(table string, rowID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[table]
	if !ok {
		return ErrTableNotFound
	}
	delete(t, rowID)
	return nil
}

// Scan iterates all rows of a table in ascending row ID order.
func (e *MemEngine) Scan(table string, fn func(rowID uint64, data []byte) error) error {
	e.mu.RLock()
	t, ok := e.tables[table]
	if !ok {
		e.mu.RUnlock()
		return ErrTableNotFound
	}
	ids := make([]uint64, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	rows := make(map[uint64][]byte, len(t))
	for id, v := range t {
		rows[id] = append([]byte(nil), v...)
	}
	e.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := fn(id, rows[id]); err != nil {
			return err
		}
	}
	return nil
}

// PutMeta stores a piece of engine metadata.
func (e *MemEngine) PutMeta(key string, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta[key] = append([]byte(nil), value...)
	return nil
}

// Meta returns previously stored metadata, or nil if absent.
func (e *MemEngine) Meta(key string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.meta[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Close is a no-op for the in-memory engine.
func (e *MemEngine) Close() error {
	return nil
}
