// Package wal implements the write-ahead log: an append-only, durable
// record of every mutating operation and every commit/rollback marker.
// Append order defines the durable log position, and an append does not
// return success until the bytes are on stable storage.
package wal

import (
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/sachaarbonel/reefdb-sub001/command"
)

var (
	// ErrClosed is returned when the log has been closed.
	ErrClosed = errors.New("wal closed")

	// ErrCorrupt is returned when a record fails its checksum.
	ErrCorrupt = errors.New("wal record corrupt")
)

const (
	// headerSize is the per-record header: 4-byte length, 4-byte CRC32.
	headerSize = 8

	// maxRecordSize bounds a single record, mostly to reject garbage
	// lengths while scanning a damaged log.
	maxRecordSize = 16 * 1024 * 1024
)

const (
	numAppends = "num_appends"
	numSyncs   = "num_syncs"
)

// stats captures stats for the WAL.
var stats *expvar.Map

func init() {
	stats = expvar.NewMap("wal")
	ResetStats()
}

// ResetStats resets the expvar stats for this module. Mostly for test purposes.
func ResetStats() {
	stats.Init()
	stats.Add(numAppends, 0)
	stats.Add(numSyncs, 0)
}

// Log is a durable write-ahead log. Appends are serialized; the log is
// the single durability choke point of the node.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
}

// Open opens, or creates, the log at the given path. A torn record at
// the tail, left by a crash mid-append, is truncated away.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	l := &Log{f: f, path: path}
	if err := l.truncateTorn(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the path to the log file.
func (l *Log) Path() string {
	return l.path
}

// truncateTorn scans the log and truncates at the first incomplete or
// corrupt record.
func (l *Log) truncateTorn() error {
	info, err := l.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	var off int64
	hdr := make([]byte, headerSize)
	for off < size {
		if _, err := l.f.ReadAt(hdr, off); err != nil {
			break
		}
		n := binary.LittleEndian.Uint32(hdr[0:4])
		if n == 0 || n > maxRecordSize || off+headerSize+int64(n) > size {
			break
		}
		payload := make([]byte, n)
		if _, err := l.f.ReadAt(payload, off+headerSize); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(hdr[4:8]) {
			break
		}
		off += headerSize + int64(n)
	}
	if off < size {
		return l.f.Truncate(off)
	}
	return nil
}

// Append appends a single entry and forces it to stable storage.
func (l *Log) Append(e *command.Entry) error {
	return l.AppendBatch([]command.Entry{*e})
}

// AppendBatch appends a group of entries and syncs once. The entries of
// a committing transaction reach stable storage together, before the
// commit is acknowledged anywhere.
func (l *Log) AppendBatch(entries []command.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	var buf []byte
	hdr := make([]byte, headerSize)
	for i := range entries {
		payload, err := command.MarshalEntry(&entries[i])
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
		buf = append(buf, hdr...)
		buf = append(buf, payload...)
	}

	if _, err := l.f.Write(buf); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("wal sync: %w", err)
	}
	stats.Add(numAppends, int64(len(entries)))
	stats.Add(numSyncs, 1)
	return nil
}

// Close closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

// Scanner reads entries back in append order. It holds its own file
// handle, so replay can run while the log continues to accept appends,
// and is restartable only from the start of the log.
type Scanner struct {
	f   *os.File
	off int64
	end int64
}

// Scanner returns a new scanner positioned at the start of the log.
func (l *Log) Scanner() (*Scanner, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Scanner{f: f, end: info.Size()}, nil
}

// Next returns the next entry, or io.EOF at the end of the log. A read
// failure inside the log is returned as an error, never as io.EOF:
// treating it as end-of-log would silently shorten replay.
func (s *Scanner) Next() (*command.Entry, error) {
	if s.off >= s.end {
		return nil, io.EOF
	}
	hdr := make([]byte, headerSize)
	if _, err := s.f.ReadAt(hdr, s.off); err != nil {
		return nil, fmt.Errorf("wal read: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if n == 0 || n > maxRecordSize || s.off+headerSize+int64(n) > s.end {
		return nil, io.EOF
	}
	payload := make([]byte, n)
	if _, err := s.f.ReadAt(payload, s.off+headerSize); err != nil {
		return nil, fmt.Errorf("wal read: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(hdr[4:8]) {
		return nil, ErrCorrupt
	}
	var e command.Entry
	if err := command.UnmarshalEntry(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err.Error())
	}
	s.off += headerSize + int64(n)
	return &e, nil
}

// Close closes the scanner.
func (s *Scanner) Close() error {
	return s.f.Close()
}
