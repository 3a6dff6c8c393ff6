// Package resume implements the ResumeStore: the durably persisted,
// crash-consistent record of which chunk ids have been committed to the
// output file. The on-disk layout is a fixed binary header plus a
// one-byte-per-chunk completion bitmap, saved via write-tmp-then-rename so
// a crash mid-save never leaves a torn file in place of a good one.
package resume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rescale-labs/fastget/internal/fastgeterr"
)

// magic identifies the FASTGET1 binary layout. Any other value, or a file
// too short to contain the header, makes the file Incompatible.
var magic = [8]byte{'F', 'A', 'S', 'T', 'G', 'E', 'T', '1'}

const headerSize = 32 // 8 magic + 8 total_size + 8 chunk_size + 8 chunk_count

// LoadResult is the outcome of Store.Load.
type LoadResult int

const (
	// Absent: the resume file does not exist.
	Absent LoadResult = iota
	// Incompatible: magic mismatch, truncated header, or total_size mismatch.
	Incompatible
	// Loaded: the bitmap was populated from disk.
	Loaded
)

// Store is the in-memory mirror of a resume file, keyed to a specific
// (total_size, chunk_size, chunk_count) shape. All operations serialize
// through an internal mutex.
type Store struct {
	path string

	mu          sync.Mutex
	totalSize   uint64
	chunkSize   uint64
	chunkCount  uint64
	completed   []byte
	initialized bool
	dirty       bool
	lastSave    time.Time
}

// NewStore returns a Store bound to the sidecar path for the given output
// path (output path P -> resume file P.fastget).
func NewStore(outputPath string) *Store {
	return &Store{path: outputPath + ".fastget"}
}

// Path returns the resume sidecar file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the resume file and, if its shape matches expectedTotalSize,
// populates the in-memory bitmap. The returned chunkSize/chunkCount let the
// Engine re-plan with identical geometry. An Incompatible file is left on
// disk untouched — the caller overwrites it only via a later Save.
func (s *Store) Load(expectedTotalSize uint64) (result LoadResult, chunkSize uint64, chunkCount uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Absent, 0, 0, nil
		}
		return Absent, 0, 0, fmt.Errorf("resume: read %s: %w", s.path, err)
	}

	if len(data) < headerSize {
		return Incompatible, 0, 0, nil
	}
	if !bytes.Equal(data[0:8], magic[:]) {
		return Incompatible, 0, 0, nil
	}

	totalSize := binary.LittleEndian.Uint64(data[8:16])
	if totalSize != expectedTotalSize {
		return Incompatible, 0, 0, nil
	}
	cs := binary.LittleEndian.Uint64(data[16:24])
	cc := binary.LittleEndian.Uint64(data[24:32])

	if uint64(len(data)) != headerSize+cc {
		return Incompatible, 0, 0, nil
	}

	completed := make([]byte, cc)
	copy(completed, data[headerSize:])

	s.totalSize = totalSize
	s.chunkSize = cs
	s.chunkCount = cc
	s.completed = completed
	s.initialized = true
	s.dirty = false

	return Loaded, cs, cc, nil
}

// Initialize sets the in-memory fields for a fresh plan and zeros the
// bitmap, marking the record dirty so the first Save writes it out.
func (s *Store) Initialize(totalSize, chunkSize, chunkCount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalSize = totalSize
	s.chunkSize = chunkSize
	s.chunkCount = chunkCount
	s.completed = make([]byte, chunkCount)
	s.initialized = true
	s.dirty = true
}

// IsInitialized reports whether Load or Initialize has populated the store.
func (s *Store) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// IsChunkComplete reports whether id is marked done in the bitmap.
func (s *Store) IsChunkComplete(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= uint64(len(s.completed)) {
		return false
	}
	return s.completed[id] != 0
}

// MarkCompleted sets the bitmap byte for id to 1. Idempotent; transitions
// the record clean->dirty.
func (s *Store) MarkCompleted(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= uint64(len(s.completed)) {
		return
	}
	if s.completed[id] == 0 {
		s.completed[id] = 1
		s.dirty = true
	}
}

// CompletedChunks returns a snapshot slice of completed chunk ids.
func (s *Store) CompletedChunks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(s.completed))
	for id, b := range s.completed {
		if b != 0 {
			ids = append(ids, uint64(id))
		}
	}
	return ids
}

// Save writes the entire record to path.tmp, then renames over path.
// Atomic replacement guarantees that after any crash the resume file is
// either the pre-call snapshot or the fully-written new one. Clears dirty.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	buf := make([]byte, headerSize+len(s.completed))
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint64(buf[8:16], s.totalSize)
	binary.LittleEndian.PutUint64(buf[16:24], s.chunkSize)
	binary.LittleEndian.PutUint64(buf[24:32], s.chunkCount)
	copy(buf[headerSize:], s.completed)

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return fmt.Errorf("resume: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("resume: rename into place: %w", err)
	}

	s.dirty = false
	s.lastSave = time.Now()
	return nil
}

// maybeSaveInterval is the minimum spacing between coalesced saves on the
// worker hot path.
const maybeSaveInterval = 1 * time.Second

// MaybeSave is a no-op unless the record is dirty and at least
// maybeSaveInterval has elapsed since the last save. It exists to amortize
// resume-file I/O across many chunk completions.
func (s *Store) MaybeSave() error {
	s.mu.Lock()
	if !s.dirty || time.Since(s.lastSave) < maybeSaveInterval {
		s.mu.Unlock()
		return nil
	}
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Delete removes the resume file from disk. Called on successful
// end-to-end completion when resume is enabled.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resume: delete %s: %w", s.path, err)
	}
	return nil
}

// AsIncompatibleError wraps a descriptive reason for callers that want to
// surface why a resume file was rejected (e.g. for warning-level logging).
func AsIncompatibleError(reason string) error {
	return &fastgeterr.ResumeIncompatible{Reason: reason}
}
