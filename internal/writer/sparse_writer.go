// Package writer implements the SparseWriter: the exclusive owner of the
// output file, guaranteeing serialized, flushed writes at arbitrary offsets
// into a pre-extended file of exact total length.
package writer

import (
	"fmt"
	"os"
	"sync"
)

// SparseWriter owns a single output file handle. All writes serialize
// through mu; there is no per-range locking. Writes are positioned
// (os.File.WriteAt), so they do not move a shared seek position.
type SparseWriter struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// New returns an unopened SparseWriter for path.
func New(path string) *SparseWriter {
	return &SparseWriter{path: path}
}

// Open opens the file for random-access read+write, creating it if absent.
// First attempt "open existing read+write"; on failure, create zero-length
// then reopen read+write.
func (w *SparseWriter) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_RDWR, 0o644)
	if err != nil {
		f, err = os.OpenFile(w.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("writer: open %s: %w", w.path, err)
		}
	}
	w.file = f
	return nil
}

// Preallocate extends the file to at least n bytes by writing a single
// byte at offset n-1 if the current size is smaller. Idempotent.
func (w *SparseWriter) Preallocate(n uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("writer: preallocate before open")
	}
	if n == 0 {
		return nil
	}

	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("writer: stat: %w", err)
	}
	if uint64(info.Size()) >= n {
		return nil
	}

	if _, err := w.file.WriteAt([]byte{0}, int64(n-1)); err != nil {
		return fmt.Errorf("writer: preallocate to %d bytes: %w", n, err)
	}
	return nil
}

// WriteAt writes bytes starting at offset. os.File.WriteAt issues the
// underlying pwrite syscall directly with no internal buffering, so the
// data reaches the OS as soon as this call returns; an explicit fsync is
// deliberately not performed here, since resume semantics tolerate losing
// trailing writes that never made it to stable storage (they are simply
// re-fetched on the next run).
func (w *SparseWriter) WriteAt(offset uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("writer: write before open")
	}
	if _, err := w.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("writer: write %d bytes at offset %d: %w", len(data), offset, err)
	}
	return nil
}

// Exists reports whether the underlying path currently exists on disk.
func (w *SparseWriter) Exists() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// Size returns the current on-disk size of the output file.
func (w *SparseWriter) Size() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		info, err := os.Stat(w.path)
		if err != nil {
			return 0, err
		}
		return uint64(info.Size()), nil
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// Close releases the file handle.
func (w *SparseWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
