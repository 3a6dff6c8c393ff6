package resume

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeSaveLoadRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")

	s := NewStore(out)
	s.Initialize(10*1024*1024, 1024*1024, 10)
	s.MarkCompleted(0)
	s.MarkCompleted(2)
	s.MarkCompleted(5)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewStore(out)
	result, chunkSize, chunkCount, err := loaded.Load(10 * 1024 * 1024)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result != Loaded {
		t.Fatalf("expected Loaded, got %v", result)
	}
	if chunkSize != 1024*1024 || chunkCount != 10 {
		t.Fatalf("unexpected shape: chunkSize=%d chunkCount=%d", chunkSize, chunkCount)
	}

	completed := loaded.CompletedChunks()
	want := map[uint64]bool{0: true, 2: true, 5: true}
	if len(completed) != len(want) {
		t.Fatalf("expected %d completed chunks, got %d", len(want), len(completed))
	}
	for _, id := range completed {
		if !want[id] {
			t.Fatalf("unexpected completed id %d", id)
		}
	}
}

func TestLoadAbsentFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	s := NewStore(out)

	result, _, _, err := s.Load(1000)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result != Absent {
		t.Fatalf("expected Absent, got %v", result)
	}
}

func TestLoadIncompatibleOnSizeMismatchDoesNotTouchFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")

	s := NewStore(out)
	s.Initialize(1000, 500, 2)
	s.MarkCompleted(0)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	before, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read before: %v", err)
	}

	loaded := NewStore(out)
	result, _, _, err := loaded.Load(2000)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result != Incompatible {
		t.Fatalf("expected Incompatible on total_size mismatch, got %v", result)
	}

	after, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read after: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("Incompatible load must not modify the on-disk file")
	}
}

func TestLoadIncompatibleOnBadMagic(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	s := NewStore(out)
	if err := os.WriteFile(s.Path(), []byte("not a fastget resume file at all"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	result, _, _, err := s.Load(1000)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result != Incompatible {
		t.Fatalf("expected Incompatible, got %v", result)
	}
}

func TestMaybeSaveCoalescesWithinInterval(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	s := NewStore(out)
	s.Initialize(1024, 512, 2)

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info1, _ := os.Stat(s.Path())

	s.MarkCompleted(0)
	if err := s.MaybeSave(); err != nil {
		t.Fatalf("MaybeSave: %v", err)
	}
	info2, _ := os.Stat(s.Path())

	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Fatal("MaybeSave should be a no-op within the coalescing interval")
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	s := NewStore(out)
	s.Initialize(1024, 512, 2)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatal("expected resume file to be gone after Delete")
	}
}

func TestDeleteOnAbsentFileIsNotAnError(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	s := NewStore(out)
	if err := s.Delete(); err != nil {
		t.Fatalf("Delete on absent file should be a no-op, got: %v", err)
	}
}

func TestBinaryLayoutMagicAndFieldOffsets(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	s := NewStore(out)
	s.Initialize(0x1122334455, 0x10000, 3)
	s.MarkCompleted(1)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw[0:8]) != "FASTGET1" {
		t.Fatalf("expected magic FASTGET1, got %q", raw[0:8])
	}
	if len(raw) != headerSize+3 {
		t.Fatalf("expected %d byte file, got %d", headerSize+3, len(raw))
	}
	if got := binary.LittleEndian.Uint64(raw[8:16]); got != 0x1122334455 {
		t.Fatalf("expected total_size 0x1122334455 at offset 8, got %#x", got)
	}
	if got := binary.LittleEndian.Uint64(raw[16:24]); got != 0x10000 {
		t.Fatalf("expected chunk_size 0x10000 at offset 16, got %#x", got)
	}
	if got := binary.LittleEndian.Uint64(raw[24:32]); got != 3 {
		t.Fatalf("expected chunk_count 3 at offset 24, got %d", got)
	}
	if raw[32] != 0 || raw[33] == 0 || raw[34] != 0 {
		t.Fatalf("unexpected bitmap bytes: %v", raw[32:35])
	}
}
