package store_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/chunkup/engine/internal/store"
)

func TestSaveGetUpdateDeleteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := store.New(path)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if !s.IsAvailable() {
		t.Fatal("expected store to be available")
	}

	rec := store.DurableRecord{TaskID: "t1", FileName: "a.bin", FileSize: 100, CreatedAt: 1, UpdatedAt: 1}
	if err := s.SaveRecord(rec); err != nil {
		t.Fatal(err)
	}

	got, ok := s.GetRecord("t1")
	if !ok || got.FileName != "a.bin" {
		t.Fatalf("unexpected record: %+v ok=%v", got, ok)
	}

	if err := s.UpdateRecord("t1", func(r *store.DurableRecord) {
		r.UploadedChunks = append(r.UploadedChunks, 0, 1)
	}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRecord("t1")
	if len(got.UploadedChunks) != 2 {
		t.Fatalf("expected 2 uploaded chunks, got %+v", got)
	}

	if err := s.DeleteRecord("t1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetRecord("t1"); ok {
		t.Fatal("expected record to be deleted")
	}
}

func TestSurvivesProcessRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s1 := store.New(path)
	if err := s1.Init(); err != nil {
		t.Fatal(err)
	}
	if err := s1.SaveRecord(store.DurableRecord{TaskID: "t1", FileName: "a.bin"}); err != nil {
		t.Fatal(err)
	}

	s2 := store.New(path)
	if err := s2.Init(); err != nil {
		t.Fatal(err)
	}
	recs := s2.GetAllRecords()
	if len(recs) != 1 || recs[0].TaskID != "t1" {
		t.Fatalf("expected restored record, got %+v", recs)
	}
}

func TestLargeRecordSetIsCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := store.New(path)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 500; i++ {
		chunks := make([]int, 200)
		for j := range chunks {
			chunks[j] = j
		}
		rec := store.DurableRecord{
			TaskID:         strings.Repeat("t", 8) + strconv.Itoa(i),
			FileName:       "big-file-with-a-long-name.bin",
			UploadedChunks: chunks,
		}
		if err := s.SaveRecord(rec); err != nil {
			t.Fatal(err)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < 4 || string(raw[:4]) != "ZSTD" {
		t.Fatal("expected large store file to be compressed")
	}

	s2 := store.New(path)
	if err := s2.Init(); err != nil {
		t.Fatal(err)
	}
	if len(s2.GetAllRecords()) != 500 {
		t.Fatalf("expected 500 records after reload, got %d", len(s2.GetAllRecords()))
	}
}

func TestCorruptFileDegradesGracefully(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("not a valid store file"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := store.New(path)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if s.IsAvailable() {
		t.Fatal("expected store to be unavailable for a corrupt file")
	}

	// every operation becomes a no-op that resolves successfully
	if err := s.SaveRecord(store.DurableRecord{TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetRecord("t1"); ok {
		t.Fatal("expected no record from an unavailable store")
	}
}

func TestUnwritableDirectoryDegradesGracefully(t *testing.T) {
	s := store.New(filepath.Join("/nonexistent-dir-for-test", "state.json"))
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	// Init tolerates a not-yet-existing file; unavailability surfaces
	// once a write actually fails, and that failure is swallowed
	// rather than propagated, per the storage-errors-never-task-fatal
	// policy.
	if err := s.SaveRecord(store.DurableRecord{TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if s.IsAvailable() {
		t.Fatal("expected unavailable store when save target cannot be created")
	}
}
