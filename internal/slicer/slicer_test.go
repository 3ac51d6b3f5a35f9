package slicer_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"testing"

	"github.com/chunkup/engine/internal/slicer"
)

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rnd := rand.New(rand.NewSource(int64(size) + 1))
	rnd.Read(data)

	f, err := os.CreateTemp(t.TempDir(), "slicer-*")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return f.Name(), data
}

func openFD(t *testing.T, path string) *slicer.FileDescriptor {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	fd, err := slicer.Open(f)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = fd.Close() })
	return fd
}

func TestPlanChunksCoversWholeFile(t *testing.T) {
	sizes := []int64{0, 1, 100, 1024, 1024*1024 + 7}
	chunkSizes := []int64{1, 7, 256, 1024}

	for _, fileSize := range sizes {
		for _, chunkSize := range chunkSizes {
			chunks := slicer.PlanChunks(fileSize, chunkSize)
			if fileSize == 0 {
				if len(chunks) != 0 {
					t.Fatalf("empty file produced %d chunks", len(chunks))
				}
				continue
			}
			if chunks[0].Start != 0 {
				t.Fatalf("first chunk does not start at 0: %+v", chunks[0])
			}
			if chunks[len(chunks)-1].End != fileSize {
				t.Fatalf("last chunk does not end at fileSize: %+v vs %d", chunks[len(chunks)-1], fileSize)
			}
			var total int64
			for i, c := range chunks {
				if c.Index != i {
					t.Fatalf("chunk index not dense: %+v at position %d", c, i)
				}
				if i > 0 && chunks[i-1].End != c.Start {
					t.Fatalf("chunks not contiguous at %d: %+v vs %+v", i, chunks[i-1], c)
				}
				total += c.Size()
			}
			if total != fileSize {
				t.Fatalf("sum of chunk sizes %d != fileSize %d", total, fileSize)
			}
			wantCount := (fileSize + chunkSize - 1) / chunkSize
			if int64(len(chunks)) != wantCount {
				t.Fatalf("chunk count %d != expected %d", len(chunks), wantCount)
			}
		}
	}
}

func TestSliceDoesNotCopyAndReadsCorrectRange(t *testing.T) {
	path, data := writeTempFile(t, 10000)
	fd := openFD(t, path)

	r := fd.Slice(100, 200)
	got := make([]byte, 100)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatal(err)
	}
	want := data[100:200]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, got[i], want[i])
		}
	}
}

func TestComputeFileHashMatchesMD5(t *testing.T) {
	path, data := writeTempFile(t, 3*256*1024+17)
	fd := openFD(t, path)

	expected := md5.Sum(data)
	expectedHex := hex.EncodeToString(expected[:])

	for _, strategy := range []slicer.HashStrategy{slicer.StrategyOffThread, slicer.StrategyCooperative, slicer.StrategyBlocking} {
		var lastProgress float64
		got, err := slicer.ComputeFileHash(context.Background(), fd, strategy, func(p float64) { lastProgress = p })
		if err != nil {
			t.Fatalf("%s: %v", strategy, err)
		}
		if got != expectedHex {
			t.Fatalf("%s: hash mismatch: got %s want %s", strategy, got, expectedHex)
		}
		if lastProgress != 100 {
			t.Fatalf("%s: expected final progress 100, got %v", strategy, lastProgress)
		}
	}
}

func TestComputeChunkHashMatchesSubsliceMD5(t *testing.T) {
	path, data := writeTempFile(t, 10000)
	fd := openFD(t, path)

	c := slicer.ChunkInfo{Index: 0, Start: 1234, End: 5678}
	expected := md5.Sum(data[1234:5678])
	expectedHex := hex.EncodeToString(expected[:])

	got, err := slicer.ComputeChunkHash(context.Background(), fd, c)
	if err != nil {
		t.Fatal(err)
	}
	if got != expectedHex {
		t.Fatalf("got %s want %s", got, expectedHex)
	}
}

func TestComputeFileHashRespectsCancellation(t *testing.T) {
	path, _ := writeTempFile(t, 5*1024*1024)
	fd := openFD(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := slicer.ComputeFileHash(ctx, fd, slicer.StrategyBlocking, nil)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
