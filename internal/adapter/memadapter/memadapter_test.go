package memadapter_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/chunkup/engine/internal/adapter/memadapter"
)

func TestCreateFileNegotiatesChunkSize(t *testing.T) {
	a := memadapter.New(2*1024*1024, 1000)
	res, err := a.CreateFile(context.Background(), "f.bin", 100, "application/octet-stream", 5*1024*1024)
	if err != nil {
		t.Fatal(err)
	}
	if res.NegotiatedChunkSize != 2*1024*1024 {
		t.Fatalf("expected capped chunk size, got %d", res.NegotiatedChunkSize)
	}
}

func TestUploadChunkRejectsHashMismatch(t *testing.T) {
	a := memadapter.New(0, 1000)
	res, err := a.CreateFile(context.Background(), "f.bin", 10, "application/octet-stream", 1024*1024)
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.UploadChunk(context.Background(), res.Token, 0, "deadbeef", 4, bytes.NewReader([]byte("abcd")))
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestFullInstantUploadWhenFileSeeded(t *testing.T) {
	a := memadapter.New(0, 1000)
	res, err := a.CreateFile(context.Background(), "f.bin", 10, "application/octet-stream", 1024*1024)
	if err != nil {
		t.Fatal(err)
	}
	a.SeedExistingFile("deadbeef", "/files/deadbeef")

	vr, err := a.VerifyHash(context.Background(), "deadbeef", res.Token, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !vr.FileExists || vr.FileURL != "/files/deadbeef" {
		t.Fatalf("expected instant upload, got %+v", vr)
	}
}

func TestPartialInstantUpload(t *testing.T) {
	a := memadapter.New(0, 1000)
	res, err := a.CreateFile(context.Background(), "f.bin", 10, "application/octet-stream", 1024*1024)
	if err != nil {
		t.Fatal(err)
	}
	a.SeedExistingChunk("chunk0")
	a.SeedExistingChunk("chunk1")

	vr, err := a.VerifyHash(context.Background(), "newfilehash", res.Token, []string{"chunk0", "chunk1", "chunk2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vr.ExistingChunks) != 2 || len(vr.MissingChunks) != 1 {
		t.Fatalf("unexpected verify result: %+v", vr)
	}
}

func TestMergeFileReturnsURL(t *testing.T) {
	a := memadapter.New(0, 1000)
	res, err := a.CreateFile(context.Background(), "f.bin", 4, "application/octet-stream", 1024*1024)
	if err != nil {
		t.Fatal(err)
	}

	sum := md5.Sum([]byte("abcd"))
	chunkHash := hex.EncodeToString(sum[:])
	if _, err := a.UploadChunk(context.Background(), res.Token, 0, chunkHash, 4, bytes.NewReader([]byte("abcd"))); err != nil {
		t.Fatal(err)
	}

	mr, err := a.MergeFile(context.Background(), res.Token, "filehash", []string{chunkHash})
	if err != nil {
		t.Fatal(err)
	}
	if !mr.Success || mr.FileURL == "" {
		t.Fatalf("expected successful merge with a URL, got %+v", mr)
	}
}

func TestFlakyAdapterFailsThenSucceeds(t *testing.T) {
	inner := memadapter.New(0, 1000)
	res, err := inner.CreateFile(context.Background(), "f.bin", 4, "application/octet-stream", 1024*1024)
	if err != nil {
		t.Fatal(err)
	}
	flaky := memadapter.NewFlaky(inner, map[int]int{0: 2}, nil)

	sum := md5.Sum([]byte("abcd"))
	chunkHash := hex.EncodeToString(sum[:])

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		_, lastErr = flaky.UploadChunk(context.Background(), res.Token, 0, chunkHash, 4, bytes.NewReader([]byte("abcd")))
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		t.Fatalf("expected eventual success, got %v", lastErr)
	}
}
