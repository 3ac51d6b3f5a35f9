// Package adapter defines the four-operation wire contract between
// the upload engine and a server: createFile, verifyHash, uploadChunk,
// mergeFile. It is the Go realization of the specification's
// RequestAdapter capability (C6), shaped after the teacher's
// backend.Backend interface: context-first methods, an explicit
// permanent-vs-retryable error distinction left to the caller via
// internal/errors' Kind taxonomy rather than sentinel types here.
package adapter

import (
	"context"
	"io"
)

// CreateFileResult is returned by CreateFile.
type CreateFileResult struct {
	Token             string
	FileID            string
	ExpiresAt         int64
	NegotiatedChunkSize int64
}

// VerifyHashResult is returned by VerifyHash.
type VerifyHashResult struct {
	FileExists     bool
	FileURL        string
	ExistingChunks []int
	MissingChunks  []int
}

// UploadChunkResult is returned by UploadChunk.
type UploadChunkResult struct {
	Success   bool
	ChunkHash string
}

// MergeFileResult is returned by MergeFile.
type MergeFileResult struct {
	Success bool
	FileURL string
	FileID  string
}

// Adapter is the wire contract implementations must satisfy. All four
// operations may retry transport-level errors internally, but MUST
// surface persistent failures to the caller rather than retrying
// forever.
type Adapter interface {
	// CreateFile opens an upload session for a file of the given
	// name/size/type, proposing preferredChunkSize; the server may
	// round or cap it.
	CreateFile(ctx context.Context, fileName string, fileSize int64, fileType string, preferredChunkSize int64) (CreateFileResult, error)

	// VerifyHash checks whether fileHash (and optionally each chunk
	// hash in chunkHashes) already exists server-side.
	VerifyHash(ctx context.Context, fileHash, uploadToken string, chunkHashes []string) (VerifyHashResult, error)

	// UploadChunk transmits chunkBytes (read from r, exactly
	// chunkSize bytes) for chunkIndex with its precomputed chunkHash.
	UploadChunk(ctx context.Context, uploadToken string, chunkIndex int, chunkHash string, chunkSize int64, r io.Reader) (UploadChunkResult, error)

	// MergeFile finalizes the upload once every chunk is confirmed.
	// Called at most once per task.
	MergeFile(ctx context.Context, uploadToken, fileHash string, chunkHashes []string) (MergeFileResult, error)
}
