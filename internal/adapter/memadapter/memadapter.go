// Package memadapter is an in-process reference implementation of
// adapter.Adapter, simulating a server that performs content-addressed
// deduplication. It exists for tests and for the cmd/uploadctl demo;
// real deployments would implement adapter.Adapter against an actual
// upload service. Grounded on the teacher's
// internal/backend/mem.MemoryBackend, an in-memory Backend
// implementation used throughout restic's own test suite, and on
// internal/blobcache/internal/bloblru for its bounded LRU existence
// index.
package memadapter

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chunkup/engine/internal/adapter"
	"github.com/chunkup/engine/internal/errors"
)

type fileRecord struct {
	fileHash    string
	fileURL     string
	merged      bool
	chunkHashes map[int]string
}

// Adapter is an in-memory simulation of an upload server with
// content-addressed chunk and file deduplication.
type Adapter struct {
	mu sync.Mutex

	files map[string]*fileRecord // keyed by uploadToken

	// knownFiles/knownChunks simulate server-side storage that persists
	// across tasks, so a second upload of identical content can be
	// instantly deduplicated.
	knownFiles  map[string]string // fileHash -> fileURL
	knownChunks *lru.Cache[string, []byte]

	tokenSeq  atomic.Uint64
	uploadCnt atomic.Int64

	chunkSizeCap int64
}

// New returns an Adapter that caps negotiated chunk sizes at
// chunkSizeCap (0 means no cap) and remembers up to maxKnownChunks
// previously uploaded chunk bodies for dedup.
func New(chunkSizeCap int64, maxKnownChunks int) *Adapter {
	if maxKnownChunks <= 0 {
		maxKnownChunks = 10000
	}
	cache, err := lru.New[string, []byte](maxKnownChunks)
	if err != nil {
		panic(err)
	}
	return &Adapter{
		files:        make(map[string]*fileRecord),
		knownFiles:   make(map[string]string),
		knownChunks:  cache,
		chunkSizeCap: chunkSizeCap,
	}
}

var _ adapter.Adapter = (*Adapter)(nil)

// UploadChunkCalls reports how many times UploadChunk has been
// invoked, for tests asserting on dispatch counts (P4/P5/S3/S4).
func (a *Adapter) UploadChunkCalls() int64 { return a.uploadCnt.Load() }

func (a *Adapter) CreateFile(ctx context.Context, fileName string, fileSize int64, fileType string, preferredChunkSize int64) (adapter.CreateFileResult, error) {
	if err := ctx.Err(); err != nil {
		return adapter.CreateFileResult{}, err
	}
	negotiated := preferredChunkSize
	if a.chunkSizeCap > 0 && negotiated > a.chunkSizeCap {
		negotiated = a.chunkSizeCap
	}
	if negotiated <= 0 {
		return adapter.CreateFileResult{}, errors.Transport(errors.New("invalid preferred chunk size"))
	}

	a.mu.Lock()
	id := a.tokenSeq.Add(1)
	token := fmt.Sprintf("tok-%d", id)
	a.files[token] = &fileRecord{chunkHashes: make(map[int]string)}
	a.mu.Unlock()

	return adapter.CreateFileResult{
		Token:               token,
		FileID:              fmt.Sprintf("file-%d", id),
		ExpiresAt:           0,
		NegotiatedChunkSize: negotiated,
	}, nil
}

func (a *Adapter) VerifyHash(ctx context.Context, fileHash, uploadToken string, chunkHashes []string) (adapter.VerifyHashResult, error) {
	if err := ctx.Err(); err != nil {
		return adapter.VerifyHashResult{}, err
	}

	a.mu.Lock()
	rec, ok := a.files[uploadToken]
	if ok {
		rec.fileHash = fileHash
	}
	if url, exists := a.knownFiles[fileHash]; exists {
		a.mu.Unlock()
		return adapter.VerifyHashResult{FileExists: true, FileURL: url}, nil
	}
	a.mu.Unlock()
	if !ok {
		return adapter.VerifyHashResult{}, errors.Token(errors.New("unknown upload token"))
	}

	var existing, missing []int
	for i, h := range chunkHashes {
		if a.knownChunks.Contains(h) {
			existing = append(existing, i)
		} else {
			missing = append(missing, i)
		}
	}
	return adapter.VerifyHashResult{ExistingChunks: existing, MissingChunks: missing}, nil
}

func (a *Adapter) UploadChunk(ctx context.Context, uploadToken string, chunkIndex int, chunkHash string, chunkSize int64, r io.Reader) (adapter.UploadChunkResult, error) {
	if err := ctx.Err(); err != nil {
		return adapter.UploadChunkResult{}, err
	}
	a.uploadCnt.Add(1)

	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return adapter.UploadChunkResult{}, errors.Transport(errors.Wrap(err, "read chunk body"))
	}
	if n != chunkSize {
		return adapter.UploadChunkResult{}, errors.Transport(errors.Errorf("short chunk body: got %d want %d", n, chunkSize))
	}
	gotHash := hex.EncodeToString(h.Sum(nil))
	if gotHash != chunkHash {
		return adapter.UploadChunkResult{}, errors.Transport(errors.Errorf("chunk hash mismatch: got %s want %s", gotHash, chunkHash))
	}

	a.mu.Lock()
	rec, ok := a.files[uploadToken]
	if !ok {
		a.mu.Unlock()
		return adapter.UploadChunkResult{}, errors.Token(errors.New("unknown upload token"))
	}
	rec.chunkHashes[chunkIndex] = chunkHash
	a.mu.Unlock()

	a.knownChunks.Add(chunkHash, nil)
	return adapter.UploadChunkResult{Success: true, ChunkHash: chunkHash}, nil
}

func (a *Adapter) MergeFile(ctx context.Context, uploadToken, fileHash string, chunkHashes []string) (adapter.MergeFileResult, error) {
	if err := ctx.Err(); err != nil {
		return adapter.MergeFileResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.files[uploadToken]
	if !ok {
		return adapter.MergeFileResult{}, errors.Token(errors.New("unknown upload token"))
	}
	rec.merged = true
	rec.fileURL = fmt.Sprintf("/files/%s", fileHash)
	a.knownFiles[fileHash] = rec.fileURL
	return adapter.MergeFileResult{Success: true, FileURL: rec.fileURL, FileID: uploadToken}, nil
}

// SeedExistingFile marks fileHash as already present server-side, so
// the next CreateFile+VerifyHash for identical content triggers a full
// instant upload (specification scenario S3).
func (a *Adapter) SeedExistingFile(fileHash, fileURL string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.knownFiles[fileHash] = fileURL
}

// SeedExistingChunk marks chunkHash as already present server-side, so
// a subsequent VerifyHash reports it among existingChunks
// (specification scenario S4).
func (a *Adapter) SeedExistingChunk(chunkHash string) {
	a.knownChunks.Add(chunkHash, nil)
}

// FlakyAdapter wraps an Adapter, failing UploadChunk for a configured
// number of attempts per chunk index before delegating, for exercising
// the retry/backoff properties (P6-P8, S5).
type FlakyAdapter struct {
	*Adapter
	mu          sync.Mutex
	failuresFor map[int]int
	failErr     error
}

// NewFlaky wraps inner so that each chunk index in failuresFor fails
// that many times before succeeding. failErr is returned on each
// induced failure; if nil, a generic transport error is used.
func NewFlaky(inner *Adapter, failuresFor map[int]int, failErr error) *FlakyAdapter {
	remaining := make(map[int]int, len(failuresFor))
	for k, v := range failuresFor {
		remaining[k] = v
	}
	return &FlakyAdapter{Adapter: inner, failuresFor: remaining, failErr: failErr}
}

func (f *FlakyAdapter) UploadChunk(ctx context.Context, uploadToken string, chunkIndex int, chunkHash string, chunkSize int64, r io.Reader) (adapter.UploadChunkResult, error) {
	f.mu.Lock()
	remaining := f.failuresFor[chunkIndex]
	if remaining > 0 {
		f.failuresFor[chunkIndex] = remaining - 1
		f.mu.Unlock()
		// drain the reader, consuming the chunk body as a real upload would
		_, _ = io.Copy(io.Discard, r)
		if f.failErr != nil {
			return adapter.UploadChunkResult{}, f.failErr
		}
		return adapter.UploadChunkResult{}, errors.Transport(errors.New("simulated transport failure"))
	}
	f.mu.Unlock()
	return f.Adapter.UploadChunk(ctx, uploadToken, chunkIndex, chunkHash, chunkSize, r)
}

var _ adapter.Adapter = (*FlakyAdapter)(nil)
