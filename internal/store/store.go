// Package store implements the durable, keyed progress store: one
// JSON document on disk holding every task's DurableRecord, written
// atomically (temp file + rename) after every chunk success so it can
// act as a write-ahead log for resumable uploads. It is grounded on
// the teacher's internal/cache/file.go save pattern (write to a temp
// name, then atomically rename into place; detect and discard
// truncated files rather than trusting them).
//
// If persistence cannot be initialized (bad path, read-only
// filesystem, corrupt file) the store degrades to IsAvailable()==false
// and every other operation becomes a no-op that resolves
// successfully, per the specification's explicit degrade-don't-fail
// policy.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/chunkup/engine/internal/errors"
	"github.com/chunkup/engine/internal/logging"
)

// DurableRecord is one task's persisted upload state.
type DurableRecord struct {
	TaskID         string `json:"taskId"`
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
	FileType       string `json:"fileType"`
	LastModified   int64  `json:"lastModified"`
	UploadedChunks []int  `json:"uploadedChunks"`
	UploadToken    string `json:"uploadToken"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// compressThreshold is the serialized size above which the store file
// is zstd-compressed, mirroring the teacher's use of
// klauspost/compress for large on-disk payloads (pack files there;
// the progress document here).
const compressThreshold = 16 * 1024

// magicCompressed marks a store file as zstd-compressed.
var magicCompressed = []byte("ZSTD")

// Store is a process-wide, keyed durable record store. Safe for
// concurrent use; writes for different keys never conflict, and
// writes for the same key are serialized by the caller (each task
// owns its own key).
type Store struct {
	mu        sync.Mutex
	path      string
	records   map[string]DurableRecord
	available bool
	log       *logging.Logger
	warnedOnce bool
}

// New returns a Store that will persist to path once Init succeeds.
func New(path string) *Store {
	return &Store{path: path, records: make(map[string]DurableRecord), log: logging.Default}
}

// Init loads any existing store file. It is idempotent and tolerates
// persistence being unavailable: on failure it logs one warning and
// leaves the store unavailable rather than returning an error, so
// engine start-up never fails because resume support couldn't load.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		if !s.warnedOnce {
			s.log.Warnf("store: persistence unavailable, resume disabled: %v", err)
			s.warnedOnce = true
		}
		s.available = false
		return nil
	}
	s.available = true
	return nil
}

// IsAvailable reports whether durable persistence is functioning. When
// false, every other method is a no-op.
func (s *Store) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *Store) loadLocked() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.records = make(map[string]DurableRecord)
			return nil
		}
		return errors.Wrap(err, "read store file")
	}
	if len(raw) == 0 {
		s.records = make(map[string]DurableRecord)
		return nil
	}

	payload, err := verifyAndDecode(raw)
	if err != nil {
		return err
	}

	var records map[string]DurableRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return errors.Wrap(err, "decode store file")
	}
	s.records = records
	return nil
}

// verifyAndDecode strips the xxhash integrity trailer and, if present,
// decompresses the zstd-compressed payload. A failed checksum or
// decompression is treated as corruption, causing the store to
// degrade rather than serve stale/garbage data.
func verifyAndDecode(raw []byte) ([]byte, error) {
	const trailerLen = 8
	if len(raw) < trailerLen {
		return nil, errors.New("store file too short")
	}
	body := raw[:len(raw)-trailerLen]
	trailer := raw[len(raw)-trailerLen:]
	want := beUint64(trailer)
	got := xxhash.Sum64(body)
	if got != want {
		return nil, errors.New("store file checksum mismatch")
	}

	if len(body) >= 4 && string(body[:4]) == string(magicCompressed) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Wrap(err, "create zstd reader")
		}
		defer dec.Close()
		out, err := dec.DecodeAll(body[4:], nil)
		if err != nil {
			return nil, errors.Wrap(err, "decompress store file")
		}
		return out, nil
	}
	return body, nil
}

func encodeAndChecksum(payload []byte) []byte {
	body := payload
	if len(payload) > compressThreshold {
		enc, err := zstd.NewWriter(nil)
		if err == nil {
			compressed := enc.EncodeAll(payload, nil)
			_ = enc.Close()
			body = append(append([]byte{}, magicCompressed...), compressed...)
		}
	}
	sum := xxhash.Sum64(body)
	trailer := make([]byte, 8)
	putUint64(trailer, sum)
	return append(body, trailer...)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// saveLocked atomically persists the in-memory records to disk.
func (s *Store) saveLocked() error {
	if !s.available {
		return nil
	}
	payload, err := json.Marshal(s.records)
	if err != nil {
		return errors.Wrap(err, "encode store")
	}
	final := encodeAndChecksum(payload)

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp store file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(final); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write temp store file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp store file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "rename temp store file into place")
	}
	return nil
}

// persistLocked calls saveLocked and, on failure, demotes the store to
// unavailable rather than returning the error to the caller: per the
// specification, a StorageError is logged and disables resume for
// affected tasks, it never fails the task itself.
func (s *Store) persistLocked() error {
	if err := s.saveLocked(); err != nil {
		s.available = false
		if !s.warnedOnce {
			s.log.Warnf("store: write failed, disabling persistence: %v", err)
			s.warnedOnce = true
		}
	}
	return nil
}

// SaveRecord stores or replaces the record for rec.TaskID.
func (s *Store) SaveRecord(rec DurableRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil
	}
	s.records[rec.TaskID] = rec
	return s.persistLocked()
}

// GetRecord returns the record for taskID, if any.
func (s *Store) GetRecord(taskID string) (DurableRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return DurableRecord{}, false
	}
	rec, ok := s.records[taskID]
	return rec, ok
}

// UpdateRecord applies patch to the existing record for taskID, if
// any exists; otherwise it is a no-op.
func (s *Store) UpdateRecord(taskID string, patch func(*DurableRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil
	}
	rec, ok := s.records[taskID]
	if !ok {
		return nil
	}
	patch(&rec)
	s.records[taskID] = rec
	return s.persistLocked()
}

// DeleteRecord removes the record for taskID, if any.
func (s *Store) DeleteRecord(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil
	}
	if _, ok := s.records[taskID]; !ok {
		return nil
	}
	delete(s.records, taskID)
	return s.persistLocked()
}

// GetAllRecords returns a defensive copy of every stored record.
func (s *Store) GetAllRecords() []DurableRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil
	}
	out := make([]DurableRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}
