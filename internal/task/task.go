// Package task implements UploadTask, the per-file state machine that
// drives one upload from idle through hashing and chunked transfer to
// success, error or cancellation. It is grounded on the teacher's
// internal/archiver.fileSaver/blobSaver: an errgroup-coordinated worker
// pool sharing one cancellable context, with mutex-guarded shared
// state and callback-driven progress reporting, plus
// internal/backend/retry.Backend's retry-with-backoff wrapping of a
// single operation.
package task

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/chunkup/engine/internal/adapter"
	"github.com/chunkup/engine/internal/adjuster"
	"github.com/chunkup/engine/internal/bus"
	"github.com/chunkup/engine/internal/config"
	"github.com/chunkup/engine/internal/errors"
	"github.com/chunkup/engine/internal/limiter"
	"github.com/chunkup/engine/internal/logging"
	"github.com/chunkup/engine/internal/slicer"
	"github.com/chunkup/engine/internal/store"
)

// Status is one state of the task lifecycle described in the
// specification's state diagram.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusUploading  Status = "uploading"
	StatusPaused     Status = "paused"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Progress is a snapshot of one task's transfer state.
type Progress struct {
	UploadedBytes  int64
	TotalBytes     int64
	Percentage     float64
	Speed          float64 // bytes/sec, cumulative average
	RemainingTime  float64 // seconds, 0 if unknown
	UploadedChunks int
	TotalChunks    int
}

// Task drives a single file through the upload lifecycle. A Task must
// not be reused after it reaches a terminal status.
type Task struct {
	id  string
	fd  *slicer.FileDescriptor
	adp adapter.Adapter
	st  *store.Store
	bus *bus.Bus
	lim *limiter.Limiter
	log *logging.Logger

	opts config.TaskOptions

	mu       sync.Mutex
	status   Status
	token    adapter.CreateFileResult
	chunks   []slicer.ChunkInfo
	progress Progress
	adj      adjuster.Adjuster
	fileURL  string
	fileHash string
	startAt  time.Time

	claimed      []int32 // atomic CAS bitset, one entry per chunk
	chunkHashes  []string
	chunkHashMu  sync.Mutex

	gen int64 // atomic; bumped each time Start/Resume launches a driving run

	baseCtx  context.Context
	cancelFn context.CancelFunc
}

// New returns an idle Task for fd, to be driven through the adapter
// adp, persisting progress to st, and emitting lifecycle signals on b.
// Each task owns its own concurrency limiter sized by
// opts.Concurrency, the Go realization of C2 as a per-task resource;
// a manager gates how many tasks may be simultaneously uploading
// separately (C8). id must be unique within the owning manager.
func New(id string, fd *slicer.FileDescriptor, adp adapter.Adapter, st *store.Store, b *bus.Bus, opts config.TaskOptions) *Task {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = config.DefaultConcurrency
	}
	return &Task{
		id:     id,
		fd:     fd,
		adp:    adp,
		st:     st,
		bus:    b,
		lim:    limiter.New(concurrency),
		log:    logging.Default,
		opts:   opts,
		status: StatusIdle,
	}
}

// ID returns the task's identifier.
func (t *Task) ID() string { return t.id }

// Events returns the bus a caller subscribes to for this task's
// lifecycle signals (start, progress, chunkSuccess, ...).
func (t *Task) Events() *bus.Bus { return t.bus }

// GetStatus returns the task's current lifecycle state.
func (t *Task) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// GetProgress returns a snapshot of the task's current transfer progress.
func (t *Task) GetProgress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// FileURL returns the server-assigned URL once the task has succeeded.
func (t *Task) FileURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fileURL
}

// Start transitions the task from idle to uploading and drives it to
// completion, blocking until the task reaches success, error,
// cancelled, or is paused. ctx bounds the whole task; cancelling it is
// equivalent to calling Cancel.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.status != StatusIdle {
		t.mu.Unlock()
		return errors.InvalidState("task: Start called outside idle")
	}
	t.status = StatusUploading
	t.startAt = time.Now()
	t.mu.Unlock()

	t.baseCtx, t.cancelFn = context.WithCancel(ctx)

	t.bus.Emit(bus.TopicStart, bus.StartPayload{TaskID: t.id, FileName: t.fd.Name(), FileSize: t.fd.Size()})

	preferred := t.opts.PreferredChunkSize
	if preferred <= 0 {
		preferred = config.DefaultChunkSize
	}
	res, err := t.adp.CreateFile(t.baseCtx, t.fd.Name(), t.fd.Size(), t.fd.Type(), preferred)
	if err != nil {
		return t.fail(errors.Transport(err))
	}
	t.token = res

	chunkSize := res.NegotiatedChunkSize
	if chunkSize <= 0 {
		chunkSize = config.DefaultChunkSize
	}
	t.chunks = slicer.PlanChunks(t.fd.Size(), chunkSize)

	t.mu.Lock()
	t.progress.TotalBytes = t.fd.Size()
	t.progress.TotalChunks = len(t.chunks)
	t.claimed = make([]int32, len(t.chunks))
	t.chunkHashes = make([]string, len(t.chunks))
	if t.opts.UseTCPLikeAdjuster {
		t.adj = adjuster.NewTCPLike(chunkSize, t.opts.SSThresh, adjuster.Bounds{
			MinSize: t.opts.MinChunkSize, MaxSize: t.opts.MaxChunkSize, TargetTime: t.opts.TargetUploadTime,
		})
	} else {
		t.adj = adjuster.NewSimple(chunkSize, adjuster.Bounds{
			MinSize: t.opts.MinChunkSize, MaxSize: t.opts.MaxChunkSize, TargetTime: t.opts.TargetUploadTime,
		})
	}
	t.mu.Unlock()

	_ = t.st.SaveRecord(store.DurableRecord{
		TaskID: t.id, FileName: t.fd.Name(), FileSize: t.fd.Size(), FileType: t.fd.Type(),
		LastModified: t.fd.LastModified(), UploadToken: res.Token,
		CreatedAt: t.startAt.UnixMilli(), UpdatedAt: t.startAt.UnixMilli(),
	})

	gen := atomic.AddInt64(&t.gen, 1)
	return t.runAndFinish(t.baseCtx, gen)
}

// Pause asks the task to stop dispatching new chunk uploads; in-flight
// chunk uploads are allowed to run to completion. Valid only while
// uploading.
func (t *Task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusUploading {
		return errors.InvalidState("task: Pause called outside uploading")
	}
	t.status = StatusPaused
	t.bus.Emit(bus.TopicPause, bus.StatePayload{TaskID: t.id})
	return nil
}

// Resume continues a paused task, re-entering the dispatch loop over
// whichever chunks remain unclaimed. Valid only while paused.
func (t *Task) Resume() error {
	t.mu.Lock()
	if t.status != StatusPaused {
		t.mu.Unlock()
		return errors.InvalidState("task: Resume called outside paused")
	}
	t.status = StatusUploading
	t.mu.Unlock()

	t.bus.Emit(bus.TopicResume, bus.StatePayload{TaskID: t.id})
	gen := atomic.AddInt64(&t.gen, 1)
	go func() {
		if err := t.resumeAndFinish(t.baseCtx, gen); err != nil {
			t.log.Debugf("task %s: resume finished with error: %v", t.id, err)
		}
	}()
	return nil
}

// Cancel aborts the task permanently. Valid from any non-terminal
// status.
func (t *Task) Cancel() error {
	t.mu.Lock()
	switch t.status {
	case StatusSuccess, StatusError, StatusCancelled:
		t.mu.Unlock()
		return errors.InvalidState("task: Cancel called on a terminal task")
	}
	t.status = StatusCancelled
	t.mu.Unlock()

	if t.cancelFn != nil {
		t.cancelFn()
	}
	t.bus.Emit(bus.TopicCancel, bus.StatePayload{TaskID: t.id})
	return nil
}

// runAndFinish launches phase H (hash+verify) and phase U (chunk
// dispatch) as two genuinely concurrent goroutines sharing ctx, per
// spec.md §4.7 step 6, then finalizes once both have returned. Phase U
// never waits on phase H: it hashes each chunk lazily through the
// shared getChunkHash cache the moment it is ready to upload that
// chunk, so dispatch can start as soon as the token and
// negotiatedChunkSize are known. Phase H may finish first (a
// fully-deduplicated file cancels the shared context before phase U
// uploads anything) or phase U may finish first (phase H still hashing
// a large file after every chunk already succeeded); either order is
// legitimate. Whichever phase reaches a chunk index first "claims" it
// through the atomic bitset in claimChunkDone, which is what actually
// arbitrates the race spec.md §5/§9 calls out between the two phases.
//
// gen is this run's generation stamp (see stillCurrent): phase H can
// outlive a pause, so by the time its goroutine returns here a later
// Resume may already have started a newer run. Finalizing from a
// superseded generation would race that newer run's own finalize, so
// this one steps aside instead.
func (t *Task) runAndFinish(ctx context.Context, gen int64) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.runPhaseH(ctx)
	}()

	fatalErr := t.runPhaseU(ctx)
	wg.Wait()

	if !t.stillCurrent(gen) {
		return nil
	}
	return t.finalize(ctx, fatalErr)
}

// resumeAndFinish re-enters only phase U over whatever chunks remain
// unclaimed; phase H never re-runs on resume. If the original run's
// phase H is still hashing or verifying, it keeps running alongside
// this run and may still claim chunks, but its run is superseded and
// does not finalize (see runAndFinish).
func (t *Task) resumeAndFinish(ctx context.Context, gen int64) error {
	fatalErr := t.runPhaseU(ctx)
	if !t.stillCurrent(gen) {
		return nil
	}
	return t.finalize(ctx, fatalErr)
}

// stillCurrent reports whether gen is still the task's active run: a
// Resume bumps the generation counter before spawning its own driving
// goroutine, so a prior run discovering it has been superseded knows
// to let the newer one own finalize.
func (t *Task) stillCurrent(gen int64) bool {
	return atomic.LoadInt64(&t.gen) == gen
}

func (t *Task) finalize(ctx context.Context, fatalErr error) error {
	status := t.GetStatus()
	switch status {
	case StatusPaused, StatusCancelled, StatusSuccess:
		return nil
	}
	if fatalErr != nil {
		t.fail(fatalErr)
		return fatalErr
	}
	return t.finishWithMerge(ctx)
}

func (t *Task) finishWithMerge(ctx context.Context) error {
	t.mu.Lock()
	hashes := append([]string(nil), t.chunkHashes...)
	fileHash := t.fileHash
	token := t.token.Token
	t.mu.Unlock()

	mr, err := t.adp.MergeFile(ctx, token, fileHash, hashes)
	if err != nil || !mr.Success {
		if err == nil {
			err = errors.Transport(errors.New("merge rejected by adapter"))
		}
		t.fail(errors.Transport(err))
		return err
	}

	t.mu.Lock()
	t.status = StatusSuccess
	t.fileURL = mr.FileURL
	t.mu.Unlock()
	_ = t.st.DeleteRecord(t.id)
	t.bus.Emit(bus.TopicSuccess, bus.SuccessPayload{TaskID: t.id, FileURL: mr.FileURL})
	return nil
}

func (t *Task) fail(err error) error {
	t.mu.Lock()
	if t.status == StatusCancelled {
		t.mu.Unlock()
		return err
	}
	if t.baseCtx != nil && t.baseCtx.Err() != nil {
		t.mu.Unlock()
		_ = t.Cancel()
		return err
	}
	t.status = StatusError
	t.mu.Unlock()
	t.bus.Emit(bus.TopicError, bus.ErrorPayload{TaskID: t.id, Err: err})
	return err
}

// runPhaseH computes the full-file hash, then every chunk's hash
// (sharing getChunkHash's cache with phase U, which may already be
// uploading chunks concurrently), then calls VerifyHash; it marks
// server-known chunks as already done and, on a full instant upload
// found while the task is still uploading, completes the task outright
// and cancels ctx so phase U's in-flight dispatch winds down (a task
// that is paused or cancelled by then is left as it is). Hash and verify failures are logged and
// swallowed: they only forgo the dedup optimization, they never fail
// the task (spec.md's KindHash policy).
func (t *Task) runPhaseH(ctx context.Context) {
	strategy := slicer.HashStrategy(t.opts.HashStrategy)
	fileHash, err := slicer.ComputeFileHash(ctx, t.fd, strategy, func(pct float64) {
		t.bus.Emit(bus.TopicHashProgress, bus.HashProgressPayload{TaskID: t.id, Percentage: pct})
	})
	if err != nil {
		if ctx.Err() == nil {
			t.log.Warnf("task %s: file hash failed, dedup disabled: %v", t.id, err)
		}
		return
	}

	t.mu.Lock()
	t.fileHash = fileHash
	chunks := append([]slicer.ChunkInfo(nil), t.chunks...)
	t.mu.Unlock()

	t.bus.Emit(bus.TopicHashComplete, bus.HashCompletePayload{TaskID: t.id, Hash: fileHash})

	hashes := make([]string, len(chunks))
	for _, c := range chunks {
		if ctx.Err() != nil {
			return
		}
		h, err := t.getChunkHash(ctx, c)
		if err != nil {
			t.log.Warnf("task %s: chunk %d hash failed, dedup disabled: %v", t.id, c.Index, err)
			return
		}
		hashes[c.Index] = h
	}

	vr, err := t.adp.VerifyHash(ctx, fileHash, t.token.Token, hashes)
	if err != nil {
		t.log.Warnf("task %s: verifyHash failed, dedup disabled: %v", t.id, err)
		return
	}

	if vr.FileExists {
		t.mu.Lock()
		won := t.status == StatusUploading
		if won {
			t.status = StatusSuccess
			t.fileURL = vr.FileURL
			t.progress.UploadedBytes = t.progress.TotalBytes
			t.progress.UploadedChunks = t.progress.TotalChunks
			t.progress.Percentage = 100
		}
		t.mu.Unlock()
		if !won {
			return
		}
		if t.cancelFn != nil {
			t.cancelFn()
		}
		_ = t.st.DeleteRecord(t.id)
		t.bus.Emit(bus.TopicSuccess, bus.SuccessPayload{TaskID: t.id, FileURL: vr.FileURL})
		return
	}

	for _, idx := range vr.ExistingChunks {
		if idx < 0 || idx >= len(chunks) {
			continue
		}
		t.claimChunkDone(chunks[idx])
	}
}

// getChunkHash returns chunk c's content hash, computing and caching
// it on first use. Phase H and phase U both call this for the same
// chunk indices concurrently; chunkHashMu guards the cache, but it is
// not held while hashing, so two callers that miss the cache for the
// same chunk at once both compute the hash and store the same value.
func (t *Task) getChunkHash(ctx context.Context, c slicer.ChunkInfo) (string, error) {
	t.chunkHashMu.Lock()
	if h := t.chunkHashes[c.Index]; h != "" {
		t.chunkHashMu.Unlock()
		return h, nil
	}
	t.chunkHashMu.Unlock()

	h, err := slicer.ComputeChunkHash(ctx, t.fd, c)
	if err != nil {
		return "", err
	}

	t.chunkHashMu.Lock()
	t.chunkHashes[c.Index] = h
	t.chunkHashMu.Unlock()
	return h, nil
}

// runPhaseU dispatches every chunk through the shared concurrency
// limiter, priority chunks first, skipping any index phase H has
// already claimed by the time this loop reaches it (a chunk claimed
// by phase H after dispatch already started is instead caught inside
// uploadChunkWithRetry via mayUpload). It returns a non-nil error only
// when a chunk exhausts its retries, which is task-fatal.
func (t *Task) runPhaseU(ctx context.Context) error {
	t.mu.Lock()
	chunks := append([]slicer.ChunkInfo(nil), t.chunks...)
	t.mu.Unlock()

	priorityN := config.PrioritySetSize
	if priorityN > len(chunks) {
		priorityN = len(chunks)
	}
	order := make([]slicer.ChunkInfo, 0, len(chunks))
	order = append(order, chunks[:priorityN]...)
	order = append(order, chunks[priorityN:]...)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range order {
		c := c
		if t.isClaimed(c.Index) {
			continue
		}
		g.Go(func() error {
			_, err := limiter.Run(gctx, t.lim, func() (struct{}, error) {
				return struct{}{}, t.uploadChunkWithRetry(gctx, c)
			})
			if err != nil && !isBenign(err) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// isBenign reports whether err reflects an intentional early exit
// (pause, cancel, or a chunk another goroutine already claimed) rather
// than a real failure.
func isBenign(err error) bool {
	if err == nil {
		return true
	}
	kind, ok := errors.KindOf(err)
	return ok && kind == KindBenign
}

// KindBenign tags the sentinel error uploadChunkWithRetry returns when
// a chunk is skipped for a non-fatal reason (pause, cancellation, or a
// concurrent claim by phase H).
const KindBenign = errors.Kind(-1)

var errSkipped = &errors.TaskError{Kind: KindBenign, Err: errors.New("task: chunk skipped")}

func (t *Task) isClaimed(idx int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.claimed) {
		return false
	}
	return atomic.LoadInt32(&t.claimed[idx]) == 1
}

// uploadChunkWithRetry uploads one chunk, retrying transient failures
// with exponential backoff up to opts.RetryCount additional attempts,
// per the specification's per-chunk retry policy (P6-P8). A token
// rejected as expired surfaces from the adapter as a KindToken error
// and is retried exactly like a transport error; no re-handshake is
// attempted on exhaustion, the task just fails.
func (t *Task) uploadChunkWithRetry(ctx context.Context, c slicer.ChunkInfo) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.opts.RetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 0; attempt <= t.opts.RetryCount; attempt++ {
		if attempt > 0 {
			if err := t.sleep(ctx, bo.NextBackOff()); err != nil {
				return errSkipped
			}
		}

		if !t.mayUpload(c.Index) {
			return errSkipped
		}

		hash, err := t.getChunkHash(ctx, c)
		if err != nil {
			t.bus.Emit(bus.TopicChunkError, bus.ChunkErrorPayload{TaskID: t.id, ChunkIndex: c.Index, Err: err})
			continue
		}

		// Phase H may have claimed c while the hash above was computing;
		// re-check right before the network call to keep the race window
		// with phase H as narrow as practical.
		if !t.mayUpload(c.Index) {
			return errSkipped
		}

		r := t.fd.Slice(c.Start, c.End)
		started := time.Now()
		res, uerr := t.adp.UploadChunk(ctx, t.token.Token, c.Index, hash, c.Size(), r)
		elapsed := time.Since(started)

		if uerr == nil && res.Success {
			t.mu.Lock()
			if t.adj != nil {
				t.adj.Adjust(elapsed)
			}
			t.mu.Unlock()
			t.claimChunkDone(c)
			return nil
		}

		if uerr == nil {
			uerr = errors.Transport(errors.New("upload rejected without error"))
		}
		t.bus.Emit(bus.TopicChunkError, bus.ChunkErrorPayload{TaskID: t.id, ChunkIndex: c.Index, Err: uerr})
	}

	return errors.Transport(errors.Errorf("chunk %d: retries exhausted", c.Index))
}

// mayUpload reports whether chunk idx should still be attempted: the
// task must still be uploading, not cancelled, and the chunk must not
// already have been claimed by a concurrent phase-H skip.
func (t *Task) mayUpload(idx int) bool {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	if status != StatusUploading {
		return false
	}
	return !t.isClaimed(idx)
}

func (t *Task) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claimChunkDone marks chunk c as done exactly once, regardless of
// whether phase H (server-side dedup) or phase U (a real upload)
// reaches it first; this closes the race the specification calls out
// between the two phases (spec.md's Phase-H/Phase-U overlap).
func (t *Task) claimChunkDone(c slicer.ChunkInfo) {
	if !atomic.CompareAndSwapInt32(&t.claimed[c.Index], 0, 1) {
		return
	}

	t.mu.Lock()
	t.progress.UploadedBytes += c.Size()
	t.progress.UploadedChunks++
	if t.progress.TotalBytes > 0 {
		t.progress.Percentage = 100 * float64(t.progress.UploadedBytes) / float64(t.progress.TotalBytes)
	}
	elapsed := time.Since(t.startAt).Seconds()
	if elapsed > 0 {
		t.progress.Speed = float64(t.progress.UploadedBytes) / elapsed
	}
	if t.progress.Speed > 0 {
		remainingBytes := t.progress.TotalBytes - t.progress.UploadedBytes
		t.progress.RemainingTime = math.Max(0, float64(remainingBytes)/t.progress.Speed)
	}
	progress := t.progress
	t.mu.Unlock()

	_ = t.st.UpdateRecord(t.id, func(r *store.DurableRecord) {
		r.UploadedChunks = append(r.UploadedChunks, c.Index)
		r.UpdatedAt = time.Now().UnixMilli()
	})

	t.bus.Emit(bus.TopicChunkSuccess, bus.ChunkSuccessPayload{TaskID: t.id, ChunkIndex: c.Index})
	t.bus.Emit(bus.TopicProgress, bus.ProgressPayload{TaskID: t.id, Percentage: progress.Percentage, Speed: progress.Speed})
}
