// Package manager implements UploadManager, the top-level entry point
// that owns every in-flight Task, applies manager-wide option
// defaults to new tasks, and restores the durable record set on
// start-up. It is grounded on the teacher's internal/archiver.Archiver:
// one long-lived value owning many concurrent per-item jobs under a
// shared worker budget, plus internal/archiver's SaveTree-style
// "defensive copy out, never hand back internal state" accessor
// pattern.
package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/chunkup/engine/internal/adapter"
	"github.com/chunkup/engine/internal/bus"
	"github.com/chunkup/engine/internal/config"
	"github.com/chunkup/engine/internal/errors"
	"github.com/chunkup/engine/internal/logging"
	"github.com/chunkup/engine/internal/slicer"
	"github.com/chunkup/engine/internal/store"
	"github.com/chunkup/engine/internal/task"
)

// Statistics is the result of GetStatistics: a count of tasks per
// status, plus the total.
type Statistics struct {
	Total      int
	Idle       int
	Uploading  int
	Paused     int
	Success    int
	Error      int
	Cancelled  int
}

// Manager owns a taskId -> Task map, applies ManagerOptions defaults
// to every task it creates, and enforces maxConcurrentTasks across
// them. Safe for concurrent use.
type Manager struct {
	adp   adapter.Adapter
	store *store.Store
	opts  config.ManagerOptions
	log   *logging.Logger

	sem *semaphore.Weighted

	mu     sync.Mutex
	tasks  map[string]*gatedTask
	closed bool
}

// gatedTask pairs a Task with the bookkeeping the manager needs to
// release its semaphore slot exactly once, however the task ends.
type gatedTask struct {
	t         *task.Task
	acquired  bool
	released  bool
}

// New returns a Manager that persists durable records at storePath
// and drives every task through adp, applying opts as the default
// policy for tasks created without overrides.
func New(adp adapter.Adapter, storePath string, opts config.ManagerOptions) *Manager {
	maxTasks := opts.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = config.DefaultMaxConcurrentTasks
	}
	return &Manager{
		adp:   adp,
		store: store.New(storePath),
		opts:  opts,
		log:   logging.Default,
		sem:   semaphore.NewWeighted(int64(maxTasks)),
		tasks: make(map[string]*gatedTask),
	}
}

// Init is idempotent. It initializes the durable store and, if any
// unfinished records exist, logs their count for the host to act on;
// it deliberately does not auto-create or auto-resume tasks, since a
// FileDescriptor cannot be reconstructed from a durable record alone.
func (m *Manager) Init() error {
	if err := m.store.Init(); err != nil {
		return errors.Storage(err)
	}
	if !m.opts.AutoResumeUnfinished {
		return nil
	}
	records := m.store.GetAllRecords()
	if len(records) > 0 {
		m.log.Infof("manager: %d unfinished upload(s) found in durable store; host must re-supply file handles to resume", len(records))
	}
	return nil
}

// CreateTask installs a new idle Task for fd, merging opts over the
// manager's own policy, and returns it without starting it. The
// caller is responsible for calling Start.
func (m *Manager) CreateTask(fd *slicer.FileDescriptor, opts ...config.TaskOption) (*task.Task, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.InvalidState("manager: CreateTask called after Close")
	}
	m.mu.Unlock()

	base := m.opts.TaskOptionsFromManager()
	for _, opt := range opts {
		opt(&base)
	}

	id, err := newTaskID()
	if err != nil {
		return nil, errors.Wrap(err, "generate task id")
	}

	t := task.New(id, fd, m.adp, m.store, bus.New(), base)

	m.mu.Lock()
	m.tasks[id] = &gatedTask{t: t}
	m.mu.Unlock()

	return t, nil
}

// Start acquires a slot under maxConcurrentTasks (blocking until one
// frees, or ctx is done) and then runs t to completion, releasing the
// slot exactly once no matter how the task ends. Hosts that want the
// manager's concurrency gate must drive tasks through this method
// rather than calling Task.Start directly.
func (m *Manager) Start(ctx context.Context, t *task.Task) error {
	gt, ok := m.lookup(t.ID())
	if !ok {
		return errors.InvalidState("manager: Start called on an unknown task")
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	m.mu.Lock()
	gt.acquired = true
	m.mu.Unlock()
	defer m.releaseOnce(gt)

	return t.Start(ctx)
}

func (m *Manager) releaseOnce(gt *gatedTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gt.acquired && !gt.released {
		m.sem.Release(1)
		gt.released = true
	}
}

// GetTask returns the task registered under id, if any.
func (m *Manager) GetTask(id string) (*task.Task, bool) {
	gt, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return gt.t, true
}

func (m *Manager) lookup(id string) (*gatedTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gt, ok := m.tasks[id]
	return gt, ok
}

// GetAllTasks returns a defensive copy of every registered task.
func (m *Manager) GetAllTasks() []*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Task, 0, len(m.tasks))
	for _, gt := range m.tasks {
		out = append(out, gt.t)
	}
	return out
}

// DeleteTask cancels t if it is still active, removes it from the
// map, and deletes its durable record. A missing id is a no-op.
func (m *Manager) DeleteTask(id string) error {
	gt, ok := m.lookup(id)
	if !ok {
		return nil
	}

	switch gt.t.GetStatus() {
	case task.StatusSuccess, task.StatusError, task.StatusCancelled, task.StatusIdle:
	default:
		_ = gt.t.Cancel()
	}
	m.releaseOnce(gt)

	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()

	return m.store.DeleteRecord(id)
}

// forEachActive runs fn over every currently-registered task whose
// status matches one of the wanted statuses.
func (m *Manager) forEachActive(want map[task.Status]bool, fn func(*task.Task)) {
	for _, t := range m.GetAllTasks() {
		if want[t.GetStatus()] {
			fn(t)
		}
	}
}

// PauseAll pauses every currently-uploading task.
func (m *Manager) PauseAll() {
	m.forEachActive(map[task.Status]bool{task.StatusUploading: true}, func(t *task.Task) {
		_ = t.Pause()
	})
}

// ResumeAll resumes every currently-paused task.
func (m *Manager) ResumeAll() {
	m.forEachActive(map[task.Status]bool{task.StatusPaused: true}, func(t *task.Task) {
		_ = t.Resume()
	})
}

// CancelAll cancels every non-terminal task.
func (m *Manager) CancelAll() {
	want := map[task.Status]bool{task.StatusIdle: true, task.StatusUploading: true, task.StatusPaused: true}
	m.forEachActive(want, func(t *task.Task) {
		_ = t.Cancel()
	})
}

// ClearCompletedTasks removes every task in a terminal status
// (success, error, cancelled) from the map, releasing any semaphore
// slot it still held.
func (m *Manager) ClearCompletedTasks() {
	m.mu.Lock()
	var doomed []string
	for id, gt := range m.tasks {
		switch gt.t.GetStatus() {
		case task.StatusSuccess, task.StatusError, task.StatusCancelled:
			doomed = append(doomed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range doomed {
		gt, ok := m.lookup(id)
		if !ok {
			continue
		}
		m.releaseOnce(gt)
		m.mu.Lock()
		delete(m.tasks, id)
		m.mu.Unlock()
	}
}

// GetStatistics counts registered tasks by status.
func (m *Manager) GetStatistics() Statistics {
	stats := Statistics{}
	for _, t := range m.GetAllTasks() {
		stats.Total++
		switch t.GetStatus() {
		case task.StatusIdle:
			stats.Idle++
		case task.StatusUploading:
			stats.Uploading++
		case task.StatusPaused:
			stats.Paused++
		case task.StatusSuccess:
			stats.Success++
		case task.StatusError:
			stats.Error++
		case task.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Close cancels every non-terminal task and clears the map. The
// durable store itself is left on disk so a later Manager pointed at
// the same path can still see any records a host-driven resume wants.
func (m *Manager) Close() {
	m.CancelAll()
	m.mu.Lock()
	m.tasks = make(map[string]*gatedTask)
	m.closed = true
	m.mu.Unlock()
}

// newTaskID returns a random 16-byte hex identifier. The corpus has no
// UUID dependency to reach for here (restic identifies blobs by
// content hash, not by a random session id), so this is the one place
// in the engine that falls back to the standard library's crypto/rand
// rather than a third-party generator.
func newTaskID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
