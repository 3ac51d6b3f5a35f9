// Package config holds the typed option structs and documented
// defaults for the upload engine, following the specification's
// explicit instruction to avoid module-level defaults in favor of
// configuration structs assembled through functional options.
package config

import "time"

const (
	// DefaultMinChunkSize is the adjuster's lower bound.
	DefaultMinChunkSize = 256 * 1024
	// DefaultMaxChunkSize is the adjuster's upper bound.
	DefaultMaxChunkSize = 10 * 1024 * 1024
	// DefaultChunkSize seeds a task before the server negotiates one.
	DefaultChunkSize = 1024 * 1024
	// DefaultSSThresh is the TCP-like adjuster's initial slow-start
	// threshold.
	DefaultSSThresh = 5 * 1024 * 1024
	// DefaultTargetUploadTime is the adjuster's target per-chunk
	// upload duration.
	DefaultTargetUploadTime = 3 * time.Second

	// DefaultConcurrency is the default number of chunks a task
	// uploads in parallel.
	DefaultConcurrency = 3
	// DefaultRetryCount is the number of retries (beyond the first
	// attempt) allowed per chunk.
	DefaultRetryCount = 3
	// DefaultRetryDelay is the base delay before the first retry;
	// subsequent delays grow exponentially.
	DefaultRetryDelay = 1 * time.Second

	// DefaultMaxConcurrentTasks bounds how many tasks one manager runs
	// through Manager.Start at once. A task resumed with Task.Resume,
	// or started with Task.Start directly, is not counted.
	DefaultMaxConcurrentTasks = 3
	// DefaultAutoResumeUnfinished controls whether Manager.Init
	// attempts to surface unfinished records for host-driven resume.
	DefaultAutoResumeUnfinished = true

	// PrioritySetSize is the number of leading chunks dispatched
	// before the remainder, per the specification's priority-ordering
	// requirement.
	PrioritySetSize = 3
)

// TaskOptions configures one UploadTask.
type TaskOptions struct {
	Concurrency        int
	RetryCount         int
	RetryDelay         time.Duration
	PreferredChunkSize int64
	MinChunkSize       int64
	MaxChunkSize       int64
	SSThresh           int64
	TargetUploadTime   time.Duration
	UseTCPLikeAdjuster bool
	HashStrategy       string
}

// DefaultTaskOptions returns the documented defaults.
func DefaultTaskOptions() TaskOptions {
	return TaskOptions{
		Concurrency:        DefaultConcurrency,
		RetryCount:         DefaultRetryCount,
		RetryDelay:         DefaultRetryDelay,
		PreferredChunkSize: DefaultChunkSize,
		MinChunkSize:       DefaultMinChunkSize,
		MaxChunkSize:       DefaultMaxChunkSize,
		SSThresh:           DefaultSSThresh,
		TargetUploadTime:   DefaultTargetUploadTime,
		UseTCPLikeAdjuster: true,
		HashStrategy:       "off-thread",
	}
}

// TaskOption mutates a TaskOptions; functional-options pattern so
// callers can override only what they need.
type TaskOption func(*TaskOptions)

// WithConcurrency overrides the per-task chunk concurrency.
func WithConcurrency(n int) TaskOption {
	return func(o *TaskOptions) { o.Concurrency = n }
}

// WithRetry overrides retry count and base delay.
func WithRetry(count int, delay time.Duration) TaskOption {
	return func(o *TaskOptions) { o.RetryCount = count; o.RetryDelay = delay }
}

// WithSimpleAdjuster selects the Simple adjuster instead of the
// default TCP-like one.
func WithSimpleAdjuster() TaskOption {
	return func(o *TaskOptions) { o.UseTCPLikeAdjuster = false }
}

// WithHashStrategy overrides the hashing strategy ("off-thread",
// "cooperative", or "blocking").
func WithHashStrategy(strategy string) TaskOption {
	return func(o *TaskOptions) { o.HashStrategy = strategy }
}

// WithPreferredChunkSize overrides the chunk size a task proposes to
// the server via createFile before negotiation.
func WithPreferredChunkSize(n int64) TaskOption {
	return func(o *TaskOptions) { o.PreferredChunkSize = n }
}

// Apply merges the given options over DefaultTaskOptions.
func Apply(opts ...TaskOption) TaskOptions {
	o := DefaultTaskOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ManagerOptions configures an UploadManager.
type ManagerOptions struct {
	MaxConcurrentTasks   int
	DefaultChunkSize     int64
	DefaultConcurrency   int
	AutoResumeUnfinished bool
	RetryCount           int
	RetryDelay           time.Duration
}

// DefaultManagerOptions returns the documented manager defaults from
// the specification's §4.8 table.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		MaxConcurrentTasks:   DefaultMaxConcurrentTasks,
		DefaultChunkSize:     DefaultChunkSize,
		DefaultConcurrency:   DefaultConcurrency,
		AutoResumeUnfinished: DefaultAutoResumeUnfinished,
		RetryCount:           DefaultRetryCount,
		RetryDelay:           DefaultRetryDelay,
	}
}

// ManagerOption mutates a ManagerOptions.
type ManagerOption func(*ManagerOptions)

// WithMaxConcurrentTasks overrides the manager's active-task bound.
func WithMaxConcurrentTasks(n int) ManagerOption {
	return func(o *ManagerOptions) { o.MaxConcurrentTasks = n }
}

// WithDefaultChunkSize overrides the preferred chunk size new tasks
// request from the server.
func WithDefaultChunkSize(n int64) ManagerOption {
	return func(o *ManagerOptions) { o.DefaultChunkSize = n }
}

// ApplyManager merges the given options over DefaultManagerOptions.
func ApplyManager(opts ...ManagerOption) ManagerOptions {
	o := DefaultManagerOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TaskOptionsFromManager derives per-task defaults from manager-level
// policy, the "manager applies default policy" behavior of spec.md §4.8.
func (m ManagerOptions) TaskOptionsFromManager() TaskOptions {
	t := DefaultTaskOptions()
	t.Concurrency = m.DefaultConcurrency
	t.RetryCount = m.RetryCount
	t.RetryDelay = m.RetryDelay
	t.PreferredChunkSize = m.DefaultChunkSize
	return t
}
