// Package adjuster implements the chunk-size congestion-control loop:
// a closed-loop controller that maps an observed per-chunk upload
// duration to the next chunk size. Two variants fulfill one interface,
// expressed as explicit tagged types rather than structural duck
// typing, per the specification's note that adapter/adjuster variants
// should be explicit interfaces with concrete implementations (spec.md
// §9), in the shape of the teacher's backend/limiter.Limiter interface
// with multiple concrete implementations.
package adjuster

import "time"

// Adjuster maps observed per-chunk upload time to the next chunk
// size, bounded to [MinSize, MaxSize].
type Adjuster interface {
	// CurrentSize returns the chunk size to use for the next chunk.
	CurrentSize() int64
	// Adjust records the elapsed time of the most recently uploaded
	// chunk and returns the new current size.
	Adjust(lastUploadTime time.Duration) int64
	// Reset restores the adjuster to its initial state.
	Reset()
}

// Bounds holds the shared size clamp and target timing used by both
// variants.
type Bounds struct {
	MinSize    int64
	MaxSize    int64
	TargetTime time.Duration
}

func (b Bounds) clamp(size int64) int64 {
	if size < b.MinSize {
		return b.MinSize
	}
	if size > b.MaxSize {
		return b.MaxSize
	}
	return size
}

func (b Bounds) fast(t time.Duration) bool {
	return t < b.TargetTime/2
}

func (b Bounds) slow(t time.Duration) bool {
	return t > b.TargetTime+b.TargetTime/2
}

// Simple grows the chunk size geometrically on fast observations,
// shrinks it by half on slow ones, and leaves it unchanged otherwise.
type Simple struct {
	Bounds
	initial     int64
	currentSize int64
}

// NewSimple returns a Simple adjuster seeded at initialSize.
func NewSimple(initialSize int64, bounds Bounds) *Simple {
	s := &Simple{Bounds: bounds, initial: initialSize}
	s.Reset()
	return s
}

func (s *Simple) CurrentSize() int64 { return s.currentSize }

func (s *Simple) Adjust(t time.Duration) int64 {
	switch {
	case s.fast(t):
		s.currentSize = s.clamp(s.currentSize * 2)
	case s.slow(t):
		s.currentSize = s.clamp(s.currentSize / 2)
	}
	return s.currentSize
}

func (s *Simple) Reset() {
	s.currentSize = s.clamp(s.initial)
}

// TCPState names the three states of the TCP-like controller.
type TCPState int

const (
	StateSlowStart TCPState = iota
	StateCongestionAvoidance
	StateFastRecovery
)

func (s TCPState) String() string {
	switch s {
	case StateSlowStart:
		return "slow-start"
	case StateCongestionAvoidance:
		return "congestion-avoidance"
	case StateFastRecovery:
		return "fast-recovery"
	default:
		return "unknown"
	}
}

// TCPLike implements the three-state AIMD-style controller described
// in the specification: exponential growth during slow start,
// additive growth during congestion avoidance, multiplicative
// back-off on a slow observation.
type TCPLike struct {
	Bounds
	initialSize    int64
	initialSSThresh int64

	currentSize int64
	ssthresh    int64
	state       TCPState
}

// NewTCPLike returns a TCPLike adjuster seeded at initialSize with the
// given initial slow-start threshold.
func NewTCPLike(initialSize, ssthresh int64, bounds Bounds) *TCPLike {
	t := &TCPLike{Bounds: bounds, initialSize: initialSize, initialSSThresh: ssthresh}
	t.Reset()
	return t
}

func (t *TCPLike) CurrentSize() int64 { return t.currentSize }

// State exposes the current controller state, useful for tests and
// diagnostics.
func (t *TCPLike) State() TCPState { return t.state }

func (t *TCPLike) Adjust(last time.Duration) int64 {
	switch {
	case t.fast(last):
		t.onFast()
	case t.slow(last):
		t.onSlow()
	}
	t.currentSize = t.clamp(t.currentSize)
	return t.currentSize
}

func (t *TCPLike) onFast() {
	switch t.state {
	case StateSlowStart:
		t.currentSize *= 2
		if t.currentSize >= t.ssthresh {
			t.currentSize = t.ssthresh
			t.state = StateCongestionAvoidance
		}
	case StateCongestionAvoidance:
		t.currentSize += t.currentSize / 10
	case StateFastRecovery:
		t.state = StateCongestionAvoidance
	}
}

func (t *TCPLike) onSlow() {
	t.ssthresh = t.currentSize / 2
	t.currentSize = t.ssthresh
	t.state = StateFastRecovery
}

func (t *TCPLike) Reset() {
	t.currentSize = t.clamp(t.initialSize)
	t.ssthresh = t.initialSSThresh
	t.state = StateSlowStart
}

var (
	_ Adjuster = (*Simple)(nil)
	_ Adjuster = (*TCPLike)(nil)
)
