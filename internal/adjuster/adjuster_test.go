package adjuster_test

import (
	"testing"
	"time"

	"github.com/chunkup/engine/internal/adjuster"
)

func bounds() adjuster.Bounds {
	return adjuster.Bounds{
		MinSize:    256 * 1024,
		MaxSize:    10 * 1024 * 1024,
		TargetTime: 3 * time.Second,
	}
}

func TestTCPLikeFastNetworkSequence(t *testing.T) {
	a := adjuster.NewTCPLike(1*1024*1024, 4*1024*1024, bounds())

	// 4MiB + 10% = 4.4MiB, +10% = 4.84MiB (floor division, per spec)
	step3 := int64(4*1024*1024) + int64(4*1024*1024)/10
	step4 := step3 + step3/10
	want := []int64{2 * 1024 * 1024, 4 * 1024 * 1024, step3, step4}

	for i, got := range []int64{
		a.Adjust(1 * time.Second),
		a.Adjust(1 * time.Second),
		a.Adjust(1 * time.Second),
		a.Adjust(1 * time.Second),
	} {
		if got != want[i] {
			t.Fatalf("step %d: got %d, want %d", i, got, want[i])
		}
	}
	if a.State() != adjuster.StateCongestionAvoidance {
		t.Fatalf("expected congestion-avoidance state, got %v", a.State())
	}
}

func TestTCPLikeSlowObservationBacksOff(t *testing.T) {
	a := adjuster.NewTCPLike(4*1024*1024, 8*1024*1024, bounds())
	got := a.Adjust(5 * time.Second) // slow: > 1.5*target
	want := int64(2 * 1024 * 1024)
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if a.State() != adjuster.StateFastRecovery {
		t.Fatalf("expected fast-recovery state, got %v", a.State())
	}
}

func TestTCPLikeNormalObservationUnchanged(t *testing.T) {
	a := adjuster.NewTCPLike(2*1024*1024, 8*1024*1024, bounds())
	got := a.Adjust(3 * time.Second) // exactly target: neither fast nor slow
	if got != 2*1024*1024 {
		t.Fatalf("expected unchanged size, got %d", got)
	}
}

func TestSimpleGrowsShrinksAndHolds(t *testing.T) {
	s := adjuster.NewSimple(1*1024*1024, bounds())

	if got := s.Adjust(1 * time.Second); got != 2*1024*1024 {
		t.Fatalf("fast observation: got %d, want %d", got, 2*1024*1024)
	}
	if got := s.Adjust(3 * time.Second); got != 2*1024*1024 {
		t.Fatalf("normal observation: expected unchanged, got %d", got)
	}
	if got := s.Adjust(5 * time.Second); got != 1*1024*1024 {
		t.Fatalf("slow observation: got %d, want %d", got, 1*1024*1024)
	}
}

func TestBoundsAreNeverViolated(t *testing.T) {
	bnds := bounds()
	observations := []time.Duration{
		100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
		100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
		100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
		100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
		10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
		10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	}

	for _, initial := range []int64{bnds.MinSize, 1024 * 1024, bnds.MaxSize} {
		tcp := adjuster.NewTCPLike(initial, 5*1024*1024, bnds)
		simple := adjuster.NewSimple(initial, bnds)
		for _, obs := range observations {
			for _, size := range []int64{tcp.Adjust(obs), simple.Adjust(obs)} {
				if size < bnds.MinSize || size > bnds.MaxSize {
					t.Fatalf("size %d out of bounds [%d, %d]", size, bnds.MinSize, bnds.MaxSize)
				}
			}
		}
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	a := adjuster.NewTCPLike(1*1024*1024, 4*1024*1024, bounds())
	a.Adjust(1 * time.Second)
	a.Adjust(1 * time.Second)
	a.Reset()
	if a.CurrentSize() != 1*1024*1024 {
		t.Fatalf("expected reset to restore initial size, got %d", a.CurrentSize())
	}
	if a.State() != adjuster.StateSlowStart {
		t.Fatalf("expected reset to restore slow-start state, got %v", a.State())
	}
}
