package bus_test

import (
	"testing"

	"github.com/chunkup/engine/internal/bus"
)

func TestEmitDeliversToAllHandlers(t *testing.T) {
	b := bus.New()
	var calls []string

	b.On(bus.TopicProgress, func(payload any) { calls = append(calls, "a") })
	b.On(bus.TopicProgress, func(payload any) { calls = append(calls, "b") })

	b.Emit(bus.TopicProgress, bus.ProgressPayload{TaskID: "t1", Percentage: 50})

	if len(calls) != 2 {
		t.Fatalf("expected 2 handler calls, got %d", len(calls))
	}
}

func TestPanicInHandlerIsIsolated(t *testing.T) {
	b := bus.New()
	secondCalled := false

	b.On(bus.TopicError, func(payload any) { panic("boom") })
	b.On(bus.TopicError, func(payload any) { secondCalled = true })

	b.Emit(bus.TopicError, bus.ErrorPayload{TaskID: "t1"})

	if !secondCalled {
		t.Fatal("second handler was not called after first handler panicked")
	}
}

func TestOffRemovesHandler(t *testing.T) {
	b := bus.New()
	called := false
	handler := func(payload any) { called = true }

	b.On(bus.TopicStart, handler)
	b.Off(bus.TopicStart, handler)
	b.Emit(bus.TopicStart, bus.StartPayload{TaskID: "t1"})

	if called {
		t.Fatal("handler fired after Off")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	b := bus.New()
	called := false
	b.On(bus.TopicCancel, func(payload any) { called = true })
	b.Clear()
	b.Emit(bus.TopicCancel, bus.StatePayload{TaskID: "t1"})

	if called {
		t.Fatal("handler fired after Clear")
	}
}
