package reporter

import (
	"testing"
	"time"
)

func TestMultiConsumerFanOut(t *testing.T) {
	r := New()
	c1 := r.Subscribe()
	c2 := r.Subscribe()

	r.Emit(Event{Kind: EventGraphStarted})
	r.Emit(Event{Kind: EventStageAdded, StageID: "s0"})
	r.Close()

	for _, c := range []*Consumer{c1, c2} {
		ev, ok := c.Next()
		if !ok || ev.Kind != EventGraphStarted {
			t.Fatalf("expected first event graphStarted, got %+v ok=%v", ev, ok)
		}
		ev, ok = c.Next()
		if !ok || ev.Kind != EventStageAdded || ev.StageID != "s0" {
			t.Fatalf("expected second event stageAdded/s0, got %+v ok=%v", ev, ok)
		}
		if _, ok := c.Next(); ok {
			t.Fatalf("expected end-of-stream after close")
		}
	}
}

func TestSubscribeAfterCloseGetsEmptyStream(t *testing.T) {
	r := New()
	r.Close()
	c := r.Subscribe()
	if _, ok := c.Next(); ok {
		t.Fatalf("expected a consumer subscribing after close to see an already-ended stream")
	}
}

func TestNextBlocksUntilEmit(t *testing.T) {
	r := New()
	c := r.Subscribe()

	done := make(chan Event, 1)
	go func() {
		ev, _ := c.Next()
		done <- ev
	}()

	select {
	case <-done:
		t.Fatalf("expected Next to block before any event is emitted")
	case <-time.After(20 * time.Millisecond):
	}

	r.Emit(Event{Kind: EventNodeStarted, NodeID: "n0"})
	select {
	case ev := <-done:
		if ev.NodeID != "n0" {
			t.Fatalf("expected n0, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Next to unblock after Emit")
	}
}

func TestHumanSizeDelta(t *testing.T) {
	pos := Event{SizeDelta: 2048}
	if got := pos.HumanSizeDelta(); got[0] != '+' {
		t.Fatalf("expected positive delta to be prefixed with +, got %q", got)
	}
	neg := Event{SizeDelta: -2048}
	if got := neg.HumanSizeDelta(); got[0] != '-' {
		t.Fatalf("expected negative delta to be prefixed with -, got %q", got)
	}
}
