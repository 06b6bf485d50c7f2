// Package reporter implements the build engine's ordered, multi-consumer
// event stream. Grounded on the teacher's usermsg.go UserMessenger
// interface — a narrow sink abstraction over a terminal writer — generalized
// here from a single writer to a fan-out broadcast so multiple consumers
// (CLI progress, daemon log, OTel span events) can each pull the full
// ordered stream independently until end-of-stream.
package reporter

import (
	"sync"

	"github.com/dustin/go-humanize"
)

// EventKind enumerates the event kinds spec.md §4.15 names.
type EventKind string

const (
	EventGraphStarted   EventKind = "graphStarted"
	EventGraphCompleted EventKind = "graphCompleted"
	EventAnalyzing      EventKind = "analyzing"
	EventStageAdded     EventKind = "stageAdded"
	EventNodeAdded      EventKind = "nodeAdded"
	EventNodeStarted    EventKind = "nodeStarted"
	EventNodeCompleted  EventKind = "nodeCompleted"
	EventNodeFailed     EventKind = "nodeFailed"
	EventIRWarning      EventKind = "irEvent.warning"
	EventIRError        EventKind = "irEvent.error"
	EventIRInfo         EventKind = "irEvent.info"
)

// Event is one entry in the ordered event stream.
type Event struct {
	Kind     EventKind
	StageID  string
	NodeID   string
	CacheHit bool
	Message  string
	// SizeDelta is a signed byte count, formatted via go-humanize for
	// human-readable progress/completion messages (e.g. filesystem change
	// size deltas on nodeCompleted).
	SizeDelta int64
}

// HumanSizeDelta renders ev.SizeDelta the way a progress line would show it,
// e.g. "+4.2 MB" or "-512 kB".
func (ev Event) HumanSizeDelta() string {
	if ev.SizeDelta < 0 {
		return "-" + humanize.Bytes(uint64(-ev.SizeDelta))
	}
	return "+" + humanize.Bytes(uint64(ev.SizeDelta))
}

// Consumer is one subscriber's private, ordered queue.
type Consumer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
}

func newConsumer() *Consumer {
	c := &Consumer{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Consumer) push(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.cond.Signal()
	c.mu.Unlock()
}

func (c *Consumer) closeStream() {
	c.mu.Lock()
	c.closed = true
	c.cond.Signal()
	c.mu.Unlock()
}

// Next blocks until an event is available or the stream has ended, matching
// Reporter.Close. ok is false iff the stream ended with no more buffered
// events.
func (c *Consumer) Next() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.events) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.events) == 0 {
		return Event{}, false
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, true
}

// Reporter fans out emitted events to every registered consumer, in the
// order they were emitted.
type Reporter struct {
	mu        sync.Mutex
	consumers []*Consumer
	closed    bool
}

func New() *Reporter {
	return &Reporter{}
}

// Subscribe registers a new consumer that will see every event emitted from
// this point forward.
func (r *Reporter) Subscribe() *Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := newConsumer()
	if r.closed {
		c.closeStream()
		return c
	}
	r.consumers = append(r.consumers, c)
	return c
}

// Emit pushes ev to every registered consumer.
func (r *Reporter) Emit(ev Event) {
	r.mu.Lock()
	consumers := append([]*Consumer(nil), r.consumers...)
	r.mu.Unlock()
	for _, c := range consumers {
		c.push(ev)
	}
}

// Close declares end-of-stream to every registered consumer. Further
// Subscribe calls receive an already-closed stream.
func (r *Reporter) Close() {
	r.mu.Lock()
	r.closed = true
	consumers := append([]*Consumer(nil), r.consumers...)
	r.mu.Unlock()
	for _, c := range consumers {
		c.closeStream()
	}
}
