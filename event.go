package ratewarden

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a state transition reported to a Sink.
type EventKind string

const (
	EventRateLimited    EventKind = "rate-limited"
	EventBlocked        EventKind = "blocked"
	EventBurstDetected  EventKind = "burst-detected"
	EventPenaltyApplied EventKind = "penalty-applied"
	EventDDoSDetected   EventKind = "ddos-detected"
	EventKeyReset       EventKind = "key-reset"
	EventError          EventKind = "error"
)

// Event describes one significant transition for a key.
type Event struct {
	Kind              EventKind
	Policy            string
	Key               string
	Count             int64
	Limit             int64
	PenaltyMultiplier float64
	ResetTime         time.Time
	BlockUntil        time.Time
	Reason            Reason
	Err               error
	Time              time.Time
}

// Sink receives engine events. Emit is called synchronously on the decision path,
// so implementations must be fast and safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// MultiSink fans each event out to every sink in order.
type MultiSink []Sink

// Emit forwards ev to every sink.
func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// ChannelSink delivers events on a buffered channel without blocking the caller.
// Events that do not fit are dropped and counted.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the channel. It is closed by Close.
func (c *ChannelSink) Events() <-chan Event {
	return c.ch
}

// Emit enqueues ev, dropping it when the buffer is full or the sink is closed.
func (c *ChannelSink) Emit(_ context.Context, ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of events that could not be delivered.
func (c *ChannelSink) Dropped() int64 {
	return c.dropped.Load()
}

// Close closes the event channel. Later events are dropped.
func (c *ChannelSink) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}
