package sink

import (
	"context"
	"sync/atomic"

	"github.com/nhalm/canonlog"
	"github.com/nhalm/ratewarden"
	"golang.org/x/time/rate"
)

// Log writes one canonical log line per event. Under attack every request can
// produce an event, so an optional limiter caps the line rate; suppressed events
// are counted and reported on the next line written.
type Log struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
	skipKinds  map[ratewarden.EventKind]bool
}

// LogOption configures a Log sink.
type LogOption func(*Log)

// WithLogLimit caps output at perSecond lines with the given burst.
func WithLogLimit(perSecond float64, burst int) LogOption {
	return func(l *Log) {
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithoutKinds suppresses the given event kinds entirely.
func WithoutKinds(kinds ...ratewarden.EventKind) LogOption {
	return func(l *Log) {
		for _, k := range kinds {
			l.skipKinds[k] = true
		}
	}
}

// NewLog creates a Log sink. Without WithLogLimit every event is written.
func NewLog(opts ...LogOption) *Log {
	l := &Log{skipKinds: make(map[ratewarden.EventKind]bool)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Emit writes ev as a canonical log line. Error events always bypass the limiter.
func (l *Log) Emit(_ context.Context, ev ratewarden.Event) {
	if l.skipKinds[ev.Kind] {
		return
	}
	if ev.Kind != ratewarden.EventError && l.limiter != nil && !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}

	ctx := canonlog.NewContext(context.Background())
	canonlog.InfoAddMany(ctx, Fields(ev))
	if n := l.suppressed.Swap(0); n > 0 {
		canonlog.InfoAdd(ctx, "suppressed", n)
	}
	if ev.Err != nil {
		canonlog.ErrorAdd(ctx, ev.Err)
	}
	canonlog.Flush(ctx)
}

// Suppressed returns the number of events dropped by the limiter since the last
// line was written.
func (l *Log) Suppressed() int64 {
	return l.suppressed.Load()
}

// Fields flattens ev into log fields, omitting zero values.
func Fields(ev ratewarden.Event) map[string]any {
	fields := map[string]any{
		"event": string(ev.Kind),
	}
	if ev.Policy != "" {
		fields["policy"] = ev.Policy
	}
	if ev.Key != "" {
		fields["key"] = ev.Key
	}
	if ev.Count > 0 {
		fields["count"] = ev.Count
	}
	if ev.Limit > 0 {
		fields["limit"] = ev.Limit
	}
	if ev.PenaltyMultiplier > 1 {
		fields["penalty_multiplier"] = ev.PenaltyMultiplier
	}
	if !ev.ResetTime.IsZero() {
		fields["reset_time"] = ev.ResetTime.Unix()
	}
	if !ev.BlockUntil.IsZero() {
		fields["block_until"] = ev.BlockUntil.Unix()
	}
	if ev.Reason != "" {
		fields["reason"] = string(ev.Reason)
	}
	return fields
}
