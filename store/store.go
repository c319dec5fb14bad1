// Package store provides counter storage backends for the decision engine.
//
// A Store keeps one Record per key. Every mutation is atomic per key: concurrent
// increments never lose updates and never let two callers both observe the first
// request of a new window. Memory serializes access with per-shard locks; Redis runs
// each mutation as a single Lua script on the server.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is wrapped by every error a backend returns when it could not
	// complete an operation (timeout, connection failure, malformed reply).
	ErrUnavailable = errors.New("counter store unavailable")

	// ErrNotFound is returned by Escalate and Block when the key holds no live record.
	ErrNotFound = errors.New("counter record not found")
)

// Store defines the interface for counter storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the live record for key, or nil when none exists or it has expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Set replaces the record for key. A ttl > 0 bounds how long the record is
	// retained; a record is never live once Expired.
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// Increment atomically adds one to the counter for key. A fresh window is started
	// when no record exists or the current window has elapsed.
	Increment(ctx context.Context, key string, w Window) (Record, error)

	// Escalate atomically raises the penalty multiplier by step, capped at limit.
	Escalate(ctx context.Context, key string, step, limit float64) (Record, error)

	// Block atomically marks key as blocked until the given time. The record is
	// retained at least until then.
	Block(ctx context.Context, key string, until time.Time) (Record, error)

	// Reset removes all state for key.
	Reset(ctx context.Context, key string) error

	// Sweep removes records whose window and block period have both elapsed and
	// returns how many were removed. Penalized records are kept.
	Sweep(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// Record is the per-key counter state.
type Record struct {
	Count             int64
	WindowStart       time.Time
	ResetTime         time.Time
	FirstRequest      time.Time
	LastRequest       time.Time
	PenaltyMultiplier float64
	Blocked           bool
	BlockUntil        time.Time
}

// ExpiresAt returns the moment the record may be discarded: the end of its window,
// or the end of its block when that is later. A record whose penalty multiplier
// has been raised is kept until Reset; ExpiresAt returns the zero time for it.
func (r Record) ExpiresAt() time.Time {
	if r.Penalized() {
		return time.Time{}
	}
	if r.Blocked && r.BlockUntil.After(r.ResetTime) {
		return r.BlockUntil
	}
	return r.ResetTime
}

// Penalized reports whether the penalty multiplier is above 1.
func (r Record) Penalized() bool {
	return r.PenaltyMultiplier > 1
}

// Expired reports whether the record may be discarded at now.
func (r Record) Expired(now time.Time) bool {
	exp := r.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// BlockedAt reports whether the record denies all traffic at now.
func (r Record) BlockedAt(now time.Time) bool {
	return r.Blocked && now.Before(r.BlockUntil)
}

// Window describes the counting window used by Increment.
// When Max is positive the window slides: each request extends the reset time to
// Size past the request, bounded by Max measured from the first request.
type Window struct {
	Size time.Duration
	Max  time.Duration
}

// Sliding reports whether the window grows with traffic.
func (w Window) Sliding() bool {
	return w.Max > 0
}

// ResetAt computes the reset time for a window whose first request was at first.
func (w Window) ResetAt(first, now time.Time) time.Time {
	if !w.Sliding() {
		return first.Add(w.Size)
	}
	return first.Add(min(now.Sub(first)+w.Size, w.Max))
}

// next applies one increment to rec at now. rec is the live record, or nil when the
// key holds nothing.
func (w Window) next(rec *Record, now time.Time) Record {
	if rec == nil {
		return Record{
			Count:             1,
			WindowStart:       now,
			ResetTime:         w.ResetAt(now, now),
			FirstRequest:      now,
			LastRequest:       now,
			PenaltyMultiplier: 1,
		}
	}

	out := *rec
	if out.PenaltyMultiplier < 1 {
		out.PenaltyMultiplier = 1
	}
	if out.Blocked && !now.Before(out.BlockUntil) {
		out.Blocked = false
		out.BlockUntil = time.Time{}
	}

	if !now.Before(out.ResetTime) {
		out.Count = 1
		out.WindowStart = now
		out.FirstRequest = now
		out.LastRequest = now
		out.ResetTime = w.ResetAt(now, now)
		return out
	}

	out.Count++
	out.LastRequest = now
	if w.Sliding() {
		if reset := w.ResetAt(out.FirstRequest, now); reset.After(out.ResetTime) {
			out.ResetTime = reset
		}
	}
	return out
}

func escalate(rec Record, step, limit float64) Record {
	if rec.PenaltyMultiplier < 1 {
		rec.PenaltyMultiplier = 1
	}
	if rec.PenaltyMultiplier < limit {
		rec.PenaltyMultiplier = min(rec.PenaltyMultiplier+step, limit)
	}
	return rec
}
