// Package ratewarden decides, per client identity, whether a unit of work may proceed.
//
// An Engine combines a primary fixed or sliding window, a short burst window,
// progressive penalties that shrink a key's quota after repeated violations and a
// hard block once an abuse threshold is crossed. All state lives in a store.Store,
// which may be local memory or Redis; the engine itself holds no per-key state and
// takes no locks.
//
// Basic usage:
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	engine, err := ratewarden.New(st, ratewarden.Config{
//		Name:   "api",
//		Window: time.Minute,
//		Max:    100,
//	})
//	if err != nil {
//		return err
//	}
//	r.Use(engine.Handler)
//
// Presets for common endpoint classes are available through NewAPI, NewAuth and
// NewUpload. Store failures are never turned into a decision: Check returns an
// error wrapping ErrStoreUnavailable and the caller picks fail-open or fail-closed.
package ratewarden

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nhalm/ratewarden/store"
)

// ErrStoreUnavailable is wrapped by every error Check returns for a store failure.
var ErrStoreUnavailable = store.ErrUnavailable

const burstSuffix = ":burst"

// Engine evaluates requests against a Config. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	store      store.Store
	sink       Sink
	now        func() time.Time
	allow      map[string]struct{}
	failOpen   bool
	headerMode HeaderMode
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets the destination for engine events (default: Discard).
func WithSink(s Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// WithClock sets the time source. Intended for tests; the store must share it.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New validates cfg and creates an Engine backed by st. The store may be shared
// with other engines as long as their Config.Name values differ.
func New(st store.Store, cfg Config, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, &ConfigError{Field: "store", Message: "required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = KeyByIP()
	}

	e := &Engine{
		cfg:        cfg,
		store:      st,
		sink:       Discard,
		now:        time.Now,
		allow:      make(map[string]struct{}, len(cfg.Allowlist)),
		headerMode: HeadersAlways,
	}
	for _, id := range cfg.Allowlist {
		e.allow[id] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil {
		e.sink = Discard
	}
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Check decides whether r may proceed. Skipped requests and requests whose
// identity is empty or allowlisted are allowed without touching the store.
func (e *Engine) Check(ctx context.Context, r *http.Request) (Result, error) {
	if e.cfg.Skip != nil && e.cfg.Skip(r) {
		return e.unrestricted(), nil
	}
	identity := e.cfg.KeyFunc(r)
	if identity == "" {
		return e.unrestricted(), nil
	}
	return e.CheckKey(ctx, identity)
}

// CheckKey decides whether a unit of work for identity may proceed. Checks run in
// order: allowlist, active block, burst window, primary window, progressive
// penalty, abuse block, plain limit. Each mutation is persisted before CheckKey
// returns.
func (e *Engine) CheckKey(ctx context.Context, identity string) (Result, error) {
	if _, ok := e.allow[identity]; ok {
		return e.unrestricted(), nil
	}

	key := e.key(identity)
	now := e.now()

	current, err := e.store.Get(ctx, key)
	if err != nil {
		return Result{}, e.storeError(ctx, key, "read", err)
	}
	if current != nil && current.BlockedAt(now) {
		e.emit(ctx, Event{
			Kind:              EventBlocked,
			Key:               key,
			Count:             current.Count,
			Limit:             e.limit(current.PenaltyMultiplier),
			PenaltyMultiplier: current.PenaltyMultiplier,
			ResetTime:         current.ResetTime,
			BlockUntil:        current.BlockUntil,
			Reason:            ReasonBlocked,
		})
		return Result{
			Limit:      e.limit(current.PenaltyMultiplier),
			ResetTime:  current.BlockUntil,
			RetryAfter: current.BlockUntil.Sub(now),
			Reason:     ReasonBlocked,
		}, nil
	}

	if e.cfg.burstEnabled() {
		burst, err := e.store.Increment(ctx, key+burstSuffix, store.Window{Size: e.cfg.BurstWindow})
		if err != nil {
			return Result{}, e.storeError(ctx, key, "burst increment", err)
		}
		if burst.Count > e.cfg.BurstLimit {
			e.emit(ctx, Event{
				Kind:      EventBurstDetected,
				Key:       key,
				Count:     burst.Count,
				Limit:     e.cfg.BurstLimit,
				ResetTime: burst.ResetTime,
				Reason:    ReasonBurst,
			})
			limit, remaining := e.quota(current)
			return Result{
				Limit:      limit,
				Remaining:  remaining,
				ResetTime:  burst.ResetTime,
				RetryAfter: burst.ResetTime.Sub(now),
				Reason:     ReasonBurst,
			}, nil
		}
	}

	rec, err := e.store.Increment(ctx, key, e.window())
	if err != nil {
		return Result{}, e.storeError(ctx, key, "increment", err)
	}
	return e.decide(ctx, key, now, rec)
}

// decide applies the post-increment checks to rec.
func (e *Engine) decide(ctx context.Context, key string, now time.Time, rec store.Record) (Result, error) {
	penalized := false
	if e.cfg.penaltyEnabled() && float64(rec.Count) > float64(e.cfg.Max)/max(rec.PenaltyMultiplier, 1) {
		escalated, err := e.store.Escalate(ctx, key, e.cfg.PenaltyStep, e.cfg.MaxPenalty)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Reset between increment and escalation; deny on what we counted.
		case err != nil:
			return Result{}, e.storeError(ctx, key, "escalate", err)
		default:
			rec = escalated
		}
		penalized = true
		e.emit(ctx, Event{
			Kind:              EventPenaltyApplied,
			Key:               key,
			Count:             rec.Count,
			Limit:             e.limit(rec.PenaltyMultiplier),
			PenaltyMultiplier: rec.PenaltyMultiplier,
			ResetTime:         rec.ResetTime,
			Reason:            ReasonPenalty,
		})

		if !e.overThreshold(rec) {
			return Result{
				Limit:          e.limit(rec.PenaltyMultiplier),
				ResetTime:      rec.ResetTime,
				RetryAfter:     rec.ResetTime.Sub(now),
				Reason:         ReasonPenalty,
				PenaltyApplied: true,
			}, nil
		}
	}

	if e.overThreshold(rec) {
		until := now.Add(e.cfg.BlockDuration)
		blocked, err := e.store.Block(ctx, key, until)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return Result{}, e.storeError(ctx, key, "block", err)
		default:
			rec = blocked
		}
		e.emit(ctx, Event{
			Kind:              EventDDoSDetected,
			Key:               key,
			Count:             rec.Count,
			Limit:             e.cfg.DDoSThreshold,
			PenaltyMultiplier: rec.PenaltyMultiplier,
			ResetTime:         rec.ResetTime,
			BlockUntil:        until,
			Reason:            ReasonDDoS,
		})
		return Result{
			Limit:          e.limit(rec.PenaltyMultiplier),
			ResetTime:      until,
			RetryAfter:     e.cfg.BlockDuration,
			Reason:         ReasonDDoS,
			PenaltyApplied: penalized,
		}, nil
	}

	limit := e.limit(rec.PenaltyMultiplier)
	res := Result{
		Allowed:   rec.Count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-rec.Count),
		ResetTime: rec.ResetTime,
	}
	if !res.Allowed {
		res.Reason = ReasonRateLimited
		res.RetryAfter = rec.ResetTime.Sub(now)
		e.emit(ctx, Event{
			Kind:              EventRateLimited,
			Key:               key,
			Count:             rec.Count,
			Limit:             limit,
			PenaltyMultiplier: rec.PenaltyMultiplier,
			ResetTime:         rec.ResetTime,
			Reason:            ReasonRateLimited,
		})
	}
	return res, nil
}

// Status describes the stored state of one identity.
type Status struct {
	Key       string
	Primary   *store.Record
	Burst     *store.Record
	Limit     int64
	Remaining int64
	Blocked   bool
}

// Status returns the stored state for identity without modifying it.
func (e *Engine) Status(ctx context.Context, identity string) (Status, error) {
	key := e.key(identity)
	primary, err := e.store.Get(ctx, key)
	if err != nil {
		return Status{}, e.storeError(ctx, key, "read", err)
	}

	st := Status{Key: key, Primary: primary}
	st.Limit, st.Remaining = e.quota(primary)
	st.Blocked = primary != nil && primary.BlockedAt(e.now())

	if e.cfg.burstEnabled() {
		st.Burst, err = e.store.Get(ctx, key+burstSuffix)
		if err != nil {
			return Status{}, e.storeError(ctx, key, "burst read", err)
		}
	}
	return st, nil
}

// ResetKey clears all state for identity: counts, penalty and block. The next
// request is treated as the first ever.
func (e *Engine) ResetKey(ctx context.Context, identity string) error {
	key := e.key(identity)
	if err := e.store.Reset(ctx, key); err != nil {
		return e.storeError(ctx, key, "reset", err)
	}
	if e.cfg.burstEnabled() {
		if err := e.store.Reset(ctx, key+burstSuffix); err != nil {
			return e.storeError(ctx, key, "burst reset", err)
		}
	}
	e.emit(ctx, Event{Kind: EventKeyReset, Key: key})
	return nil
}

// Sweep removes expired records from the store. Failures are reported as error
// events as well as returned.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	n, err := e.store.Sweep(ctx)
	if err != nil {
		return n, e.storeError(ctx, "", "sweep", err)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done. Sweep failures are
// reported through the sink and never stop the loop.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = e.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) key(identity string) string {
	if e.cfg.Name == "" {
		return identity
	}
	return e.cfg.Name + ":" + identity
}

func (e *Engine) window() store.Window {
	w := store.Window{Size: e.cfg.Window}
	if e.cfg.SlidingWindow {
		w.Max = e.cfg.MaxWindow
	}
	return w
}

// limit returns the effective per-window limit under the given multiplier.
func (e *Engine) limit(multiplier float64) int64 {
	if multiplier < 1 {
		multiplier = 1
	}
	return int64(float64(e.cfg.Max) / multiplier)
}

// quota returns the limit and remaining count for a record read before incrementing.
func (e *Engine) quota(rec *store.Record) (int64, int64) {
	if rec == nil {
		return e.cfg.Max, e.cfg.Max
	}
	limit := e.limit(rec.PenaltyMultiplier)
	return limit, max(0, limit-rec.Count)
}

func (e *Engine) overThreshold(rec store.Record) bool {
	return e.cfg.ddosEnabled() && rec.Count > e.cfg.DDoSThreshold
}

func (e *Engine) unrestricted() Result {
	return Result{
		Allowed:      true,
		Limit:        e.cfg.Max,
		Remaining:    e.cfg.Max,
		Unrestricted: true,
	}
}

func (e *Engine) storeError(ctx context.Context, key, op string, err error) error {
	if !errors.Is(err, store.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	if key != "" {
		err = fmt.Errorf("ratewarden: %s %q: %w", op, key, err)
	} else {
		err = fmt.Errorf("ratewarden: %s: %w", op, err)
	}
	e.emit(ctx, Event{Kind: EventError, Key: key, Err: err})
	return err
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	ev.Policy = e.cfg.Name
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.sink.Emit(ctx, ev)
}
