package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func setupRedisTest(t *testing.T, opts ...RedisOption) (*Redis, func()) {
	t.Helper()

	config := RedisConfig{
		URL:      "localhost:6379",
		Password: "",
		DB:       15,
		Prefix:   "test:ratewarden:",
	}

	store, err := NewRedis(config, opts...)
	if err != nil {
		t.Skip("Redis not available:", err)
	}

	cleanup := func() {
		ctx := context.Background()
		pattern := config.Prefix + "*"
		iter := store.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			store.client.Del(ctx, iter.Val())
		}
		store.Close()
	}

	return store, cleanup
}

// redisClock starts at the real time so PEXPIREAT deadlines stay in the future.
func redisClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Millisecond)}
}

func TestNewRedis(t *testing.T) {
	tests := []struct {
		name       string
		config     RedisConfig
		wantPrefix string
		wantErr    bool
	}{
		{
			name: "valid connection",
			config: RedisConfig{
				URL:    "localhost:6379",
				DB:     15,
				Prefix: "test:",
			},
			wantPrefix: "test:",
		},
		{
			name: "default prefix",
			config: RedisConfig{
				URL: "localhost:6379",
				DB:  15,
			},
			wantPrefix: "ratewarden:",
		},
		{
			name: "invalid connection",
			config: RedisConfig{
				URL:         "localhost:9999",
				DialTimeout: 100 * time.Millisecond,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewRedis(tt.config)
			if tt.wantErr {
				if err == nil {
					store.Close()
					t.Fatal("NewRedis() error = nil, want error")
				}
				if !errors.Is(err, ErrUnavailable) {
					t.Errorf("NewRedis() error = %v, want ErrUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Skip("Redis not available:", err)
			}
			defer store.Close()
			if store.prefix != tt.wantPrefix {
				t.Errorf("NewRedis() prefix = %v, want %v", store.prefix, tt.wantPrefix)
			}
		})
	}
}

func TestRedis_Increment(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()

	tests := []struct {
		name   string
		key    string
		window Window
		count  int
		want   int64
	}{
		{
			name:   "first increment",
			key:    "test:first",
			window: Window{Size: time.Minute},
			count:  1,
			want:   1,
		},
		{
			name:   "sequential increments",
			key:    "test:sequential",
			window: Window{Size: time.Minute},
			count:  5,
			want:   5,
		},
		{
			name:   "sliding window",
			key:    "test:sliding",
			window: Window{Size: time.Minute, Max: 5 * time.Minute},
			count:  3,
			want:   3,
		},
		{
			name:   "empty key",
			key:    "",
			window: Window{Size: time.Minute},
			count:  1,
			want:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			var last Record
			for i := 0; i < tt.count; i++ {
				got, err := store.Increment(ctx, tt.key, tt.window)
				if err != nil {
					t.Fatalf("Increment() error = %v", err)
				}
				last = got
			}

			if last.Count != tt.want {
				t.Errorf("Increment() = %v, want %v", last.Count, tt.want)
			}
			if last.PenaltyMultiplier != 1 {
				t.Errorf("Increment() penalty = %v, want 1", last.PenaltyMultiplier)
			}
			if !last.ResetTime.After(last.WindowStart) {
				t.Errorf("Increment() reset %v not after window start %v", last.ResetTime, last.WindowStart)
			}
		})
	}
}

func TestRedis_Increment_Expiration(t *testing.T) {
	clock := redisClock()
	store, cleanup := setupRedisTest(t, WithRedisClock(clock.Now))
	defer cleanup()

	ctx := context.Background()
	key := "test:expiration"
	window := Window{Size: 10 * time.Second}

	rec, err := store.Increment(ctx, key, window)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if rec.Count != 1 {
		t.Fatalf("Increment() = %v, want 1", rec.Count)
	}
	if want := clock.Now().Add(10 * time.Second); !rec.ResetTime.Equal(want) {
		t.Errorf("ResetTime = %v, want %v", rec.ResetTime, want)
	}

	rec, _ = store.Increment(ctx, key, window)
	if rec.Count != 2 {
		t.Errorf("Increment() before expiration = %v, want 2", rec.Count)
	}

	clock.Advance(10 * time.Second)

	if got, _ := store.Get(ctx, key); got != nil {
		t.Errorf("Get() after window = %+v, want nil", got)
	}
	rec, err = store.Increment(ctx, key, window)
	if err != nil {
		t.Fatalf("Increment() after expiration error = %v", err)
	}
	if rec.Count != 1 {
		t.Errorf("Increment() after expiration = %v, want 1 (reset)", rec.Count)
	}
}

func TestRedis_Increment_Concurrent(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()

	ctx := context.Background()
	key := "test:concurrent"
	window := Window{Size: time.Minute}
	numGoroutines := 100
	incrementsPerGoroutine := 10

	var (
		wg     sync.WaitGroup
		firsts atomic.Int64
	)
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				rec, err := store.Increment(ctx, key, window)
				if err != nil {
					t.Errorf("Increment() error = %v", err)
					continue
				}
				if rec.Count == 1 {
					firsts.Add(1)
				}
			}
		}()
	}

	wg.Wait()

	final, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	expected := int64(numGoroutines * incrementsPerGoroutine)
	if final == nil || final.Count != expected {
		t.Errorf("Concurrent Increment() final = %+v, want count %v", final, expected)
	}
	if firsts.Load() != 1 {
		t.Errorf("%d callers observed the first request, want 1", firsts.Load())
	}
}

func TestRedis_EscalateAndBlock(t *testing.T) {
	clock := redisClock()
	store, cleanup := setupRedisTest(t, WithRedisClock(clock.Now))
	defer cleanup()

	ctx := context.Background()
	key := "test:escalate"

	if _, err := store.Escalate(ctx, key, 1, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("Escalate(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := store.Block(ctx, key, clock.Now().Add(time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Block(missing) error = %v, want ErrNotFound", err)
	}

	store.Increment(ctx, key, Window{Size: time.Second})

	for _, want := range []float64{2, 3, 3} {
		rec, err := store.Escalate(ctx, key, 1, 3)
		if err != nil {
			t.Fatalf("Escalate() error = %v", err)
		}
		if rec.PenaltyMultiplier != want {
			t.Errorf("Escalate() = %v, want %v", rec.PenaltyMultiplier, want)
		}
	}

	until := clock.Now().Add(5 * time.Second)
	rec, err := store.Block(ctx, key, until)
	if err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if !rec.Blocked || !rec.BlockUntil.Equal(until) {
		t.Errorf("Block() = %+v, want blocked until %v", rec, until)
	}

	clock.Advance(2 * time.Second)
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || !got.BlockedAt(clock.Now()) || got.PenaltyMultiplier != 3 {
		t.Errorf("Get() during block = %+v, want blocked record with penalty 3", got)
	}

	clock.Advance(4 * time.Second)
	got, _ = store.Get(ctx, key)
	if got == nil || got.BlockedAt(clock.Now()) || got.PenaltyMultiplier != 3 {
		t.Errorf("Get() after block = %+v, want unblocked record with penalty 3", got)
	}
}

func TestRedis_PenaltyOutlivesWindow(t *testing.T) {
	clock := redisClock()
	store, cleanup := setupRedisTest(t, WithRedisClock(clock.Now))
	defer cleanup()

	ctx := context.Background()
	key := "test:penalty"
	w := Window{Size: 2 * time.Second}

	store.Increment(ctx, key, w)
	store.Increment(ctx, "test:plain", w)
	if _, err := store.Escalate(ctx, key, 1, 4); err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}

	if ttl := store.client.TTL(ctx, store.prefix+key).Val(); ttl != -1 {
		t.Errorf("penalized key TTL = %v, want none", ttl)
	}
	if ttl := store.client.TTL(ctx, store.prefix+"test:plain").Val(); ttl <= 0 {
		t.Errorf("plain key TTL = %v, want positive", ttl)
	}

	clock.Advance(time.Minute)

	if got, _ := store.Get(ctx, "test:plain"); got != nil {
		t.Errorf("Get(plain) after window = %+v, want nil", got)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.PenaltyMultiplier != 2 {
		t.Fatalf("Get() after window = %+v, want record with penalty 2", got)
	}

	rec, err := store.Increment(ctx, key, w)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if rec.Count != 1 || rec.PenaltyMultiplier != 2 {
		t.Errorf("Increment() in new window = %+v, want count 1 with penalty 2", rec)
	}

	if err := store.Reset(ctx, key); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got, _ := store.Get(ctx, key); got != nil {
		t.Errorf("Get() after Reset() = %+v, want nil", got)
	}
}

func TestRedis_SetAndGet(t *testing.T) {
	clock := redisClock()
	store, cleanup := setupRedisTest(t, WithRedisClock(clock.Now))
	defer cleanup()

	ctx := context.Background()
	now := clock.Now()
	rec := Record{
		Count:             4,
		WindowStart:       now,
		ResetTime:         now.Add(time.Minute),
		FirstRequest:      now,
		LastRequest:       now.Add(time.Second),
		PenaltyMultiplier: 1.5,
	}

	if err := store.Set(ctx, "test:set", rec, 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, "test:set")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil, want record")
	}
	if got.Count != rec.Count || got.PenaltyMultiplier != rec.PenaltyMultiplier {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}
	if !got.ResetTime.Equal(rec.ResetTime) || !got.LastRequest.Equal(rec.LastRequest) {
		t.Errorf("Get() times = %v/%v, want %v/%v", got.ResetTime, got.LastRequest, rec.ResetTime, rec.LastRequest)
	}

	if missing, err := store.Get(ctx, "test:missing"); err != nil || missing != nil {
		t.Errorf("Get(missing) = %+v, %v; want nil, nil", missing, err)
	}
}

func TestRedis_Reset(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()

	ctx := context.Background()

	tests := []struct {
		name  string
		setup func() string
	}{
		{
			name: "reset non-existent key succeeds",
			setup: func() string {
				return "test:nonexistent"
			},
		},
		{
			name: "reset existing key removes entry",
			setup: func() string {
				key := "test:reset"
				_, _ = store.Increment(ctx, key, Window{Size: time.Minute})
				_, _ = store.Escalate(ctx, key, 1, 5)
				return key
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := tt.setup()

			if err := store.Reset(ctx, key); err != nil {
				t.Errorf("Reset() error = %v", err)
			}

			got, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get() after Reset() error = %v", err)
			}
			if got != nil {
				t.Errorf("Get() after Reset() = %+v, want nil", got)
			}
		})
	}
}

func TestRedis_OperationTimeout(t *testing.T) {
	store, cleanup := setupRedisTest(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Increment(ctx, "test:cancelled", Window{Size: time.Minute})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Increment() with cancelled context error = %v, want ErrUnavailable", err)
	}
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		vals    []any
		want    Record
		wantErr bool
	}{
		{
			name: "script reply",
			vals: []any{"3", "1000", "61000", "1000", "2000", "2.5", "1", "90000"},
			want: Record{
				Count:             3,
				WindowStart:       time.UnixMilli(1000),
				ResetTime:         time.UnixMilli(61000),
				FirstRequest:      time.UnixMilli(1000),
				LastRequest:       time.UnixMilli(2000),
				PenaltyMultiplier: 2.5,
				Blocked:           true,
				BlockUntil:        time.UnixMilli(90000),
			},
		},
		{
			name: "integer values and missing fields",
			vals: []any{int64(1), int64(1000), int64(2000), nil, nil, nil, nil, nil},
			want: Record{
				Count:             1,
				WindowStart:       time.UnixMilli(1000),
				ResetTime:         time.UnixMilli(2000),
				PenaltyMultiplier: 1,
			},
		},
		{
			name:    "wrong length",
			vals:    []any{"1"},
			wantErr: true,
		},
		{
			name:    "malformed number",
			vals:    []any{"x", "0", "0", "0", "0", "1", "0", "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRecord(tt.vals)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Count != tt.want.Count ||
				!got.WindowStart.Equal(tt.want.WindowStart) ||
				!got.ResetTime.Equal(tt.want.ResetTime) ||
				!got.FirstRequest.Equal(tt.want.FirstRequest) ||
				!got.LastRequest.Equal(tt.want.LastRequest) ||
				got.PenaltyMultiplier != tt.want.PenaltyMultiplier ||
				got.Blocked != tt.want.Blocked ||
				!got.BlockUntil.Equal(tt.want.BlockUntil) {
				t.Errorf("parseRecord() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
