package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nhalm/ratewarden"
	"github.com/redis/go-redis/v9"
)

func setupStatsTest(t *testing.T, opts ...RedisStatsOption) (*RedisStats, *redis.Client) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available:", err)
	}

	opts = append([]RedisStatsOption{WithStatsPrefix("test:ratewarden:stats")}, opts...)
	s := NewRedisStats(client, opts...)

	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, "test:ratewarden:stats*", 0).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return s, client
}

func TestRedisStats_Record(t *testing.T) {
	s, client := setupStatsTest(t, WithStatsTrackKeys(true), WithStatsTTL(time.Hour))
	ctx := context.Background()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	events := []ratewarden.Event{
		{Kind: ratewarden.EventRateLimited, Key: "api:a", Time: at},
		{Kind: ratewarden.EventRateLimited, Key: "api:a", Time: at.Add(10 * time.Second)},
		{Kind: ratewarden.EventBlocked, Key: "api:b", Time: at},
	}
	for _, ev := range events {
		if err := s.Record(ctx, ev); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	totals, err := s.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	if totals[ratewarden.EventRateLimited] != 2 || totals[ratewarden.EventBlocked] != 1 {
		t.Errorf("Totals() = %v", totals)
	}

	minute, err := s.Minute(ctx, at)
	if err != nil {
		t.Fatalf("Minute() error = %v", err)
	}
	if minute[ratewarden.EventRateLimited] != 2 {
		t.Errorf("Minute() = %v, want 2 rate-limited", minute)
	}

	perKey, err := s.Key(ctx, "api:a")
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if perKey[ratewarden.EventRateLimited] != 2 || len(perKey) != 1 {
		t.Errorf("Key(api:a) = %v", perKey)
	}

	ttl := client.TTL(ctx, "test:ratewarden:stats:minute:202603040506").Val()
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("minute bucket TTL = %v, want within 1h", ttl)
	}
	if ttl := client.TTL(ctx, "test:ratewarden:stats:total").Val(); ttl != -1 {
		t.Errorf("total TTL = %v, want none", ttl)
	}
}

func TestRedisStats_EmitReportsErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:9999", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	var got error
	s := NewRedisStats(client, WithStatsTimeout(200*time.Millisecond), WithStatsErrorHandler(func(err error) {
		got = err
	}))

	s.Emit(context.Background(), ratewarden.Event{Kind: ratewarden.EventError, Err: errors.New("x")})
	if got == nil {
		t.Error("error handler not called for unreachable server")
	}
}
