package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/ratewarden"
	"github.com/redis/go-redis/v9"
)

// RedisStats aggregates events into Redis hashes shared by every instance:
//
//	<prefix>:total               kind -> count (never expires)
//	<prefix>:minute:<yyyymmddhhmm> kind -> count
//	<prefix>:key:<key>           kind -> count (WithStatsTrackKeys)
//
// Writes are pipelined and bounded by a timeout so a slow server cannot stall
// the decision path. Failures are passed to the error handler.
type RedisStats struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	timeout   time.Duration
	trackKeys bool
	onError   func(error)
}

// RedisStatsOption configures a RedisStats sink.
type RedisStatsOption func(*RedisStats)

// WithStatsPrefix sets the key prefix (default: "ratewarden:stats").
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// WithStatsTTL sets how long per-minute and per-key hashes live (default: 24h).
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = d }
}

// WithStatsTimeout bounds each write (default: 100ms).
func WithStatsTimeout(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.timeout = d }
}

// WithStatsTrackKeys also counts events per key.
func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStats) { s.trackKeys = track }
}

// WithStatsErrorHandler receives write failures (default: ignored).
func WithStatsErrorHandler(fn func(error)) RedisStatsOption {
	return func(s *RedisStats) { s.onError = fn }
}

// NewRedisStats creates a RedisStats sink. The client may be shared with a
// store.Redis through its Client method.
func NewRedisStats(client redis.UniversalClient, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		client:  client,
		prefix:  "ratewarden:stats",
		ttl:     24 * time.Hour,
		timeout: 100 * time.Millisecond,
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit records ev. The caller's context is not used so that a cancelled request
// still gets counted.
func (s *RedisStats) Emit(_ context.Context, ev ratewarden.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.Record(ctx, ev); err != nil {
		s.onError(err)
	}
}

// Record writes ev and returns any failure.
func (s *RedisStats) Record(ctx context.Context, ev ratewarden.Event) error {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Kind)

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if s.trackKeys && ev.Key != "" {
		keyKey := s.prefix + ":key:" + ev.Key
		pipe.HIncrBy(ctx, keyKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, keyKey, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record stats: %w", err)
	}
	return nil
}

// Totals returns the all-time count per event kind.
func (s *RedisStats) Totals(ctx context.Context) (map[ratewarden.EventKind]int64, error) {
	return s.read(ctx, s.prefix+":total")
}

// Minute returns the counts per event kind for the minute containing t.
func (s *RedisStats) Minute(ctx context.Context, t time.Time) (map[ratewarden.EventKind]int64, error) {
	return s.read(ctx, fmt.Sprintf("%s:minute:%s", s.prefix, t.UTC().Format("200601021504")))
}

// Key returns the counts per event kind for one key. Requires WithStatsTrackKeys.
func (s *RedisStats) Key(ctx context.Context, key string) (map[ratewarden.EventKind]int64, error) {
	return s.read(ctx, s.prefix+":key:"+key)
}

func (s *RedisStats) read(ctx context.Context, hash string) (map[ratewarden.EventKind]int64, error) {
	raw, err := s.client.HGetAll(ctx, hash).Result()
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	out := make(map[ratewarden.EventKind]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("read stats %s: %w", k, err)
		}
		out[ratewarden.EventKind(k)] = n
	}
	return out, nil
}
