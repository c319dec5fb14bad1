package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each record is a hash. Timestamps are unix milliseconds taken from the caller's
// clock; the key expires with PEXPIREAT at the record's expiration, or is made
// persistent while its penalty multiplier is above 1.
//
//	c  count            ws window start    rt reset time     fr first request
//	lr last request     pm penalty mult    bl blocked (0/1)  bu block until
var recordFields = []string{"c", "ws", "rt", "fr", "lr", "pm", "bl", "bu"}

// loadRecord reads the hash into locals and treats a logically expired record as
// absent, so server and client clock skew cannot revive a stale window.
const loadRecord = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local h = redis.call('HMGET', key, 'c', 'ws', 'rt', 'fr', 'lr', 'pm', 'bl', 'bu')
local c = tonumber(h[1])
local ws = tonumber(h[2]) or 0
local rt = tonumber(h[3]) or 0
local fr = tonumber(h[4]) or 0
local lr = tonumber(h[5]) or 0
local pm = tonumber(h[6]) or 1
local bl = tonumber(h[7]) or 0
local bu = tonumber(h[8]) or 0
if pm < 1 then pm = 1 end
local function expiry()
  if pm > 1 then return 0 end
  if bl == 1 and bu > rt then return bu end
  return rt
end
if c ~= nil and expiry() > 0 and now >= expiry() then
  redis.call('DEL', key)
  c = nil
end
local function save()
  redis.call('HSET', key, 'c', c, 'ws', ws, 'rt', rt, 'fr', fr, 'lr', lr, 'pm', tostring(pm), 'bl', bl, 'bu', bu)
  local e = expiry()
  if e > 0 then
    redis.call('PEXPIREAT', key, e)
  else
    redis.call('PERSIST', key)
  end
  return {tostring(c), tostring(ws), tostring(rt), tostring(fr), tostring(lr), tostring(pm), tostring(bl), tostring(bu)}
end
`

// incrScript starts or advances the window for KEYS[1].
// ARGV: now, window size, sliding max (0 for fixed windows).
var incrScript = redis.NewScript(loadRecord + `
local size = tonumber(ARGV[2])
local maxw = tonumber(ARGV[3])
local function resetAt(first)
  if maxw > 0 then
    return first + math.min(now - first + size, maxw)
  end
  return first + size
end
if c == nil then
  c = 0; rt = 0; pm = 1; bl = 0; bu = 0
end
if bl == 1 and now >= bu then
  bl = 0; bu = 0
end
if now >= rt then
  c = 1; ws = now; fr = now; rt = resetAt(now)
else
  c = c + 1
  if maxw > 0 then
    local r = resetAt(fr)
    if r > rt then rt = r end
  end
end
lr = now
return save()
`)

// escalateScript raises the penalty multiplier. ARGV: now, step, limit.
var escalateScript = redis.NewScript(loadRecord + `
if c == nil then return false end
local step = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
if pm < limit then
  pm = math.min(pm + step, limit)
end
return save()
`)

// blockScript marks the record blocked. ARGV: now, block until.
var blockScript = redis.NewScript(loadRecord + `
if c == nil then return false end
bl = 1
bu = tonumber(ARGV[2])
return save()
`)

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
// Every mutation runs as one Lua script, so the read-decide-write sequence for a key
// is atomic across all instances sharing the server.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace counter data (default: "ratewarden:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration

	// OperationTimeout bounds every store call (default: none beyond the caller's context)
	OperationTimeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisClock sets the time source used for window arithmetic. Intended for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		r.now = now
	}
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "ratewarden:",
//	})
func NewRedis(config RedisConfig, opts ...RedisOption) (*Redis, error) {
	redisOpts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		redisOpts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		redisOpts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		redisOpts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		redisOpts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		redisOpts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis: %w", ErrUnavailable, err)
	}

	r := NewRedisFromClient(client, config.Prefix, opts...)
	r.timeout = config.OperationTimeout
	return r, nil
}

// NewRedisFromClient wraps an existing client, which may be a cluster or failover
// client. The store takes ownership and closes the client on Close.
func NewRedisFromClient(client redis.UniversalClient, prefix string, opts ...RedisOption) *Redis {
	if prefix == "" {
		prefix = "ratewarden:"
	}
	r := &Redis{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get retrieves the live record for key without modifying it.
func (r *Redis) Get(ctx context.Context, key string) (*Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	vals, err := r.client.HMGet(ctx, r.prefix+key, recordFields...).Result()
	if err != nil {
		return nil, r.fail("get", err)
	}
	if vals[0] == nil {
		return nil, nil
	}

	rec, err := parseRecord(vals)
	if err != nil {
		return nil, r.fail("get", err)
	}
	if rec.Expired(r.now()) {
		return nil, nil
	}
	return &rec, nil
}

// Set replaces the record for key in a single transaction.
func (r *Redis) Set(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	fullKey := r.prefix + key
	expiresAt := rec.ExpiresAt()
	if ttl > 0 {
		expiresAt = r.now().Add(ttl)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, fullKey)
	pipe.HSet(ctx, fullKey, encodeRecord(rec))
	if !expiresAt.IsZero() {
		pipe.PExpireAt(ctx, fullKey, expiresAt)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return r.fail("set", err)
	}
	return nil
}

// Increment atomically increments the counter for key using a Lua script.
func (r *Redis) Increment(ctx context.Context, key string, w Window) (Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := incrScript.Run(ctx, r.client, []string{r.prefix + key},
		r.now().UnixMilli(), w.Size.Milliseconds(), w.Max.Milliseconds()).Slice()
	if err != nil {
		return Record{}, r.fail("increment", err)
	}
	rec, err := parseRecord(res)
	if err != nil {
		return Record{}, r.fail("increment", err)
	}
	return rec, nil
}

// Escalate atomically raises the penalty multiplier of the record for key.
func (r *Redis) Escalate(ctx context.Context, key string, step, limit float64) (Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := escalateScript.Run(ctx, r.client, []string{r.prefix + key},
		r.now().UnixMilli(), step, limit).Slice()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, r.fail("escalate", err)
	}
	rec, err := parseRecord(res)
	if err != nil {
		return Record{}, r.fail("escalate", err)
	}
	return rec, nil
}

// Block atomically marks the record for key as blocked until the given time.
func (r *Redis) Block(ctx context.Context, key string, until time.Time) (Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := blockScript.Run(ctx, r.client, []string{r.prefix + key},
		r.now().UnixMilli(), until.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, r.fail("block", err)
	}
	rec, err := parseRecord(res)
	if err != nil {
		return Record{}, r.fail("block", err)
	}
	return rec, nil
}

// Reset removes the record for key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return r.fail("reset", err)
	}
	return nil
}

// Sweep is a no-op: every key that may expire carries a PEXPIREAT at its record's
// expiration, so Redis removes elapsed records itself.
func (r *Redis) Sweep(_ context.Context) (int, error) {
	return 0, nil
}

// Client returns the underlying client so other components can share the connection pool.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, func() {}
}

func (r *Redis) fail(op string, err error) error {
	return fmt.Errorf("%w: redis %s failed: %w", ErrUnavailable, op, err)
}

func encodeRecord(rec Record) map[string]any {
	bl := 0
	if rec.Blocked {
		bl = 1
	}
	pm := rec.PenaltyMultiplier
	if pm < 1 {
		pm = 1
	}
	return map[string]any{
		"c":  rec.Count,
		"ws": toMillis(rec.WindowStart),
		"rt": toMillis(rec.ResetTime),
		"fr": toMillis(rec.FirstRequest),
		"lr": toMillis(rec.LastRequest),
		"pm": strconv.FormatFloat(pm, 'f', -1, 64),
		"bl": bl,
		"bu": toMillis(rec.BlockUntil),
	}
}

// parseRecord decodes the field values returned by HMGET or a script, in
// recordFields order.
func parseRecord(vals []any) (Record, error) {
	if len(vals) != len(recordFields) {
		return Record{}, fmt.Errorf("unexpected result length: got %d, want %d", len(vals), len(recordFields))
	}

	nums := make([]float64, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case int64:
			nums[i] = float64(t)
			continue
		default:
			return Record{}, fmt.Errorf("unexpected type for field %s: %T", recordFields[i], v)
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Record{}, fmt.Errorf("invalid value for field %s: %w", recordFields[i], err)
		}
		nums[i] = n
	}

	return Record{
		Count:             int64(nums[0]),
		WindowStart:       fromMillis(nums[1]),
		ResetTime:         fromMillis(nums[2]),
		FirstRequest:      fromMillis(nums[3]),
		LastRequest:       fromMillis(nums[4]),
		PenaltyMultiplier: max(nums[5], 1),
		Blocked:           nums[6] == 1,
		BlockUntil:        fromMillis(nums[7]),
	}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms float64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
