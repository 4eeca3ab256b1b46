package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/cobro/internal/clock"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

var (
	ErrInvalidKey  = errors.New("rate_limit_key_empty")
	ErrInvalidRate = errors.New("rate_limit_rate_invalid")
)

// Result is the outcome of taking one token from a bucket.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Bucket takes one token from the bucket named key, refilling at rate
// tokens per second up to burst.
type Bucket interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (Result, error)
}

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (Result, error) {
	if err := validate(key, rate, burst); err != nil {
		return Result{}, err
	}

	res, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, bucketTTL(rate, burst).Milliseconds()).Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 2 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	allowed, _ := res[0].(int64)
	// Lua numbers are truncated to integers on the way out, so tokens
	// come back as a string.
	var remaining float64
	if s, ok := res[1].(string); ok {
		remaining, _ = strconv.ParseFloat(s, 64)
	}
	return result(allowed == 1, remaining, rate, burst), nil
}

type bucketState struct {
	tokens float64
	at     time.Time
}

// Memory keeps buckets in process. Used when Redis is not configured and
// in tests.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]bucketState
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Memory{clock: clk, buckets: make(map[string]bucketState)}
}

func (m *Memory) Allow(_ context.Context, key string, rate float64, burst int) (Result, error) {
	if err := validate(key, rate, burst); err != nil {
		return Result{}, err
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.buckets[key]
	if !ok {
		state = bucketState{tokens: float64(burst), at: now}
	} else if elapsed := now.Sub(state.at); elapsed > 0 {
		state.tokens = math.Min(float64(burst), state.tokens+elapsed.Seconds()*rate)
		state.at = now
	}

	allowed := state.tokens >= 1
	if allowed {
		state.tokens--
	}
	m.buckets[key] = state
	return result(allowed, state.tokens, rate, burst), nil
}

func validate(key string, rate float64, burst int) error {
	if key == "" {
		return ErrInvalidKey
	}
	if rate <= 0 || burst <= 0 {
		return ErrInvalidRate
	}
	return nil
}

func result(allowed bool, remaining, rate float64, burst int) Result {
	out := Result{Allowed: allowed, Limit: burst, Remaining: int(remaining)}
	if !allowed {
		out.RetryAfter = time.Duration((1 - remaining) / rate * float64(time.Second))
	}
	return out
}

// bucketTTL lets an idle bucket expire once it would be full again anyway.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
