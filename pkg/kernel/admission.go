package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Admission decides whether an agent may open another session. It never
// blocks: a denied agent gets ADMISSION_DENIED and retries later.
type Admission interface {
	Admit(ctx context.Context, agentID string) (bool, error)
}

// AllowAll admits every agent.
type AllowAll struct{}

func (AllowAll) Admit(context.Context, string) (bool, error) { return true, nil }

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalAdmission keeps one token bucket per agent in process.
type LocalAdmission struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// NewLocalAdmission admits perSecond sessions per agent with the given
// burst.
func NewLocalAdmission(perSecond float64, burst int) *LocalAdmission {
	if burst < 1 {
		burst = 1
	}
	return &LocalAdmission{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (a *LocalAdmission) Admit(_ context.Context, agentID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	v, ok := a.visitors[agentID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(a.limit, a.burst)}
		a.visitors[agentID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// Sweep forgets agents idle for longer than idle and returns how many were
// dropped.
func (a *LocalAdmission) Sweep(idle time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-idle)
	n := 0
	for id, v := range a.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(a.visitors, id)
			n++
		}
	}
	return n
}

// redisBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, fractional)
var redisBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.max(60, math.ceil(capacity / rate)))
return allowed
`)

// RedisAdmission shares per-agent buckets across kernel instances.
type RedisAdmission struct {
	client    redis.UniversalClient
	prefix    string
	perSecond float64
	burst     int
}

// NewRedisAdmission uses client for buckets keyed "<prefix>admission:<agent>".
func NewRedisAdmission(client redis.UniversalClient, prefix string, perSecond float64, burst int) *RedisAdmission {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RedisAdmission{client: client, prefix: prefix, perSecond: perSecond, burst: burst}
}

func (a *RedisAdmission) Admit(ctx context.Context, agentID string) (bool, error) {
	key := a.prefix + "admission:" + agentID
	now := float64(time.Now().UnixMicro()) / 1e6
	n, err := redisBucketScript.Run(ctx, a.client, []string{key}, a.perSecond, a.burst, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis admission: %w", err)
	}
	return n == 1, nil
}
