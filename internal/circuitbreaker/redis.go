package circuitbreaker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/octopusgw/octopus/internal/config"
)

// Lua script: atomically check state and decide whether to allow a request.
// Keys: state, failures, opened_at, probe
// Args: timeout_seconds, now_unix
// Returns: allowed(0/1)
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local timeout = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

if state == 'open' then
    local opened_at = tonumber(redis.call('GET', KEYS[3]) or '0')
    if now - opened_at >= timeout then
        redis.call('SET', KEYS[1], 'half_open')
        redis.call('SET', KEYS[4], '1')
        local ttl = timeout * 2
        redis.call('EXPIRE', KEYS[1], ttl)
        redis.call('EXPIRE', KEYS[4], ttl)
        return 1
    end
    return 0
end

if state == 'half_open' then
    if redis.call('SETNX', KEYS[4], '1') == 1 then
        redis.call('EXPIRE', KEYS[4], tonumber(ARGV[1]))
        return 1
    end
    return 0
end

return 1
`)

// Lua script: report an outcome and handle state transitions.
// Keys: state, failures, opened_at, probe
// Args: is_failure(0/1), failure_threshold, timeout_seconds, now_unix
var reportScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local is_failure = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local timeout = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = timeout * 2

if state == 'closed' then
    if is_failure == 1 then
        local failures = redis.call('INCR', KEYS[2])
        redis.call('EXPIRE', KEYS[2], ttl)
        if failures >= threshold then
            redis.call('SET', KEYS[1], 'open')
            redis.call('SET', KEYS[3], tostring(now))
            redis.call('SET', KEYS[2], '0')
            redis.call('EXPIRE', KEYS[1], ttl)
            redis.call('EXPIRE', KEYS[3], ttl)
        end
    else
        redis.call('SET', KEYS[2], '0')
        redis.call('EXPIRE', KEYS[2], ttl)
    end
    return state
end

if state == 'half_open' then
    redis.call('DEL', KEYS[4])
    if is_failure == 1 then
        redis.call('SET', KEYS[1], 'open')
        redis.call('SET', KEYS[3], tostring(now))
        redis.call('EXPIRE', KEYS[1], ttl)
        redis.call('EXPIRE', KEYS[3], ttl)
    else
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('EXPIRE', KEYS[1], ttl)
        redis.call('EXPIRE', KEYS[2], ttl)
    end
    return state
end

return state
`)

// RedisBreaker shares breaker state for one upstream instance across
// gateway replicas. Fails open when Redis is unreachable so that a
// coordination outage never blocks traffic.
type RedisBreaker struct {
	client           *redis.Client
	keyPrefix        string
	failureThreshold int
	timeout          time.Duration

	// Local lifetime counters for admin stats
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewRedisBreaker creates a Redis-shared circuit breaker for one instance,
// keyed by cluster name and instance address.
func NewRedisBreaker(cluster, instanceAddr string, cfg config.CircuitBreakerConfig, client *redis.Client) *RedisBreaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &RedisBreaker{
		client:           client,
		keyPrefix:        "octopus:cb:" + cluster + ":" + instanceAddr + ":",
		failureThreshold: failureThreshold,
		timeout:          timeout,
	}
}

func (rb *RedisBreaker) keys() []string {
	return []string{
		rb.keyPrefix + "state",
		rb.keyPrefix + "failures",
		rb.keyPrefix + "opened_at",
		rb.keyPrefix + "probe",
	}
}

// Allow checks Redis state to decide whether the instance may be used.
func (rb *RedisBreaker) Allow() bool {
	rb.totalRequests.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	allowed, err := allowScript.Run(ctx, rb.client, rb.keys(),
		int(rb.timeout.Seconds()),
		time.Now().Unix(),
	).Int64()
	if err != nil {
		return true // fail open
	}
	if allowed == 0 {
		rb.totalRejected.Add(1)
		return false
	}
	return true
}

// RecordSuccess reports a successful call.
func (rb *RedisBreaker) RecordSuccess() {
	rb.totalSuccesses.Add(1)
	rb.report(false)
}

// RecordFailure reports a failed call.
func (rb *RedisBreaker) RecordFailure() {
	rb.totalFailures.Add(1)
	rb.report(true)
}

func (rb *RedisBreaker) report(isFailure bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	failureArg := 0
	if isFailure {
		failureArg = 1
	}

	// Errors are swallowed: shared state is best-effort.
	reportScript.Run(ctx, rb.client, rb.keys(),
		failureArg,
		rb.failureThreshold,
		int(rb.timeout.Seconds()),
		time.Now().Unix(),
	)
}

// Snapshot returns a point-in-time view of the breaker state from Redis.
func (rb *RedisBreaker) Snapshot() Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	state := "closed"
	if s, err := rb.client.Get(ctx, rb.keyPrefix+"state").Result(); err == nil {
		state = s
	}

	return Snapshot{
		State:            state,
		Mode:             "distributed",
		FailureThreshold: rb.failureThreshold,
		TotalRequests:    rb.totalRequests.Load(),
		TotalFailures:    rb.totalFailures.Load(),
		TotalSuccesses:   rb.totalSuccesses.Load(),
		TotalRejected:    rb.totalRejected.Load(),
	}
}
