package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-stock-orders/internal/redisx"
)

// Counter lives in Redis so every API instance sees the same window. The key carries
// its own TTL: the first hit in a window sets it, later hits only count.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])

local n = redis.call('INCR', key)
if n == 1 then
	redis.call('PEXPIRE', key, window)
end

local ttl = redis.call('PTTL', key)
if ttl < 0 then
	redis.call('PEXPIRE', key, window)
	ttl = window
end

return {n, ttl}
`)

type Decision struct {
	Allowed    bool
	Count      int64
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter struct {
	rdb    redis.Scripter
	scope  string
	limit  int64
	window time.Duration
}

func New(rdb redis.Scripter, scope string, limit int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, scope: scope, limit: int64(limit), window: window}
}

// Allow counts one hit for addr and reports whether it is inside the budget.
func (l *Limiter) Allow(ctx context.Context, addr string) (Decision, error) {
	if addr == "" {
		addr = "unknown"
	}
	key := redisx.RateLimitKey(l.scope, addr)
	res, err := hitScript.Run(ctx, l.rdb, []string{key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, errors.New("ratelimit: unexpected script reply")
	}

	d := Decision{Count: res[0], Allowed: res[0] <= l.limit}
	if d.Allowed {
		d.Remaining = l.limit - res[0]
	} else {
		d.RetryAfter = time.Duration(res[1]) * time.Millisecond
	}
	return d, nil
}
