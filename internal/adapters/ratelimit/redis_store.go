package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// admitScript prunes, counts and conditionally records in one round trip.
// Scores are unix milliseconds.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local admitted = 0
if count < max then
  redis.call('ZADD', key, now, member)
  admitted = 1
end
redis.call('PEXPIRE', key, window)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = '0'
if #oldest > 0 then
  oldestScore = oldest[2]
end
return {count, admitted, oldestScore}
`)

// RedisStore is a core.WindowStore kept in Redis sorted sets, so every
// instance shares the same windows
type RedisStore struct {
	client redis.Scripter
	seq    atomic.Uint64
}

// NewRedisStore creates a Redis-backed window store
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Admit runs the sliding-window check atomically on the server
func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (core.WindowState, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)
	res, err := admitScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), max, member).Slice()
	if err != nil {
		return core.WindowState{}, fmt.Errorf("redis admit: %w", err)
	}
	if len(res) != 3 {
		return core.WindowState{}, fmt.Errorf("redis admit: unexpected reply %v", res)
	}

	count, _ := res[0].(int64)
	admitted, _ := res[1].(int64)
	state := core.WindowState{Count: int(count), Admitted: admitted == 1}

	if raw, ok := res[2].(string); ok {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil && ms > 0 {
			state.Oldest = time.UnixMilli(int64(ms))
		}
	}
	return state, nil
}
