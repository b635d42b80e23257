package redisbroker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/UniQw/taskbus/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// envelope is the stored form of a message inside a queue. The ID keeps two
// identical bodies distinct as members of the unacked ZSET.
type envelope struct {
	ID          string            `json:"id"`
	Body        []byte            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	PublishedAt int64             `json:"published_at"`
	ExpiresAt   int64             `json:"expires_at,omitempty"`
}

func newEnvelope(body []byte, headers map[string]string) envelope {
	return envelope{
		ID:          uuid.NewString(),
		Body:        body,
		Headers:     headers,
		PublishedAt: time.Now().UnixMilli(),
	}
}

func encodeEnvelope(e envelope) string {
	b, _ := json.Marshal(e)
	return string(b)
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope
	err := sonic.Unmarshal([]byte(raw), &e)
	return e, err
}

// deliverScript atomically pops the oldest ready message, parks it in the
// unacked ZSET with the consumer deadline and bumps its delivery counter.
var deliverScript = redis.NewScript(
	// language=Lua
	`
	local raw = redis.call('RPOP', KEYS[1])
	if not raw then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], raw)
	local n = redis.call('HINCRBY', KEYS[3], raw, 1)
	return {raw, n}
	`,
)

// requeueScript puts an unacked message back at the head of the ready list so
// it is the next one delivered. The delivery counter is kept.
var requeueScript = redis.NewScript(
	// language=Lua
	`
	local rem = redis.call('ZREM', KEYS[1], ARGV[1])
	if rem == 1 then
	  redis.call('RPUSH', KEYS[2], ARGV[1])
	end
	return rem
	`,
)

// delayScript moves an unacked message to the delayed ZSET until ARGV[2].
var delayScript = redis.NewScript(
	// language=Lua
	`
	local rem = redis.call('ZREM', KEYS[1], ARGV[1])
	if rem == 1 then
	  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	end
	return rem
	`,
)

// scheduleOneScript atomically moves one due item from the delayed ZSET to the ready LIST.
// It returns the moved member on success, or false/nil if none moved.
var scheduleOneScript = redis.NewScript(`
local dkey = KEYS[1]
local rkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', dkey, m)
if rem == 1 then
  redis.call('RPUSH', rkey, m)
  return m
end
return false
`)

// reclaimOneScript atomically returns one unacked item whose consumer deadline
// passed to the ready list.
var reclaimOneScript = redis.NewScript(`
local ukey = KEYS[1]
local rkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', ukey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', ukey, m)
if rem == 1 then
  redis.call('RPUSH', rkey, m)
  return m
end
return false
`)

// drainScript runs a one-item script until it reports nothing moved or max is reached.
func drainScript(ctx context.Context, rdb redis.UniversalClient, s *redis.Script, k []string, max int) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	moved := 0
	for ; moved < max; moved++ {
		res, err := s.Run(ctx, rdb, k, now).Result()
		if err == redis.Nil || res == nil || res == false {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// pushTargets LPUSHes env on every target queue, stamping the per-queue ttl.
func pushTargets(ctx context.Context, p redis.Pipeliner, targets []target, env envelope) {
	for _, t := range targets {
		e := env
		if t.meta.TTL > 0 {
			e.ExpiresAt = e.PublishedAt + t.meta.TTL.Milliseconds()
		}
		p.LPush(ctx, keys.For(t.queue).Ready, encodeEnvelope(e))
	}
}
