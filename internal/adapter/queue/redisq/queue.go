// Package redisq implements the broker port over Redis: a list per queue
// for FIFO delivery, a sorted set for due-time ordering of delayed retries,
// and a lease set for in-flight reservations. Reserve, ack, pump, and reap
// are Lua scripts so each is atomic under concurrent workers.
package redisq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/forgestack/agentd/internal/domain"
)

// reserveScript pops the oldest incoming payload and records its lease under
// the caller's receipt in one step, so a crash between pop and lease cannot
// lose the envelope.
const reserveScript = `
local payload = redis.call("RPOP", KEYS[1])
if not payload then
  return false
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], payload)
return payload
`

// ackScript drops the lease and its payload.
const ackScript = `
redis.call("ZREM", KEYS[1], ARGV[1])
return redis.call("HDEL", KEYS[2], ARGV[1])
`

// pumpScript moves due delayed envelopes back to the incoming list.
const pumpScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for i, payload in ipairs(due) do
  redis.call("ZREM", KEYS[1], payload)
  redis.call("LPUSH", KEYS[2], payload)
end
return #due
`

// reapScript redelivers payloads whose lease deadline passed.
const reapScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
local moved = 0
for i, receipt in ipairs(expired) do
  local payload = redis.call("HGET", KEYS[2], receipt)
  redis.call("ZREM", KEYS[1], receipt)
  redis.call("HDEL", KEYS[2], receipt)
  if payload then
    redis.call("LPUSH", KEYS[3], payload)
    moved = moved + 1
  end
end
return moved
`

// Queue implements domain.JobQueue on a Redis client.
type Queue struct {
	rdb    *redis.Client
	prefix string

	reserve *redis.Script
	ack     *redis.Script
	pump    *redis.Script
	reap    *redis.Script
}

// NewQueue creates a facade over the given client. The prefix namespaces all
// keys so several deployments can share one Redis.
func NewQueue(rdb *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "agentd"
	}
	return &Queue{
		rdb:     rdb,
		prefix:  prefix,
		reserve: redis.NewScript(reserveScript),
		ack:     redis.NewScript(ackScript),
		pump:    redis.NewScript(pumpScript),
		reap:    redis.NewScript(reapScript),
	}
}

func (q *Queue) keyIncoming() string { return q.prefix + ":incoming" }
func (q *Queue) keyDelayed() string  { return q.prefix + ":delayed" }
func (q *Queue) keyLeases() string   { return q.prefix + ":leases" }
func (q *Queue) keyInflight() string { return q.prefix + ":inflight" }
func (q *Queue) keyDead() string     { return q.prefix + ":dead" }

// Enqueue publishes an envelope to the incoming queue.
func (q *Queue) Enqueue(ctx domain.Context, env domain.QueueEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.keyIncoming(), payload).Err(); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return nil
}

// EnqueueDelayed parks an envelope until dueAt.
func (q *Queue) EnqueueDelayed(ctx domain.Context, env domain.QueueEnvelope, dueAt time.Time) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue_delayed: %w", err)
	}
	z := redis.Z{Score: float64(dueAt.Unix()), Member: payload}
	if err := q.rdb.ZAdd(ctx, q.keyDelayed(), z).Err(); err != nil {
		return fmt.Errorf("op=queue.enqueue_delayed: %w", err)
	}
	return nil
}

// Reserve leases the oldest incoming envelope for the given duration. It
// returns ErrNotFound when the queue is empty.
func (q *Queue) Reserve(ctx domain.Context, lease time.Duration) (domain.Reservation, error) {
	receipt := ulid.Make().String()
	deadline := time.Now().Add(lease).Unix()
	res, err := q.reserve.Run(ctx, q.rdb,
		[]string{q.keyIncoming(), q.keyLeases(), q.keyInflight()},
		receipt, deadline).Result()
	if err == redis.Nil || res == nil {
		return domain.Reservation{}, fmt.Errorf("op=queue.reserve: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("op=queue.reserve: %w", err)
	}
	payload, ok := res.(string)
	if !ok {
		return domain.Reservation{}, fmt.Errorf("op=queue.reserve payload type %T: %w", res, domain.ErrInternal)
	}
	var env domain.QueueEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return domain.Reservation{}, fmt.Errorf("op=queue.reserve decode: %w", err)
	}
	return domain.Reservation{Receipt: receipt, Envelope: env}, nil
}

// Ack releases a reservation. Acking an expired or unknown receipt is a
// no-op: the envelope was already redelivered and the status guard on the
// job row absorbs the duplicate.
func (q *Queue) Ack(ctx domain.Context, r domain.Reservation) error {
	if err := q.ack.Run(ctx, q.rdb, []string{q.keyLeases(), q.keyInflight()}, r.Receipt).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("op=queue.ack: %w", err)
	}
	return nil
}

// PumpDue moves envelopes whose due time passed back to the incoming queue
// and reports how many moved.
func (q *Queue) PumpDue(ctx domain.Context, now time.Time, limit int) (int, error) {
	n, err := q.pump.Run(ctx, q.rdb,
		[]string{q.keyDelayed(), q.keyIncoming()},
		now.Unix(), limit).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("op=queue.pump_due: %w", err)
	}
	return n, nil
}

// ReapExpired redelivers reservations whose lease deadline passed and
// reports how many moved.
func (q *Queue) ReapExpired(ctx domain.Context, now time.Time, limit int) (int, error) {
	n, err := q.reap.Run(ctx, q.rdb,
		[]string{q.keyLeases(), q.keyInflight(), q.keyIncoming()},
		now.Unix(), limit).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("op=queue.reap_expired: %w", err)
	}
	return n, nil
}

// PushDead parks an envelope on the dead-letter queue.
func (q *Queue) PushDead(ctx domain.Context, env domain.DeadEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=queue.push_dead: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.keyDead(), payload).Err(); err != nil {
		return fmt.Errorf("op=queue.push_dead: %w", err)
	}
	return nil
}

// ListDead returns a page of parked envelopes, newest first.
func (q *Queue) ListDead(ctx domain.Context, offset, limit int64) ([]domain.DeadEnvelope, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.rdb.LRange(ctx, q.keyDead(), offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_dead: %w", err)
	}
	out := make([]domain.DeadEnvelope, 0, len(raw))
	for _, item := range raw {
		var env domain.DeadEnvelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			return nil, fmt.Errorf("op=queue.list_dead decode: %w", err)
		}
		out = append(out, env)
	}
	return out, nil
}

// RemoveDead deletes the parked envelope for jobID. The DLQ stays small
// enough that a full scan is acceptable for an admin operation.
func (q *Queue) RemoveDead(ctx domain.Context, jobID string) (bool, error) {
	raw, err := q.rdb.LRange(ctx, q.keyDead(), 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("op=queue.remove_dead: %w", err)
	}
	for _, item := range raw {
		var env domain.DeadEnvelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			continue
		}
		if env.JobID != jobID {
			continue
		}
		n, err := q.rdb.LRem(ctx, q.keyDead(), 1, item).Result()
		if err != nil {
			return false, fmt.Errorf("op=queue.remove_dead: %w", err)
		}
		return n > 0, nil
	}
	return false, nil
}

// Depths reports the size of each broker structure.
func (q *Queue) Depths(ctx domain.Context) (domain.QueueDepths, error) {
	pipe := q.rdb.Pipeline()
	incoming := pipe.LLen(ctx, q.keyIncoming())
	delayed := pipe.ZCard(ctx, q.keyDelayed())
	reserved := pipe.ZCard(ctx, q.keyLeases())
	dead := pipe.LLen(ctx, q.keyDead())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.QueueDepths{}, fmt.Errorf("op=queue.depths: %w", err)
	}
	return domain.QueueDepths{
		Incoming: incoming.Val(),
		Delayed:  delayed.Val(),
		Reserved: reserved.Val(),
		Dead:     dead.Val(),
	}, nil
}
