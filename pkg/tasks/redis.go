package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultQueuePrefix namespaces the queue keys
const DefaultQueuePrefix = "slotkeeper:tasks:"

// claimScript atomically moves due task IDs from the due set to the
// processing set, scored by their visibility deadline.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

// requeueScript moves tasks whose visibility deadline passed back to the
// due set so another worker picks them up.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// RedisQueue stores delayed tasks in a Redis sorted set scored by run time.
// Task bodies live in a hash keyed by task ID.
type RedisQueue struct {
	client     *redis.Client
	dueKey     string
	processing string
	dataKey    string
	now        func() time.Time
}

// NewRedisQueue creates a queue on the given client. An empty prefix uses
// DefaultQueuePrefix.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	return &RedisQueue{
		client:     client,
		dueKey:     prefix + "due",
		processing: prefix + "processing",
		dataKey:    prefix + "data",
		now:        time.Now,
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Schedule enqueues a task to run after delay
func (q *RedisQueue) Schedule(ctx context.Context, ref string, args interface{}, delay time.Duration) (Handle, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	task := Task{
		ID:    Handle(uuid.NewString()),
		Ref:   ref,
		Args:  encoded,
		RunAt: q.now().Add(delay).UTC(),
	}
	if err := q.put(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (q *RedisQueue) put(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.dataKey, string(task.ID), data)
		pipe.ZRem(ctx, q.processing, string(task.ID))
		pipe.ZAdd(ctx, q.dueKey, &redis.Z{Score: score(task.RunAt), Member: string(task.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Cancel removes a scheduled task. Cancelling an unknown or finished task is
// not an error.
func (q *RedisQueue) Cancel(ctx context.Context, handle Handle) error {
	if handle == "" {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.dueKey, string(handle))
		pipe.ZRem(ctx, q.processing, string(handle))
		pipe.HDel(ctx, q.dataKey, string(handle))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", handle, err)
	}
	return nil
}

// Claim takes up to limit due tasks. Claimed tasks are hidden from other
// workers until visibility elapses; Ack or Retry must follow.
func (q *RedisQueue) Claim(ctx context.Context, limit int, visibility time.Duration) ([]Task, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.dueKey, q.processing},
		strconv.FormatInt(now.UnixMilli(), 10), limit, strconv.FormatInt(now.Add(visibility).UnixMilli(), 10),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}

	raw, _ := res.([]interface{})
	tasks := make([]Task, 0, len(raw))
	for _, item := range raw {
		id, ok := item.(string)
		if !ok {
			continue
		}
		data, err := q.client.HGet(ctx, q.dataKey, id).Result()
		if err == redis.Nil {
			// cancelled between claim and load
			q.client.ZRem(ctx, q.processing, id)
			continue
		} else if err != nil {
			return tasks, fmt.Errorf("failed to load task %s: %w", id, err)
		}
		var task Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			q.Cancel(ctx, Handle(id))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Ack removes a finished task
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	return q.Cancel(ctx, task.ID)
}

// Retry puts a claimed task back with one more attempt, due after delay
func (q *RedisQueue) Retry(ctx context.Context, task Task, delay time.Duration) error {
	task.Attempts++
	task.RunAt = q.now().Add(delay).UTC()
	return q.put(ctx, task)
}

// Requeue returns tasks whose visibility deadline passed to the due set
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.processing, q.dueKey},
		strconv.FormatInt(q.now().UnixMilli(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue tasks: %w", err)
	}
	return n, nil
}

// Pending returns the number of tasks waiting to run
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dueKey).Result()
}
