package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "sheetwatch:baseline:"

// Redis keeps the queue in a list and the dedupe set in a set, so pending
// work survives a restart.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client), nil
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: defaultPrefix}
}

func (q *Redis) listKey() string { return q.prefix + "queue" }
func (q *Redis) setKey() string  { return q.prefix + "queued" }

func (q *Redis) Enqueue(ctx context.Context, id string) (bool, error) {
	added, err := q.client.SAdd(ctx, q.setKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("mark queued %s: %w", id, err)
	}
	if added == 0 {
		return false, nil
	}
	if err := q.client.RPush(ctx, q.listKey(), id).Err(); err != nil {
		_ = q.client.SRem(ctx, q.setKey(), id).Err()
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	return true, nil
}

func (q *Redis) Drain(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]string, 0, limit)
	for len(out) < limit {
		id, err := q.client.LPop(ctx, q.listKey()).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("drain baseline queue: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (q *Redis) Done(ctx context.Context, id string) error {
	if err := q.client.SRem(ctx, q.setKey(), id).Err(); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("baseline queue length: %w", err)
	}
	return int(n), nil
}

// Recover re-queues ids that were popped but never released, which happens
// when the process stops mid-batch.
func (q *Redis) Recover(ctx context.Context) error {
	members, err := q.client.SMembers(ctx, q.setKey()).Result()
	if err != nil {
		return fmt.Errorf("read queued set: %w", err)
	}
	listed, err := q.client.LRange(ctx, q.listKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read baseline queue: %w", err)
	}
	inList := make(map[string]struct{}, len(listed))
	for _, id := range listed {
		inList[id] = struct{}{}
	}
	for _, id := range members {
		if _, ok := inList[id]; ok {
			continue
		}
		if err := q.client.RPush(ctx, q.listKey(), id).Err(); err != nil {
			return fmt.Errorf("requeue %s: %w", id, err)
		}
	}
	return nil
}

func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Redis) Close() error {
	return q.client.Close()
}
