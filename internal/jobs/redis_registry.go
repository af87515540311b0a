package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix = "seriesme:job:"
	redisIndexKey  = "seriesme:jobs"
	redisMaxRetry  = 100
	redisBackoff   = time.Millisecond
)

// RedisRegistry shares jobs between agents through Redis. Each job is a JSON
// value; Update is an optimistic WATCH/MULTI transaction retried on conflict.
type RedisRegistry struct {
	cli *redis.Client
}

// RedisOptions selects the server.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisRegistry, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisRegistry(c), nil
}

func NewRedisRegistry(cli *redis.Client) *RedisRegistry {
	return &RedisRegistry{cli: cli}
}

func (r *RedisRegistry) Close() error { return r.cli.Close() }

func redisKey(id string) string { return redisKeyPrefix + id }

func (r *RedisRegistry) Create(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := r.cli.SetNX(ctx, redisKey(job.ID), b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return r.cli.SAdd(ctx, redisIndexKey, job.ID).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Job, error) {
	b, err := r.cli.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(b)
}

func (r *RedisRegistry) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	key := redisKey(id)
	var updated *Job
	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(b)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		out, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for i := 0; i < redisMaxRetry; i++ {
		err := r.cli.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Every conflict means another writer committed; back off a little.
			select {
			case <-time.After(time.Duration(i%10+1) * redisBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: too much contention", id)
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, redisKey(id))
		pipe.SRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Job, error) {
	ids, err := r.cli.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKey(id)
	}
	vals, err := r.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		job, err := decodeJob([]byte(s))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

func decodeJob(b []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
