// Package cache keeps live progress snapshots of running tasks in Redis so
// any API instance can serve them without hitting the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nadmax/rowpilot/internal/config"
	"github.com/nadmax/rowpilot/internal/task"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const progressPrefix = "rowpilot:progress:"

func progressKey(taskID string) string {
	return progressPrefix + taskID
}

type ProgressCache struct {
	client *redis.Client
	cfg    config.RedisConfig
	log    *zap.SugaredLogger
}

func NewProgressCache(cfg config.RedisConfig, log *zap.SugaredLogger) (*ProgressCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &ProgressCache{client: client, cfg: cfg, log: log}, nil
}

// Put stores the snapshot under its own key and refreshes that key's expiry,
// so a snapshot left behind by a crashed run expires on its own.
func (c *ProgressCache) Put(ctx context.Context, p *task.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, progressKey(p.TaskID), data, c.cfg.TTL).Err()
}

func (c *ProgressCache) Get(ctx context.Context, taskID string) (*task.Progress, error) {
	data, err := c.client.Get(ctx, progressKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no live progress for %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	var p task.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	return &p, nil
}

func (c *ProgressCache) All(ctx context.Context) ([]*task.Progress, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, progressPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []*task.Progress{}, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	snapshots := make([]*task.Progress, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}

		var p task.Progress
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			c.log.Warnw("skipping corrupt progress entry", "key", keys[i], "error", err)
			continue
		}
		snapshots = append(snapshots, &p)
	}

	return snapshots, nil
}

func (c *ProgressCache) Remove(ctx context.Context, taskID string) error {
	return c.client.Del(ctx, progressKey(taskID)).Err()
}

func (c *ProgressCache) Close() error {
	return c.client.Close()
}

// Nop is used when Redis is disabled.
type Nop struct{}

func (Nop) Put(context.Context, *task.Progress) error { return nil }

func (Nop) Get(_ context.Context, taskID string) (*task.Progress, error) {
	return nil, fmt.Errorf("%w: no live progress for %s", task.ErrNotFound, taskID)
}

func (Nop) All(context.Context) ([]*task.Progress, error) { return nil, nil }

func (Nop) Remove(context.Context, string) error { return nil }

func (Nop) Close() error { return nil }
