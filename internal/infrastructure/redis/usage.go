package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-notify-escalation/internal/config"
	"github.com/redis/go-redis/v9"
)

const usageKeyPrefix = "sms:usage:"

// UsageCounter keeps per-period SMS counters in a Redis hash so every replica
// reports the same month-to-date numbers.
type UsageCounter struct {
	client redis.Cmdable
}

// NewClient connects to cfg.RedisAddr and pings it.
func NewClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

func NewUsageCounter(client redis.Cmdable) *UsageCounter {
	return &UsageCounter{client: client}
}

// Incr bumps field for period, sets the hash to expire at expireAt and
// returns the new value.
func (c *UsageCounter) Incr(ctx context.Context, period, field string, expireAt time.Time) (int64, error) {
	key := usageKeyPrefix + period
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.HIncrBy(ctx, key, field, 1)
		p.ExpireAt(ctx, key, expireAt)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Get returns every counter stored for period. Missing periods yield an empty map.
func (c *UsageCounter) Get(ctx context.Context, period string) (map[string]int64, error) {
	raw, err := c.client.HGetAll(ctx, usageKeyPrefix+period).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("usage counter %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}
