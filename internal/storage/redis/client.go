package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docchat/internal/storage"
)

const (
	rateKeyPrefix = "rate:"
	subsKeyPrefix = "push:subs:"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Allow — фиксированное окно на INCR: первый инкремент ставит TTL окна.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := rateKeyPrefix + key
	n, err := c.cli.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, k, window)
	}
	return n <= int64(limit), nil
}

// AddPushSubscription хранит подписки списком: последние MaxSubscriptionsPerOwner, TTL 30 дней.
func (c *Client) AddPushSubscription(ctx context.Context, owner string, sub storage.PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("subscription encode: %w", err)
	}
	if err := c.RemovePushSubscription(ctx, owner, sub.Endpoint); err != nil {
		return err
	}
	key := subsKeyPrefix + owner
	pipe := c.cli.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -storage.MaxSubscriptionsPerOwner, -1)
	pipe.Expire(ctx, key, storage.SubscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) RemovePushSubscription(ctx context.Context, owner, endpoint string) error {
	key := subsKeyPrefix + owner
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) != nil || sub.Endpoint == endpoint {
			if err := c.cli.LRem(ctx, key, 0, item).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, owner string) ([]storage.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, subsKeyPrefix+owner, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]storage.PushSubscription, 0, len(list))
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// FlushDB очищает текущую БД Redis (сброс окон rate limit при тестах/перезапуске).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
