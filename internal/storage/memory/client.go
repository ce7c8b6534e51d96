package memory

import (
	"context"
	"sync"
	"time"

	"github.com/docchat/internal/storage"
)

type Client struct {
	mu    sync.Mutex
	limit map[string][]time.Time
	subs  map[string][]storage.PushSubscription
	now   func() time.Time
}

func New() *Client {
	return &Client{
		limit: make(map[string][]time.Time),
		subs:  make(map[string][]storage.PushSubscription),
		now:   time.Now,
	}
}

func (c *Client) Close() error { return nil }

// Allow — скользящее окно по отметкам времени.
func (c *Client) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cut := now.Add(-window)
	var kept []time.Time
	for _, t := range c.limit[key] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		c.limit[key] = kept
		return false, nil
	}
	c.limit[key] = append(kept, now)
	return true, nil
}

func (c *Client) AddPushSubscription(_ context.Context, owner string, sub storage.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := without(c.subs[owner], sub.Endpoint)
	list = append(list, sub)
	if len(list) > storage.MaxSubscriptionsPerOwner {
		list = list[len(list)-storage.MaxSubscriptionsPerOwner:]
	}
	c.subs[owner] = list
	return nil
}

func (c *Client) RemovePushSubscription(_ context.Context, owner, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := without(c.subs[owner], endpoint)
	if len(list) == 0 {
		delete(c.subs, owner)
		return nil
	}
	c.subs[owner] = list
	return nil
}

func (c *Client) PushSubscriptions(_ context.Context, owner string) ([]storage.PushSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]storage.PushSubscription(nil), c.subs[owner]...), nil
}

func without(list []storage.PushSubscription, endpoint string) []storage.PushSubscription {
	out := make([]storage.PushSubscription, 0, len(list))
	for _, s := range list {
		if s.Endpoint != endpoint {
			out = append(out, s)
		}
	}
	return out
}
