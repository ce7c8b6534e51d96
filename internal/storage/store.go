package storage

import (
	"context"
	"time"
)

// PushSubscription — подписка из браузера (PushManager.subscribe()).
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Store — эфемерное состояние API: окна rate limit и подписки Web Push.
// Реализации: redis.Client, memory.Client (для -dev и тестов без Redis).
type Store interface {
	// Allow засчитывает событие по ключу и сообщает, укладывается ли оно в limit за window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// AddPushSubscription сохраняет подписку владельца; подписка с тем же endpoint заменяется.
	AddPushSubscription(ctx context.Context, owner string, sub PushSubscription) error
	RemovePushSubscription(ctx context.Context, owner, endpoint string) error
	PushSubscriptions(ctx context.Context, owner string) ([]PushSubscription, error)
	Close() error
}

const (
	MaxSubscriptionsPerOwner = 10
	SubscriptionTTL          = 30 * 24 * time.Hour
)
