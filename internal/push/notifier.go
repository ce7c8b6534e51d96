// Package push — Web Push подсказки участникам без активной WebSocket-сессии.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/metrics"
	"github.com/docchat/internal/storage"
)

// Notification — полезная нагрузка уведомления, которую разбирает service worker.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier рассылает уведомления по подпискам из storage.Store. Без VAPID-ключей
// подписки сохраняются, но отправка не выполняется.
type Notifier struct {
	store storage.Store
	opts  *webpush.Options
}

func NewNotifier(store storage.Store, keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{store: store}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		n.opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return n
}

// WithHTTPClient подменяет HTTP-клиент отправки (тесты).
func (n *Notifier) WithHTTPClient(c webpush.HTTPClient) *Notifier {
	if n.opts != nil {
		n.opts.HTTPClient = c
	}
	return n
}

func (n *Notifier) Enabled() bool { return n.opts != nil }

func (n *Notifier) PublicKey() string {
	if n.opts == nil {
		return ""
	}
	return n.opts.VAPIDPublicKey
}

func (n *Notifier) Subscribe(ctx context.Context, owner string, sub storage.PushSubscription) error {
	return n.store.AddPushSubscription(ctx, owner, sub)
}

func (n *Notifier) Unsubscribe(ctx context.Context, owner, endpoint string) error {
	return n.store.RemovePushSubscription(ctx, owner, endpoint)
}

// Notify отправляет уведомление на все подписки владельца. Просроченные подписки
// (404/410 от push-сервиса) удаляются. Возвращает число успешных отправок.
func (n *Notifier) Notify(ctx context.Context, owner string, msg Notification) (int, error) {
	if n.opts == nil {
		return 0, nil
	}
	subs, err := n.store.PushSubscriptions(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("load subscriptions: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	sent := 0
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, n.opts)
		if err != nil {
			metrics.PushSent.WithLabelValues("error").Inc()
			logger.L().Warn("push send failed", zap.String("endpoint", shortEndpoint(sub.Endpoint)), zap.Error(err))
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			metrics.PushSent.WithLabelValues("expired").Inc()
			if err := n.store.RemovePushSubscription(ctx, owner, sub.Endpoint); err != nil {
				logger.Errorf("push remove expired subscription: %v", err)
			}
		case resp.StatusCode >= 300:
			metrics.PushSent.WithLabelValues("rejected").Inc()
			logger.Warnf("push rejected: %d %s", resp.StatusCode, shortEndpoint(sub.Endpoint))
		default:
			metrics.PushSent.WithLabelValues("sent").Inc()
			sent++
		}
	}
	return sent, nil
}

func shortEndpoint(s string) string {
	return s[:min(50, len(s))]
}
