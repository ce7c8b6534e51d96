package handler

import (
	"context"
	"net/http"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/storage"
)

// PushSubscriber — хранилище подписок Web Push (push.Notifier).
type PushSubscriber interface {
	PublicKey() string
	Subscribe(ctx context.Context, owner string, sub storage.PushSubscription) error
	Unsubscribe(ctx context.Context, owner, endpoint string) error
}

// PushHandler обрабатывает подписку на пуш-уведомления (сессия обязательна).
// Владелец подписки — ссылка на участника, а не id пользователя: у субадмина свой адрес.
type PushHandler struct {
	push PushSubscriber
}

func NewPushHandler(push PushSubscriber) *PushHandler {
	return &PushHandler{push: push}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription storage.PushSubscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req SubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	sub := req.Subscription
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.push.Subscribe(r.Context(), p.Ref.String(), sub); err != nil {
		writeAppError(w, r, apperr.Upstream("failed to subscribe", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest — тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req UnsubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.push.Unsubscribe(r.Context(), p.Ref.String(), req.Endpoint); err != nil {
		writeAppError(w, r, apperr.Upstream("failed to unsubscribe", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VAPIDPublic отдаёт публичный ключ для PushManager.subscribe(). Пустой ключ — пуши выключены.
func (h *PushHandler) VAPIDPublic(w http.ResponseWriter, r *http.Request) {
	key := h.push.PublicKey()
	if key == "" {
		writeError(w, http.StatusNotFound, "push notifications are disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": key})
}
