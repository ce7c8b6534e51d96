// Package service — ядро чата: права доступа, жизненный цикл групп и сообщений,
// представления с разрешёнными отправителями. Один и тот же ChatService
// обслуживает HTTP-обработчики и WebSocket-хаб.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/fileserver"
	"github.com/docchat/internal/repository"
)

type ChatService struct {
	groups     repository.GroupStore
	messages   repository.MessageStore
	principals repository.PrincipalStore
	uploader   fileserver.Uploader
	detached   *Detacher
	// onMembership получает изменения состава, сделанные фоновыми задачами.
	onMembership func(ctx context.Context, change *MembershipChange)

	now   func() time.Time
	newID func() string
}

type Option func(*ChatService)

// WithUploader подключает хранилище вложений. Без него файловые сообщения недоступны.
func WithUploader(u fileserver.Uploader) Option {
	return func(s *ChatService) { s.uploader = u }
}

// WithMembershipHook подписывает слушателя на изменения состава групп,
// которые происходят вне запроса (автовступление в группу по умолчанию).
func WithMembershipHook(fn func(ctx context.Context, change *MembershipChange)) Option {
	return func(s *ChatService) { s.onMembership = fn }
}

// WithClock подменяет часы (тесты).
func WithClock(now func() time.Time) Option {
	return func(s *ChatService) { s.now = now }
}

func NewChatService(stores repository.Stores, detached *Detacher, opts ...Option) *ChatService {
	s := &ChatService{
		groups:     stores.Groups,
		messages:   stores.Messages,
		principals: stores.Principals,
		detached:   detached,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.detached == nil {
		s.detached = NewDetacher(defaultDetachedTimeout)
	}
	return s
}

// storeErr переводит ошибку хранилища в таксономию: отсутствие записи — NotFound,
// остальное — UpstreamFailure.
func storeErr(op string, err error, notFoundMsg string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(notFoundMsg)
	}
	return apperr.Upstream("storage unavailable", fmt.Errorf("%s: %w", op, err))
}
