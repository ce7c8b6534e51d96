package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/fileserver"
	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/metrics"
	"github.com/docchat/internal/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

var (
	errNoWriteAccess = apperr.Denied("you don't have access to this chat group or it's muted")
	errNoReadAccess  = apperr.Denied("you don't have access to this chat group")
)

// ReactionResult — сообщение после переключения реакции.
type ReactionResult struct {
	Message *model.MessageView
	Added   bool
}

// persist сохраняет сообщение и отдельной записью переставляет указатель группы.
// Две записи не связаны транзакцией: если вторая не удалась, сообщение остаётся,
// а last_message_id отстаёт до следующего успешного сообщения в группе
// (TouchActivity двигает указатель только вперёд).
func (s *ChatService) persist(ctx context.Context, m *model.Message) error {
	if err := s.messages.Create(ctx, m); err != nil {
		return storeErr("persist", err, "")
	}
	metrics.Messages.WithLabelValues(string(m.Type)).Inc()
	if err := s.groups.TouchActivity(ctx, m.GroupID, m.ID, m.CreatedAt); err != nil {
		metrics.PointerUpdateFailures.Inc()
		logger.L().Warn("group pointer update failed, message kept",
			zap.String("group_id", m.GroupID), zap.String("message_id", m.ID), zap.Error(err))
	}
	return nil
}

func (s *ChatService) newMessage(groupID string, sender model.PrincipalRef, typ model.MessageType, at time.Time) *model.Message {
	return &model.Message{
		ID:        s.newID(),
		GroupID:   groupID,
		Sender:    sender,
		Type:      typ,
		Reactions: []model.Reaction{},
		ReadBy:    []model.ReadReceipt{},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func (s *ChatService) postSystemMessage(ctx context.Context, v *viewer, groupID string, sender model.PrincipalRef, content string) (*model.MessageView, error) {
	m := s.newMessage(groupID, sender, model.MessageTypeSystem, s.now())
	m.Content = content
	if err := s.persist(ctx, m); err != nil {
		return nil, err
	}
	return v.message(ctx, m)
}

// SendMessage сохраняет текстовое сообщение участника.
func (s *ChatService) SendMessage(ctx context.Context, p model.Principal, groupID, content string, typ model.MessageType) (*model.MessageView, error) {
	g, err := s.accessibleGroup(ctx, p, groupID, CanWrite, errNoWriteAccess)
	if err != nil {
		return nil, err
	}
	if typ == "" {
		typ = model.MessageTypeText
	}
	if typ != model.MessageTypeText {
		if typ.IsFile() {
			return nil, apperr.Invalid("use file upload for image and file messages")
		}
		return nil, apperr.Invalid("invalid message type")
	}
	content = cleanText(content)
	if content == "" {
		return nil, apperr.Invalid("message content is required")
	}
	if utf8.RuneCountInString(content) > model.MaxMessageContentLen {
		return nil, apperr.Invalid(fmt.Sprintf("message must be at most %d characters", model.MaxMessageContentLen))
	}

	m := s.newMessage(g.ID, p.Ref, typ, s.now())
	m.Content = content
	if err := s.persist(ctx, m); err != nil {
		return nil, err
	}
	return s.newViewer().message(ctx, m)
}

// SendFileMessage загружает вложение во внешнее хранилище и сохраняет сообщение со ссылкой.
// Отсутствующий файл — InvalidArgument, отказ хранилища — UpstreamFailure.
func (s *ChatService) SendFileMessage(ctx context.Context, p model.Principal, groupID string, file *fileserver.File, typ model.MessageType) (*model.MessageView, error) {
	g, err := s.accessibleGroup(ctx, p, groupID, CanWrite, errNoWriteAccess)
	if err != nil {
		return nil, err
	}
	if typ != "" && !typ.IsFile() {
		return nil, apperr.Invalid("message type must be image or file")
	}
	if file == nil || file.Body == nil || strings.TrimSpace(file.Name) == "" {
		return nil, apperr.Invalid("file is required")
	}
	if s.uploader == nil {
		return nil, apperr.Upstream("file storage is not configured", nil)
	}

	uploaded, err := s.uploader.Upload(ctx, *file)
	if err != nil {
		return nil, uploadErr(err)
	}
	if typ == "" {
		typ = model.MessageType(uploaded.ContentType)
		if !typ.IsFile() {
			typ = model.MessageTypeFile
		}
	}

	m := s.newMessage(g.ID, p.Ref, typ, s.now())
	m.FileURL = uploaded.URL
	m.FileName = uploaded.FileName
	m.FileSize = uploaded.FileSize
	if err := s.persist(ctx, m); err != nil {
		return nil, err
	}
	return s.newViewer().message(ctx, m)
}

func uploadErr(err error) error {
	var remote *fileserver.RemoteError
	switch {
	case errors.Is(err, fileserver.ErrTypeNotAllowed), errors.Is(err, fileserver.ErrContentMismatch):
		return apperr.Invalid(err.Error())
	case errors.As(err, &remote) && remote.Status >= 400 && remote.Status < 500 && remote.Message != "":
		return apperr.Invalid(remote.Message)
	default:
		return apperr.Upstream("file upload failed", err)
	}
}

// loadMessage возвращает неудалённое сообщение вместе с его группой.
func (s *ChatService) loadMessage(ctx context.Context, messageID string) (*model.Message, *model.Group, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, storeErr("loadMessage", err, "message not found")
	}
	if m.IsDeleted {
		return nil, nil, apperr.NotFound("message not found")
	}
	g, err := s.loadGroup(ctx, m.GroupID)
	if err != nil {
		return nil, nil, err
	}
	return m, g, nil
}

// ToggleReaction снимает реакцию (участник, emoji), если она есть, иначе ставит.
func (s *ChatService) ToggleReaction(ctx context.Context, p model.Principal, messageID, emoji string) (*ReactionResult, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, apperr.Invalid("emoji is required")
	}
	_, g, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !CanRead(p, g) {
		return nil, errNoReadAccess
	}
	added, err := s.messages.ToggleReaction(ctx, messageID, model.Reaction{Principal: p.Ref, Emoji: emoji, CreatedAt: s.now()})
	if err != nil {
		return nil, storeErr("ToggleReaction", err, "message not found")
	}
	updated, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, storeErr("ToggleReaction", err, "message not found")
	}
	view, err := s.newViewer().message(ctx, updated)
	if err != nil {
		return nil, err
	}
	return &ReactionResult{Message: view, Added: added}, nil
}

// ListMessages отдаёт страницу неудалённых сообщений. Страницы считаются от новых
// к старым, внутри страницы порядок — от старых к новым.
func (s *ChatService) ListMessages(ctx context.Context, p model.Principal, groupID string, page, limit int) (*model.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	g, err := s.accessibleGroup(ctx, p, groupID, CanRead, errNoReadAccess)
	if err != nil {
		return nil, err
	}

	total, err := s.messages.CountByGroup(ctx, g.ID)
	if err != nil {
		return nil, storeErr("ListMessages", err, "")
	}
	msgs, err := s.messages.ListByGroup(ctx, g.ID, (page-1)*limit, limit)
	if err != nil {
		return nil, storeErr("ListMessages", err, "")
	}

	v := s.newViewer()
	views := make([]model.MessageView, len(msgs))
	for i := range msgs {
		mv, err := v.message(ctx, &msgs[i])
		if err != nil {
			return nil, err
		}
		views[len(msgs)-1-i] = *mv
	}
	return &model.MessagePage{
		Messages:      views,
		TotalMessages: total,
		CurrentPage:   page,
		TotalPages:    int((total + int64(limit) - 1) / int64(limit)),
	}, nil
}

// MarkRead отмечает прочитанными все сообщения группы; повторный вызов ничего не меняет.
func (s *ChatService) MarkRead(ctx context.Context, p model.Principal, groupID string) (int64, error) {
	g, err := s.accessibleGroup(ctx, p, groupID, CanRead, errNoReadAccess)
	if err != nil {
		return 0, err
	}
	n, err := s.messages.MarkRead(ctx, g.ID, p.Ref, s.now())
	if err != nil {
		return 0, storeErr("MarkRead", err, "")
	}
	return n, nil
}

// DeleteMessage мягко удаляет сообщение. Доступно отправителю и глобальному администратору.
// Указатель группы на последнее сообщение не трогается.
func (s *ChatService) DeleteMessage(ctx context.Context, p model.Principal, messageID string) (*model.MessageView, error) {
	m, _, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !m.Sender.Equal(p.Ref) && !p.IsAdmin() {
		return nil, apperr.Denied("only the sender or an admin can delete this message")
	}
	if err := s.messages.SoftDelete(ctx, m.ID, s.now()); err != nil {
		return nil, storeErr("DeleteMessage", err, "message not found")
	}
	deleted, err := s.messages.GetByID(ctx, m.ID)
	if err != nil {
		return nil, storeErr("DeleteMessage", err, "message not found")
	}
	return s.newViewer().message(ctx, deleted)
}
