package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/fileserver"
	"github.com/docchat/internal/model"
	"github.com/docchat/internal/service"
	"github.com/docchat/internal/ws"
)

// Broadcaster — живая рассылка. HTTP-путь публикует события так же, как WebSocket.
type Broadcaster interface {
	PublishNewMessage(ctx context.Context, m *model.MessageView)
	PublishMessageUpdated(m *model.MessageView)
	PublishMembership(ctx context.Context, change *service.MembershipChange)
	PublishGroupState(groupID, updateType string)
}

type ChatHandler struct {
	svc       *service.ChatService
	live      Broadcaster
	maxUpload int64
}

func NewChatHandler(svc *service.ChatService, live Broadcaster, maxUpload int64) *ChatHandler {
	return &ChatHandler{svc: svc, live: live, maxUpload: maxUpload}
}

type CreateGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	MemberIDs   []string `json:"member_ids"`
}

func (h *ChatHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req CreateGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	g, err := h.svc.CreateGroup(r.Context(), p, service.CreateGroupInput{
		Name:        req.Name,
		Description: req.Description,
		Kind:        model.GroupKind(req.Type),
		MemberIDs:   req.MemberIDs,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *ChatHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	groups, err := h.svc.ListGroupsFor(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if groups == nil {
		groups = []model.GroupView{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	page, err := h.svc.ListMessages(r.Context(), p, chi.URLParam(r, "groupId"),
		queryInt(r, "page", 1), queryInt(r, "limit", service.DefaultPageSize))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type SendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	msg, err := h.svc.SendMessage(r.Context(), p, chi.URLParam(r, "groupId"), req.Content, model.MessageType(req.MessageType))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	h.live.PublishNewMessage(r.Context(), msg)
	writeJSON(w, http.StatusCreated, msg)
}

// SendFileMessage принимает multipart с полем file. Без файла запрос всё равно
// уходит в сервис: проверка доступа к группе идёт раньше проверки файла.
func (h *ChatHandler) SendFileMessage(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	var file *fileserver.File
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAppError(w, r, apperr.Invalid("file too large"))
			return
		}
		if !errors.Is(err, http.ErrNotMultipart) {
			writeAppError(w, r, apperr.Invalid("invalid multipart form"))
			return
		}
	} else {
		defer r.MultipartForm.RemoveAll()
		if f, fh, err := r.FormFile("file"); err == nil {
			defer f.Close()
			file = &fileserver.File{Name: fh.Filename, Size: fh.Size, Body: f}
		}
	}
	msg, err := h.svc.SendFileMessage(r.Context(), p, chi.URLParam(r, "groupId"), file,
		model.MessageType(r.FormValue("message_type")))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	h.live.PublishNewMessage(r.Context(), msg)
	writeJSON(w, http.StatusCreated, msg)
}

type AddMembersRequest struct {
	MemberIDs []string `json:"member_ids"`
}

func (h *ChatHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req AddMembersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	change, err := h.svc.AddMembers(r.Context(), p, chi.URLParam(r, "groupId"), req.MemberIDs)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	h.live.PublishMembership(r.Context(), change)
	writeJSON(w, http.StatusOK, map[string]int{"added_count": len(change.Added)})
}

func (h *ChatHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	change, err := h.svc.RemoveMember(r.Context(), p, chi.URLParam(r, "groupId"), chi.URLParam(r, "memberId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	h.live.PublishMembership(r.Context(), change)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	n, err := h.svc.MarkRead(r.Context(), p, chi.URLParam(r, "groupId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked_count": n})
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

func (h *ChatHandler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req ReactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	res, err := h.svc.ToggleReaction(r.Context(), p, chi.URLParam(r, "messageId"), req.Emoji)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	h.live.PublishMessageUpdated(res.Message)
	writeJSON(w, http.StatusOK, map[string]any{"message": res.Message, "added": res.Added})
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	msg, err := h.svc.DeleteMessage(r.Context(), p, chi.URLParam(r, "messageId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	h.live.PublishMessageUpdated(msg)
	w.WriteHeader(http.StatusNoContent)
}

type ManageRequest struct {
	Action  string `json:"action"`
	IsMuted bool   `json:"is_muted"`
}

func (h *ChatHandler) Manage(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req ManageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	groupID := chi.URLParam(r, "groupId")
	if err := h.svc.Manage(r.Context(), p, groupID, req.Action, req.IsMuted); err != nil {
		writeAppError(w, r, err)
		return
	}
	switch {
	case req.Action == service.ManageActionDelete:
		h.live.PublishGroupState(groupID, ws.UpdateDeactivated)
	case req.IsMuted:
		h.live.PublishGroupState(groupID, ws.UpdateMuted)
	default:
		h.live.PublishGroupState(groupID, ws.UpdateUnmuted)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ChatHandler) AvailableMembers(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	members, err := h.svc.ListAvailableMembers(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if members == nil {
		members = []model.AvailableMember{}
	}
	writeJSON(w, http.StatusOK, members)
}
