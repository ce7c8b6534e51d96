package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/service"
)

// SubAdminHandler — управление субадминами, только для администратора.
type SubAdminHandler struct {
	svc *service.ChatService
}

func NewSubAdminHandler(svc *service.ChatService) *SubAdminHandler {
	return &SubAdminHandler{svc: svc}
}

type CreateSubAdminRequest struct {
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	Permissions    string   `json:"permissions"`
	AssignedGroups []string `json:"assigned_groups"`
}

func (h *SubAdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	var req CreateSubAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	sa, err := h.svc.CreateSubAdmin(r.Context(), p, service.CreateSubAdminInput{
		Name:           req.Name,
		Email:          req.Email,
		Permissions:    model.SubAdminPermission(req.Permissions),
		AssignedGroups: req.AssignedGroups,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sa)
}

func (h *SubAdminHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	list, err := h.svc.ListSubAdmins(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *SubAdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	orphan, err := h.svc.DeleteSubAdmin(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	msg := "subadmin deleted"
	if orphan {
		msg = "orphan subadmin record cleaned up"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}
