package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

type CreateSubAdminInput struct {
	Name           string
	Email          string
	Permissions    model.SubAdminPermission
	AssignedGroups []string
}

// CreateSubAdmin заводит пользователя-подложку и запись субадмина, затем в фоне
// добавляет субадмина в группу по умолчанию. Сбой фоновой части на ответ не влияет.
func (s *ChatService) CreateSubAdmin(ctx context.Context, p model.Principal, in CreateSubAdminInput) (*model.SubAdminView, error) {
	if err := requireGlobalAdmin(p); err != nil {
		return nil, err
	}
	name := cleanText(in.Name)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if name == "" {
		return nil, apperr.Invalid("name is required")
	}
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, apperr.Invalid("valid email is required")
	}
	if in.Permissions == "" {
		in.Permissions = model.PermissionViewOnly
	}
	if !in.Permissions.Valid() {
		return nil, apperr.Invalid("permissions must be view-only or full-access")
	}
	if _, err := s.principals.GetUserByEmail(ctx, email); err == nil {
		return nil, apperr.Invalid("user with this email already exists")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, storeErr("CreateSubAdmin", err, "")
	}

	now := s.now()
	user := &model.User{ID: s.newID(), Name: name, Email: email, Role: model.RoleSubAdmin, CreatedAt: now}
	if err := s.principals.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Invalid("user with this email already exists")
		}
		return nil, storeErr("CreateSubAdmin", err, "")
	}
	groups := in.AssignedGroups
	if groups == nil {
		groups = []string{}
	}
	sa := &model.SubAdmin{
		ID:             s.newID(),
		UserID:         user.ID,
		Permissions:    in.Permissions,
		AssignedGroups: groups,
		CreatedBy:      p.UserID,
		CreatedAt:      now,
	}
	if err := s.principals.CreateSubAdmin(ctx, sa); err != nil {
		if derr := s.principals.DeleteUser(ctx, user.ID); derr != nil {
			logger.L().Error("rollback subadmin user failed", zap.String("user_id", user.ID), zap.Error(derr))
		}
		return nil, storeErr("CreateSubAdmin", err, "")
	}

	s.detached.Go(ctx, "default_group_join", func(ctx context.Context) error {
		change, err := s.EnsureDefaultSubAdminGroup(ctx, sa.ID)
		if change != nil && len(change.Added) > 0 && s.onMembership != nil {
			s.onMembership(ctx, change)
		}
		return err
	})

	return &model.SubAdminView{
		ID:             sa.ID,
		User:           model.PrincipalView{ID: sa.ID, Kind: model.PrincipalSubAdmin, Name: user.Name, Email: user.Email},
		Permissions:    sa.Permissions,
		AssignedGroups: sa.AssignedGroups,
		CreatedAt:      sa.CreatedAt,
	}, nil
}

// ListSubAdmins — все субадмины, новые первыми.
func (s *ChatService) ListSubAdmins(ctx context.Context, p model.Principal) ([]model.SubAdminView, error) {
	if err := requireGlobalAdmin(p); err != nil {
		return nil, err
	}
	list, err := s.principals.ListSubAdmins(ctx)
	if err != nil {
		return nil, storeErr("ListSubAdmins", err, "")
	}
	v := s.newViewer()
	out := make([]model.SubAdminView, 0, len(list))
	for _, sa := range list {
		pv, err := v.principal(ctx, model.PrincipalRef{ID: sa.ID, Kind: model.PrincipalSubAdmin})
		if err != nil {
			return nil, err
		}
		out = append(out, model.SubAdminView{
			ID: sa.ID, User: pv, Permissions: sa.Permissions, AssignedGroups: sa.AssignedGroups, CreatedAt: sa.CreatedAt,
		})
	}
	return out, nil
}

// DeleteSubAdmin удаляет субадмина вместе с пользователем-подложкой. Если пользователь
// уже удалён, убирается только осиротевшая запись субадмина. orphan=true в этом случае.
func (s *ChatService) DeleteSubAdmin(ctx context.Context, p model.Principal, subAdminID string) (orphan bool, err error) {
	if err := requireGlobalAdmin(p); err != nil {
		return false, err
	}
	sa, err := s.principals.GetSubAdmin(ctx, subAdminID)
	if err != nil {
		return false, storeErr("DeleteSubAdmin", err, "subadmin not found")
	}
	_, err = s.principals.GetUser(ctx, sa.UserID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		orphan = true
	case err != nil:
		return false, storeErr("DeleteSubAdmin", err, "")
	}

	if err := s.principals.DeleteSubAdmin(ctx, sa.ID); err != nil {
		return false, storeErr("DeleteSubAdmin", err, "subadmin not found")
	}
	if orphan {
		logger.Infof("subadmin record %s cleaned up (user was already deleted)", sa.ID)
		return true, nil
	}
	if err := s.principals.DeleteUser(ctx, sa.UserID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, storeErr("DeleteSubAdmin", err, "")
	}
	logger.Infof("subadmin %s and backing user %s deleted", sa.ID, sa.UserID)
	return false, nil
}
