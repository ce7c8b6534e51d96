package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

// resolveCandidate ищет id сначала среди субадминов, затем среди пользователей.
// Порядок важен: пространства id не обязаны быть разделены. ok=false — id неизвестен.
func (s *ChatService) resolveCandidate(ctx context.Context, id string) (model.PrincipalRef, bool, error) {
	if _, err := s.principals.GetSubAdmin(ctx, id); err == nil {
		return model.PrincipalRef{ID: id, Kind: model.PrincipalSubAdmin}, true, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return model.PrincipalRef{}, false, storeErr("resolveCandidate", err, "")
	}
	if _, err := s.principals.GetUser(ctx, id); err == nil {
		return model.PrincipalRef{ID: id, Kind: model.PrincipalUser}, true, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return model.PrincipalRef{}, false, storeErr("resolveCandidate", err, "")
	}
	return model.PrincipalRef{}, false, nil
}

// resolveMembers превращает id кандидатов в записи членства. Неизвестные id, повторы
// и id из skip молча отбрасываются.
func (s *ChatService) resolveMembers(ctx context.Context, ids []string, skip func(id string) bool, at time.Time) ([]model.Member, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]model.Member, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup || skip(id) {
			continue
		}
		seen[id] = struct{}{}
		ref, ok, err := s.resolveCandidate(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, model.Member{Principal: ref, Role: model.GroupRoleMember, JoinedAt: at})
	}
	return out, nil
}

// ListAvailableMembers — кого можно добавить в группу. Субадмины видны всем,
// пользователи и администраторы — только глобальному администратору.
func (s *ChatService) ListAvailableMembers(ctx context.Context, p model.Principal) ([]model.AvailableMember, error) {
	subAdmins, err := s.principals.ListSubAdmins(ctx)
	if err != nil {
		return nil, storeErr("ListAvailableMembers", err, "")
	}
	v := s.newViewer()
	out := make([]model.AvailableMember, 0, len(subAdmins))
	for _, sa := range subAdmins {
		pv, err := v.principal(ctx, model.PrincipalRef{ID: sa.ID, Kind: model.PrincipalSubAdmin})
		if err != nil {
			return nil, err
		}
		out = append(out, model.AvailableMember{ID: sa.ID, Name: pv.Name, Email: pv.Email, Type: "SubAdmin"})
	}
	if !p.IsAdmin() {
		return out, nil
	}
	for _, tier := range []struct {
		role model.Role
		kind string
	}{{model.RoleUser, "User"}, {model.RoleAdmin, "Admin"}} {
		users, err := s.principals.ListUsersByRole(ctx, tier.role)
		if err != nil {
			return nil, storeErr("ListAvailableMembers", err, "")
		}
		for _, u := range users {
			out = append(out, model.AvailableMember{ID: u.ID, Name: u.Name, Email: u.Email, Type: tier.kind})
		}
	}
	return out, nil
}
