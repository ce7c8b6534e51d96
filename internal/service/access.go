package service

import (
	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/model"
)

// CanRead: глобальный администратор видит любую группу, остальные — только активные группы,
// в которых состоят.
func CanRead(p model.Principal, g *model.Group) bool {
	if p.IsAdmin() {
		return true
	}
	if !g.IsActive {
		return false
	}
	_, ok := g.FindMember(p.Ref)
	return ok
}

// CanWrite — CanRead в незаглушённой группе. Заглушение действует и на администратора.
func CanWrite(p model.Principal, g *model.Group) bool {
	return CanRead(p, g) && !g.IsMuted
}

// CanAdminister — администратор группы или её создатель. Глобальная роль здесь не учитывается.
func CanAdminister(p model.Principal, g *model.Group) bool {
	if g.CreatedBy.Equal(p.Ref) {
		return true
	}
	m, ok := g.FindMember(p.Ref)
	return ok && m.Role == model.GroupRoleAdmin
}

func requireGlobalAdmin(p model.Principal) error {
	if !p.IsAdmin() {
		return apperr.Denied("admin access required")
	}
	return nil
}
