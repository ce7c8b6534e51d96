// Package auth — токены доступа и разрешение сессии в участника чата.
package auth

import (
	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/model"
)

// Session — то, что слой аутентификации прикрепляет к запросу или соединению.
// SubAdminID заполняется только для роли subadmin.
type Session struct {
	UserID     string
	Role       model.Role
	SubAdminID string
	Name       string
}

// Resolve — чистое отображение сессии в участника. HTTP и WebSocket обязаны
// вызывать именно её, иначе проверки прав разойдутся.
func Resolve(s Session) (model.Principal, error) {
	if s.UserID == "" {
		return model.Principal{}, apperr.Unauthenticated("missing session")
	}
	p := model.Principal{Role: s.Role, UserID: s.UserID, Name: s.Name}
	switch s.Role {
	case model.RoleSubAdmin:
		if s.SubAdminID == "" {
			return model.Principal{}, apperr.Unauthenticated("subadmin record is not attached to session")
		}
		p.Ref = model.PrincipalRef{ID: s.SubAdminID, Kind: model.PrincipalSubAdmin}
	case model.RoleAdmin, model.RoleUser:
		p.Ref = model.PrincipalRef{ID: s.UserID, Kind: model.PrincipalUser}
	default:
		return model.Principal{}, apperr.Unauthenticated("unknown role")
	}
	return p, nil
}
