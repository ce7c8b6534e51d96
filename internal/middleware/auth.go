package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/auth"
	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

const AccessTokenCookie = "accessToken"

// Authenticator проверяет access-токен, подгружает учётную запись и, для субадмина,
// его запись; затем разрешает участника через auth.Resolve. HTTP и WebSocket
// проходят через него одинаково.
type Authenticator struct {
	principals repository.PrincipalStore
	secret     string
}

func NewAuthenticator(principals repository.PrincipalStore, secret string) *Authenticator {
	return &Authenticator{principals: principals, secret: secret}
}

// TokenFromRequest: Authorization: Bearer, затем cookie accessToken, затем ?token=
// (браузерный WebSocket не умеет ставить заголовки).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// Principal разрешает участника по токену.
func (a *Authenticator) Principal(ctx context.Context, token string) (model.Principal, error) {
	if token == "" {
		return model.Principal{}, apperr.Unauthenticated("authentication token required")
	}
	claims, err := auth.ParseToken(token, a.secret)
	if err != nil {
		logger.L().Debug("token rejected", zap.String("token", MaskToken(token)), zap.Error(err))
		return model.Principal{}, apperr.Unauthenticated("invalid access token")
	}
	user, err := a.principals.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Principal{}, apperr.Unauthenticated("user not found")
		}
		return model.Principal{}, apperr.Upstream("failed to load user", err)
	}
	// Роль берётся из учётной записи, а не из токена: её могли сменить после выдачи.
	s := auth.Session{UserID: user.ID, Role: user.Role, Name: user.Name}
	if user.Role == model.RoleSubAdmin {
		sa, err := a.principals.GetSubAdminByUserID(ctx, user.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return model.Principal{}, apperr.Unauthenticated("subadmin profile not found")
		case err != nil:
			return model.Principal{}, apperr.Upstream("failed to load subadmin", err)
		}
		s.SubAdminID = sa.ID
	}
	return auth.Resolve(s)
}

// Middleware отклоняет запрос без действительного токена (401) и кладёт участника в контекст.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Principal(r.Context(), TokenFromRequest(r))
		if err != nil {
			writeAppError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apperr.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": apperr.Message(err), "code": string(kind)})
}
