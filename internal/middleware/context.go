package middleware

import (
	"context"

	"github.com/docchat/internal/model"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal кладёт разрешённого участника в контекст запроса.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom возвращает участника, установленного Authenticator.
func PrincipalFrom(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	return p, ok
}
