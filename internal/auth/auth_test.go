package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/model"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		session Session
		want    model.PrincipalRef
		wantErr bool
	}{
		{"user", Session{UserID: "u1", Role: model.RoleUser}, model.PrincipalRef{ID: "u1", Kind: model.PrincipalUser}, false},
		{"admin acts as user", Session{UserID: "a1", Role: model.RoleAdmin}, model.PrincipalRef{ID: "a1", Kind: model.PrincipalUser}, false},
		{"subadmin uses own id", Session{UserID: "u2", Role: model.RoleSubAdmin, SubAdminID: "s1"}, model.PrincipalRef{ID: "s1", Kind: model.PrincipalSubAdmin}, false},
		{"subadmin without record", Session{UserID: "u2", Role: model.RoleSubAdmin}, model.PrincipalRef{}, true},
		{"unknown role", Session{UserID: "u3", Role: "guest"}, model.PrincipalRef{}, true},
		{"empty", Session{}, model.PrincipalRef{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Resolve(tt.session)
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrUnauthenticated) {
					t.Fatalf("err = %v, want unauthenticated", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if !p.Ref.Equal(tt.want) {
				t.Errorf("ref = %v, want %v", p.Ref, tt.want)
			}
			if p.UserID != tt.session.UserID {
				t.Errorf("UserID = %q", p.UserID)
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := GenerateToken("u1", model.RoleSubAdmin, "secret", "docchat", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseToken(tok, "secret")
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.UserID != "u1" || claims.Role != model.RoleSubAdmin {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseTokenRejects(t *testing.T) {
	expired, _ := GenerateToken("u1", model.RoleUser, "secret", "docchat", -time.Minute)
	good, _ := GenerateToken("u1", model.RoleUser, "secret", "docchat", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tc := range map[string]struct{ token, secret string }{
		"expired":      {expired, "secret"},
		"wrong secret": {good, "other"},
		"alg none":     {none, "secret"},
		"garbage":      {"not.a.token", "secret"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseToken(tc.token, tc.secret); err == nil || !strings.Contains(err.Error(), "token") {
				t.Errorf("expected parse error, got %v", err)
			}
		})
	}
}
