package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/storage"
)

const rateLimitWindow = time.Minute

// RateLimitAPI ограничивает запросы к /api/* по IP и по участнику (если он есть в контексте).
// Лимит на IP вдвое выше лимита на участника. 429 при превышении. Ошибка хранилища
// лимитов запрос не блокирует.
func RateLimitAPI(store storage.Store, perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = 100
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(r, store, "ip:"+clientIP(r), 2*perMinute) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			if p, ok := PrincipalFrom(r.Context()); ok {
				if !allow(r, store, "p:"+p.Ref.String(), perMinute) {
					http.Error(w, "too many requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allow(r *http.Request, store storage.Store, key string, limit int) bool {
	ok, err := store.Allow(r.Context(), key, limit, rateLimitWindow)
	if err != nil {
		logger.Errorf("rate limit store: %v", err)
		return true
	}
	return ok
}

// clientIP: X-Real-Ip, затем первый адрес X-Forwarded-For, затем RemoteAddr.
func clientIP(r *http.Request) string {
	if x := strings.TrimSpace(r.Header.Get("X-Real-Ip")); x != "" {
		return x
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		if first, _, _ := strings.Cut(x, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
