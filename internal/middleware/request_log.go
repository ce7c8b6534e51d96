package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/internal/logger"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус и время выполнения.
// Медленные запросы пишутся в info, ошибки сервера в warn, остальное в debug.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r)
		elapsed := time.Since(start)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrap.status),
			zap.Duration("duration", elapsed),
		}
		switch {
		case wrap.status >= http.StatusInternalServerError:
			logger.L().Warn("http request", fields...)
		case elapsed > 100*time.Millisecond:
			logger.L().Info("http request", fields...)
		default:
			logger.L().Debug("http request", fields...)
		}
	})
}
