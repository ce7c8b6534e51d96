package startup

import (
	"context"
	"time"

	"github.com/docchat/internal/storage"
	storemem "github.com/docchat/internal/storage/memory"
	redisstorage "github.com/docchat/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
// logPrefix добавляется к сообщениям лога (например "api: ").
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	return retry("redis connect", maxWait, logPrefix, func() (*redisstorage.Client, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return redisstorage.New(ctx, redisURL)
	})
}

// EphemeralStore — Redis, если задан URL, иначе хранилище в памяти процесса
// (лимиты и подписки не переживут перезапуск и не делятся между репликами).
func EphemeralStore(redisURL string, maxWait time.Duration, logPrefix string) storage.Store {
	if redisURL == "" {
		return storemem.New()
	}
	return ConnectRedisWithRetry(redisURL, maxWait, logPrefix)
}
