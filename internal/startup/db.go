package startup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docchat/internal/logger"
)

// ConnectDBWithRetry подключается к Postgres с повторами; при недоступности БД не роняет процесс сразу.
// logPrefix добавляется к сообщениям лога (например "api: ").
func ConnectDBWithRetry(poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) *pgxpool.Pool {
	return retry("db connect", maxWait, logPrefix, func() (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return pool, nil
	})
}

// EmbeddedPostgres — локальный Postgres для флага -dev (внешняя БД не нужна).
type EmbeddedPostgres struct {
	db  *embeddedpostgres.EmbeddedPostgres
	URL string
}

func StartEmbeddedPostgres(dataDir string) (*EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "docchat"
		password = "docchat_secret"
		database = "docchat"
	)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return &EmbeddedPostgres{
		db:  db,
		URL: fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database),
	}, nil
}

func (e *EmbeddedPostgres) Stop() {
	logger.Info("stopping embedded postgres...")
	if err := e.db.Stop(); err != nil {
		logger.Errorf("embedded postgres stop: %v", err)
	}
}
