package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docchat/internal/logger"
	"github.com/docchat/migrations"
)

// Migrate применяет встроенные миграции по порядку имён. Миграции идемпотентны
// (IF NOT EXISTS), поэтому повторный запуск безопасен.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	files, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("migrate: list: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		data, err := migrations.Files.ReadFile(f)
		if err != nil {
			return fmt.Errorf("migrate: read %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("migrate: run %s: %w", f, err)
		}
		logger.Debugf("migration %s applied", f)
	}
	logger.Info("migrations applied")
	return nil
}
