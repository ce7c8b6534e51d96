// Package postgres — хранилище чата в PostgreSQL (pgx). Группа и её участники
// лежат в разных таблицах, но каждая операция над членством идёт одной транзакцией.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docchat/internal/repository"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// New возвращает набор хранилищ поверх пула. Пул закрывает вызывающий.
func New(pool *pgxpool.Pool) repository.Stores {
	return repository.Stores{
		Groups:     NewGroupRepository(pool),
		Messages:   NewMessageRepository(pool),
		Principals: NewPrincipalRepository(pool),
		Close: func(context.Context) error {
			pool.Close()
			return nil
		},
	}
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool { return pgCode(err) == codeUniqueViolation }
