package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

// PrincipalRepository — таблицы users и subadmins коллаборатора аккаунтов.
type PrincipalRepository struct {
	pool *pgxpool.Pool
}

func NewPrincipalRepository(pool *pgxpool.Pool) *PrincipalRepository {
	return &PrincipalRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.CreatedAt)
}

func scanSubAdmin(s interface{ Scan(dest ...any) error }, sa *model.SubAdmin) error {
	return s.Scan(&sa.ID, &sa.UserID, &sa.Permissions, &sa.AssignedGroups, &sa.CreatedBy, &sa.CreatedAt)
}

func (r *PrincipalRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("principal.GetUser", time.Now())()
	u := &model.User{}
	err := scanUser(r.pool.QueryRow(ctx,
		`SELECT id, name, email, role, created_at FROM users WHERE id = $1`, id), u)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("principalRepo.GetUser: %w", err)
	}
	return u, nil
}

func (r *PrincipalRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("principal.GetUserByEmail", time.Now())()
	u := &model.User{}
	err := scanUser(r.pool.QueryRow(ctx,
		`SELECT id, name, email, role, created_at FROM users WHERE LOWER(email) = LOWER($1)`, email), u)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("principalRepo.GetUserByEmail: %w", err)
	}
	return u, nil
}

func (r *PrincipalRepository) ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	defer logger.DeferLogDuration("principal.ListUsersByRole", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, email, role, created_at FROM users WHERE role = $1 ORDER BY created_at`, role)
	if err != nil {
		return nil, fmt.Errorf("principalRepo.ListUsersByRole query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, 16)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("principalRepo.ListUsersByRole scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("principalRepo.ListUsersByRole rows: %w", err)
	}
	return users, nil
}

func (r *PrincipalRepository) CreateUser(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("principal.CreateUser", time.Now())()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.Email, u.Role, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("principalRepo.CreateUser: %w", err)
	}
	return nil
}

func (r *PrincipalRepository) DeleteUser(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("principal.DeleteUser", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("principalRepo.DeleteUser: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const subAdminColumns = `id, user_id, permissions, assigned_groups, created_by, created_at`

func (r *PrincipalRepository) getSubAdmin(ctx context.Context, op, where string, arg string) (*model.SubAdmin, error) {
	sa := &model.SubAdmin{}
	err := scanSubAdmin(r.pool.QueryRow(ctx, `SELECT `+subAdminColumns+` FROM subadmins WHERE `+where, arg), sa)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sa, nil
}

func (r *PrincipalRepository) GetSubAdmin(ctx context.Context, id string) (*model.SubAdmin, error) {
	defer logger.DeferLogDuration("principal.GetSubAdmin", time.Now())()
	return r.getSubAdmin(ctx, "principalRepo.GetSubAdmin", "id = $1", id)
}

func (r *PrincipalRepository) GetSubAdminByUserID(ctx context.Context, userID string) (*model.SubAdmin, error) {
	defer logger.DeferLogDuration("principal.GetSubAdminByUserID", time.Now())()
	return r.getSubAdmin(ctx, "principalRepo.GetSubAdminByUserID", "user_id = $1", userID)
}

func (r *PrincipalRepository) ListSubAdmins(ctx context.Context) ([]model.SubAdmin, error) {
	defer logger.DeferLogDuration("principal.ListSubAdmins", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT `+subAdminColumns+` FROM subadmins ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("principalRepo.ListSubAdmins query: %w", err)
	}
	defer rows.Close()

	list := make([]model.SubAdmin, 0, 16)
	for rows.Next() {
		var sa model.SubAdmin
		if err := scanSubAdmin(rows, &sa); err != nil {
			return nil, fmt.Errorf("principalRepo.ListSubAdmins scan: %w", err)
		}
		list = append(list, sa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("principalRepo.ListSubAdmins rows: %w", err)
	}
	return list, nil
}

func (r *PrincipalRepository) CreateSubAdmin(ctx context.Context, sa *model.SubAdmin) error {
	defer logger.DeferLogDuration("principal.CreateSubAdmin", time.Now())()
	if sa.CreatedAt.IsZero() {
		sa.CreatedAt = time.Now().UTC()
	}
	groups := sa.AssignedGroups
	if groups == nil {
		groups = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO subadmins (`+subAdminColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		sa.ID, sa.UserID, sa.Permissions, groups, sa.CreatedBy, sa.CreatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("principalRepo.CreateSubAdmin: %w", err)
	}
	return nil
}

func (r *PrincipalRepository) DeleteSubAdmin(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("principal.DeleteSubAdmin", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM subadmins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("principalRepo.DeleteSubAdmin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
