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

type GroupRepository struct {
	pool *pgxpool.Pool
}

func NewGroupRepository(pool *pgxpool.Pool) *GroupRepository {
	return &GroupRepository{pool: pool}
}

const groupColumns = `id, name, description, kind, created_by_id, created_by_kind,
	is_active, is_muted, last_message_id, last_activity_at, created_at, updated_at`

func scanGroup(s interface{ Scan(dest ...any) error }, g *model.Group) error {
	var lastMessageID *string
	if err := s.Scan(&g.ID, &g.Name, &g.Description, &g.Kind, &g.CreatedBy.ID, &g.CreatedBy.Kind,
		&g.IsActive, &g.IsMuted, &lastMessageID, &g.LastActivityAt, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return err
	}
	if lastMessageID != nil {
		g.LastMessageID = *lastMessageID
	}
	return nil
}

func (r *GroupRepository) Create(ctx context.Context, g *model.Group) error {
	defer logger.DeferLogDuration("group.Create", time.Now())()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO chat_groups (`+groupColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)`,
			g.ID, g.Name, g.Description, g.Kind, g.CreatedBy.ID, g.CreatedBy.Kind,
			g.IsActive, g.IsMuted, g.LastMessageID, g.LastActivityAt, g.CreatedAt, g.UpdatedAt,
		)
		if err != nil {
			return err
		}
		_, err = insertMembers(ctx, tx, g.ID, g.Members)
		return err
	})
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("groupRepo.Create: %w", err)
	}
	return nil
}

// insertMembers вставляет участников одним запросом; уже существующие id пропускаются.
func insertMembers(ctx context.Context, tx pgx.Tx, groupID string, members []model.Member) ([]model.Member, error) {
	if len(members) == 0 {
		return nil, nil
	}
	ids := make([]string, len(members))
	kinds := make([]string, len(members))
	roles := make([]string, len(members))
	joined := make([]time.Time, len(members))
	for i, m := range members {
		ids[i] = m.Principal.ID
		kinds[i] = string(m.Principal.Kind)
		roles[i] = string(m.Role)
		joined[i] = m.JoinedAt
	}
	rows, err := tx.Query(ctx,
		`INSERT INTO chat_group_members (group_id, principal_id, principal_kind, role, joined_at)
		 SELECT $1, m.id, m.kind, m.role, m.joined_at
		 FROM unnest($2::text[], $3::text[], $4::text[], $5::timestamptz[]) WITH ORDINALITY AS m(id, kind, role, joined_at, ord)
		 ORDER BY m.ord
		 ON CONFLICT (group_id, principal_id) DO NOTHING
		 RETURNING principal_id, principal_kind, role, joined_at`,
		groupID, ids, kinds, roles, joined,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	added := make([]model.Member, 0, len(members))
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.Principal.ID, &m.Principal.Kind, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		added = append(added, m)
	}
	return added, rows.Err()
}

func (r *GroupRepository) GetByID(ctx context.Context, id string) (*model.Group, error) {
	defer logger.DeferLogDuration("group.GetByID", time.Now())()
	g := &model.Group{}
	err := scanGroup(r.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM chat_groups WHERE id = $1`, id), g)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetByID: %w", err)
	}
	if err := r.attachMembers(ctx, []*model.Group{g}); err != nil {
		return nil, fmt.Errorf("groupRepo.GetByID members: %w", err)
	}
	return g, nil
}

func (r *GroupRepository) GetDefault(ctx context.Context) (*model.Group, error) {
	defer logger.DeferLogDuration("group.GetDefault", time.Now())()
	g := &model.Group{}
	err := scanGroup(r.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM chat_groups WHERE kind = 'default' AND is_active`), g)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetDefault: %w", err)
	}
	if err := r.attachMembers(ctx, []*model.Group{g}); err != nil {
		return nil, fmt.Errorf("groupRepo.GetDefault members: %w", err)
	}
	return g, nil
}

func (r *GroupRepository) ListActive(ctx context.Context) ([]model.Group, error) {
	defer logger.DeferLogDuration("group.ListActive", time.Now())()
	return r.list(ctx, "groupRepo.ListActive",
		`SELECT `+groupColumns+` FROM chat_groups
		 WHERE is_active
		 ORDER BY last_activity_at DESC, id`)
}

func (r *GroupRepository) ListForPrincipal(ctx context.Context, ref model.PrincipalRef) ([]model.Group, error) {
	defer logger.DeferLogDuration("group.ListForPrincipal", time.Now())()
	return r.list(ctx, "groupRepo.ListForPrincipal",
		`SELECT `+groupColumns+` FROM chat_groups g
		 WHERE g.is_active AND EXISTS (
		     SELECT 1 FROM chat_group_members m
		     WHERE m.group_id = g.id AND m.principal_id = $1 AND m.principal_kind = $2)
		 ORDER BY g.last_activity_at DESC, g.id`, ref.ID, ref.Kind)
}

func (r *GroupRepository) list(ctx context.Context, op, query string, args ...any) ([]model.Group, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", op, err)
	}
	defer rows.Close()

	groups := make([]model.Group, 0, 16)
	for rows.Next() {
		var g model.Group
		if err := scanGroup(rows, &g); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	ptrs := make([]*model.Group, len(groups))
	for i := range groups {
		ptrs[i] = &groups[i]
	}
	if err := r.attachMembers(ctx, ptrs); err != nil {
		return nil, fmt.Errorf("%s members: %w", op, err)
	}
	return groups, nil
}

// attachMembers подгружает участников пачкой, в порядке вступления.
func (r *GroupRepository) attachMembers(ctx context.Context, groups []*model.Group) error {
	if len(groups) == 0 {
		return nil
	}
	byID := make(map[string]*model.Group, len(groups))
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		g.Members = []model.Member{}
		byID[g.ID] = g
		ids = append(ids, g.ID)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT group_id, principal_id, principal_kind, role, joined_at
		 FROM chat_group_members
		 WHERE group_id = ANY($1)
		 ORDER BY joined_at, seq`, ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var groupID string
		var m model.Member
		if err := rows.Scan(&groupID, &m.Principal.ID, &m.Principal.Kind, &m.Role, &m.JoinedAt); err != nil {
			return err
		}
		if g := byID[groupID]; g != nil {
			g.Members = append(g.Members, m)
		}
	}
	return rows.Err()
}

// lockGroup блокирует строку группы до конца транзакции.
func lockGroup(ctx context.Context, tx pgx.Tx, groupID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM chat_groups WHERE id = $1 FOR UPDATE`, groupID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

func (r *GroupRepository) AddMembers(ctx context.Context, groupID string, members []model.Member, at time.Time) ([]model.Member, error) {
	defer logger.DeferLogDuration("group.AddMembers", time.Now())()
	var added []model.Member
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockGroup(ctx, tx, groupID); err != nil {
			return err
		}
		var err error
		if added, err = insertMembers(ctx, tx, groupID, members); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE chat_groups SET last_activity_at = $2, updated_at = $2 WHERE id = $1`, groupID, at)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("groupRepo.AddMembers: %w", err)
	}
	if added == nil {
		added = []model.Member{}
	}
	return added, nil
}

func (r *GroupRepository) RemoveMember(ctx context.Context, groupID, principalID string, at time.Time) (int, error) {
	defer logger.DeferLogDuration("group.RemoveMember", time.Now())()
	var removed int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockGroup(ctx, tx, groupID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM chat_group_members WHERE group_id = $1 AND principal_id = $2`, groupID, principalID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		_, err = tx.Exec(ctx,
			`UPDATE chat_groups SET last_activity_at = $2, updated_at = $2 WHERE id = $1`, groupID, at)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("groupRepo.RemoveMember: %w", err)
	}
	return int(removed), nil
}

// TouchActivity не двигает указатель назад: более старое сообщение не затрёт более новое.
func (r *GroupRepository) TouchActivity(ctx context.Context, groupID, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("group.TouchActivity", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE chat_groups
		 SET last_message_id = $2, last_activity_at = $3, updated_at = $3
		 WHERE id = $1 AND last_activity_at <= $3`,
		groupID, messageID, at,
	)
	if err != nil {
		return fmt.Errorf("groupRepo.TouchActivity: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return r.exists(ctx, groupID, "groupRepo.TouchActivity")
}

func (r *GroupRepository) exists(ctx context.Context, groupID, op string) error {
	var ok bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_groups WHERE id = $1)`, groupID).Scan(&ok); err != nil {
		return fmt.Errorf("%s exists: %w", op, err)
	}
	if !ok {
		return repository.ErrNotFound
	}
	return nil
}

func (r *GroupRepository) SetMuted(ctx context.Context, groupID string, muted bool) error {
	defer logger.DeferLogDuration("group.SetMuted", time.Now())()
	return r.update(ctx, "groupRepo.SetMuted",
		`UPDATE chat_groups SET is_muted = $2, updated_at = NOW() WHERE id = $1`, groupID, muted)
}

func (r *GroupRepository) Deactivate(ctx context.Context, groupID string) error {
	defer logger.DeferLogDuration("group.Deactivate", time.Now())()
	return r.update(ctx, "groupRepo.Deactivate",
		`UPDATE chat_groups SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, groupID)
}

func (r *GroupRepository) update(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
