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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `id, group_id, sender_id, sender_kind, type, content, file_url, file_name, file_size,
	is_edited, edited_at, is_deleted, deleted_at, created_at, updated_at`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.GroupID, &m.Sender.ID, &m.Sender.Kind, &m.Type, &m.Content, &m.FileURL, &m.FileName, &m.FileSize,
		&m.IsEdited, &m.EditedAt, &m.IsDeleted, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt)
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("message.Create", time.Now())()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_messages (`+messageColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			m.ID, m.GroupID, m.Sender.ID, m.Sender.Kind, m.Type, m.Content, m.FileURL, m.FileName, m.FileSize,
			m.IsEdited, m.EditedAt, m.IsDeleted, m.DeletedAt, m.CreatedAt, m.UpdatedAt,
		); err != nil {
			return err
		}
		for _, rc := range m.Reactions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chat_message_reactions (message_id, principal_id, principal_kind, emoji, created_at)
				 VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
				m.ID, rc.Principal.ID, rc.Principal.Kind, rc.Emoji, rc.CreatedAt); err != nil {
				return err
			}
		}
		for _, rr := range m.ReadBy {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chat_message_reads (message_id, principal_id, principal_kind, read_at)
				 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
				m.ID, rr.Principal.ID, rr.Principal.Kind, rr.ReadAt); err != nil {
				return err
			}
		}
		return nil
	})
	switch pgCode(err) {
	case "":
	case codeUniqueViolation:
		return repository.ErrDuplicate
	case codeForeignKeyViolation:
		return repository.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("messageRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("message.GetByID", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("messageRepo.GetByID: %w", err)
	}
	if err := r.attach(ctx, []*model.Message{m}); err != nil {
		return nil, fmt.Errorf("messageRepo.GetByID attach: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) ListByGroup(ctx context.Context, groupID string, skip, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("message.ListByGroup", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM chat_messages
		 WHERE group_id = $1 AND NOT is_deleted
		 ORDER BY created_at DESC, id DESC
		 OFFSET $2 LIMIT $3`, groupID, skip, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.ListByGroup query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("messageRepo.ListByGroup scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messageRepo.ListByGroup rows: %w", err)
	}
	ptrs := make([]*model.Message, len(messages))
	for i := range messages {
		ptrs[i] = &messages[i]
	}
	if err := r.attach(ctx, ptrs); err != nil {
		return nil, fmt.Errorf("messageRepo.ListByGroup attach: %w", err)
	}
	return messages, nil
}

// attach подгружает реакции (в порядке появления) и отметки о прочтении.
func (r *MessageRepository) attach(ctx context.Context, messages []*model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[string]*model.Message, len(messages))
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		m.Reactions = []model.Reaction{}
		m.ReadBy = []model.ReadReceipt{}
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT message_id, principal_id, principal_kind, emoji, created_at
		 FROM chat_message_reactions WHERE message_id = ANY($1)
		 ORDER BY seq`, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id string
		var rc model.Reaction
		if err := rows.Scan(&id, &rc.Principal.ID, &rc.Principal.Kind, &rc.Emoji, &rc.CreatedAt); err != nil {
			rows.Close()
			return err
		}
		byID[id].Reactions = append(byID[id].Reactions, rc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.pool.Query(ctx,
		`SELECT message_id, principal_id, principal_kind, read_at
		 FROM chat_message_reads WHERE message_id = ANY($1)
		 ORDER BY read_at`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var rr model.ReadReceipt
		if err := rows.Scan(&id, &rr.Principal.ID, &rr.Principal.Kind, &rr.ReadAt); err != nil {
			return err
		}
		byID[id].ReadBy = append(byID[id].ReadBy, rr)
	}
	return rows.Err()
}

func (r *MessageRepository) CountByGroup(ctx context.Context, groupID string) (int64, error) {
	defer logger.DeferLogDuration("message.CountByGroup", time.Now())()
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE group_id = $1 AND NOT is_deleted`, groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("messageRepo.CountByGroup: %w", err)
	}
	return n, nil
}

// ToggleReaction: строка сообщения блокируется, затем один запрос либо удаляет
// реакцию, либо вставляет её, если удалять было нечего.
func (r *MessageRepository) ToggleReaction(ctx context.Context, messageID string, rc model.Reaction) (bool, error) {
	defer logger.DeferLogDuration("message.ToggleReaction", time.Now())()
	var added bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE chat_messages SET updated_at = $2 WHERE id = $1`, messageID, rc.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return tx.QueryRow(ctx,
			`WITH removed AS (
			     DELETE FROM chat_message_reactions
			     WHERE message_id = $1 AND principal_id = $2 AND principal_kind = $3 AND emoji = $4
			     RETURNING 1
			 ), inserted AS (
			     INSERT INTO chat_message_reactions (message_id, principal_id, principal_kind, emoji, created_at)
			     SELECT $1, $2, $3, $4, $5 WHERE NOT EXISTS (SELECT 1 FROM removed)
			     RETURNING 1
			 )
			 SELECT EXISTS (SELECT 1 FROM inserted)`,
			messageID, rc.Principal.ID, rc.Principal.Kind, rc.Emoji, rc.CreatedAt,
		).Scan(&added)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("messageRepo.ToggleReaction: %w", err)
	}
	return added, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, groupID string, ref model.PrincipalRef, at time.Time) (int64, error) {
	defer logger.DeferLogDuration("message.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO chat_message_reads (message_id, principal_id, principal_kind, read_at)
		 SELECT id, $2, $3, $4 FROM chat_messages
		 WHERE group_id = $1 AND NOT is_deleted
		 ON CONFLICT DO NOTHING`,
		groupID, ref.ID, ref.Kind, at,
	)
	if err != nil {
		return 0, fmt.Errorf("messageRepo.MarkRead: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *MessageRepository) SoftDelete(ctx context.Context, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("message.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE chat_messages SET is_deleted = TRUE, deleted_at = $2, updated_at = $2 WHERE id = $1`,
		messageID, at,
	)
	if err != nil {
		return fmt.Errorf("messageRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
