// Package repository описывает контракт хранилища чата. Реализации:
// postgres (pgx), mongo (mongo-driver), memory (тесты и локальный запуск без БД).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/docchat/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// GroupStore — коллекция групп. Все изменения членства — одна атомарная операция над группой.
type GroupStore interface {
	Create(ctx context.Context, g *model.Group) error
	// GetByID возвращает группу независимо от is_active; решение принимает сервис.
	GetByID(ctx context.Context, id string) (*model.Group, error)
	// GetDefault возвращает активную группу kind=default.
	GetDefault(ctx context.Context) (*model.Group, error)
	// ListActive — все активные группы, last_activity_at по убыванию.
	ListActive(ctx context.Context) ([]model.Group, error)
	// ListForPrincipal — активные группы с членством ref, last_activity_at по убыванию.
	ListForPrincipal(ctx context.Context, ref model.PrincipalRef) ([]model.Group, error)
	// AddMembers добавляет участников, id которых ещё нет в группе, и сдвигает last_activity_at.
	// Возвращает фактически добавленных.
	AddMembers(ctx context.Context, groupID string, members []model.Member, at time.Time) ([]model.Member, error)
	// RemoveMember удаляет все записи с данным id и сдвигает last_activity_at. Возвращает число удалённых.
	RemoveMember(ctx context.Context, groupID, principalID string, at time.Time) (int, error)
	// TouchActivity переставляет last_message_id и last_activity_at, только если at не раньше текущего значения.
	TouchActivity(ctx context.Context, groupID, messageID string, at time.Time) error
	SetMuted(ctx context.Context, groupID string, muted bool) error
	Deactivate(ctx context.Context, groupID string) error
}

// MessageStore — коллекция сообщений.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	// GetByID возвращает сообщение, в том числе мягко удалённое.
	GetByID(ctx context.Context, id string) (*model.Message, error)
	// ListByGroup — неудалённые сообщения группы, created_at по убыванию.
	ListByGroup(ctx context.Context, groupID string, skip, limit int) ([]model.Message, error)
	CountByGroup(ctx context.Context, groupID string) (int64, error)
	// ToggleReaction атомарно снимает реакцию (ref, emoji), если она есть, иначе добавляет.
	// added=true, если реакция была добавлена.
	ToggleReaction(ctx context.Context, messageID string, r model.Reaction) (added bool, err error)
	// MarkRead добавляет отметку о прочтении во все неудалённые сообщения группы, где её ещё нет.
	MarkRead(ctx context.Context, groupID string, ref model.PrincipalRef, at time.Time) (int64, error)
	SoftDelete(ctx context.Context, messageID string, at time.Time) error
}

// PrincipalStore — учётные записи. Чат только читает их, кроме каскадного удаления субадмина.
type PrincipalStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	DeleteUser(ctx context.Context, id string) error

	GetSubAdmin(ctx context.Context, id string) (*model.SubAdmin, error)
	GetSubAdminByUserID(ctx context.Context, userID string) (*model.SubAdmin, error)
	ListSubAdmins(ctx context.Context) ([]model.SubAdmin, error)
	CreateSubAdmin(ctx context.Context, s *model.SubAdmin) error
	DeleteSubAdmin(ctx context.Context, id string) error
}

// Stores — набор хранилищ одного бэкенда.
type Stores struct {
	Groups     GroupStore
	Messages   MessageStore
	Principals PrincipalStore
	Close      func(ctx context.Context) error
}
