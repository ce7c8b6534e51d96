package model

import "time"

// User — учётная запись (обычный пользователь, администратор или подложка субадмина).
// Принадлежит подсистеме аккаунтов; чат только читает её.
type User struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Email     string    `json:"email" bson:"email"`
	Role      Role      `json:"role" bson:"role"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

type SubAdminPermission string

const (
	PermissionViewOnly   SubAdminPermission = "view-only"
	PermissionFullAccess SubAdminPermission = "full-access"
)

func (p SubAdminPermission) Valid() bool {
	return p == PermissionViewOnly || p == PermissionFullAccess
}

// SubAdmin — делегированный субадмин. В чате участвует под собственным id,
// а не под id пользователя-подложки.
type SubAdmin struct {
	ID             string             `json:"id" bson:"_id"`
	UserID         string             `json:"user_id" bson:"user_id"`
	Permissions    SubAdminPermission `json:"permissions" bson:"permissions"`
	AssignedGroups []string           `json:"assigned_groups" bson:"assigned_groups"`
	CreatedBy      string             `json:"created_by" bson:"created_by"`
	CreatedAt      time.Time          `json:"created_at" bson:"created_at"`
}

// PrincipalView — отображаемые данные участника. Для субадмина ID — id субадмина.
type PrincipalView struct {
	ID    string        `json:"id"`
	Kind  PrincipalKind `json:"kind"`
	Name  string        `json:"name"`
	Email string        `json:"email"`
}

// AvailableMember — кандидат для добавления в группу. Type: SubAdmin, User или Admin.
type AvailableMember struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Type  string `json:"type"`
}

// SubAdminView — субадмин вместе с данными пользователя-подложки.
type SubAdminView struct {
	ID             string             `json:"id"`
	User           PrincipalView      `json:"user"`
	Permissions    SubAdminPermission `json:"permissions"`
	AssignedGroups []string           `json:"assigned_groups"`
	CreatedAt      time.Time          `json:"created_at"`
}
