package model

// PrincipalKind — в какой коллекции лежит участник чата.
// Пространства id двух видов не пересекаются логически, но могут совпадать физически.
type PrincipalKind string

const (
	PrincipalUser     PrincipalKind = "User"
	PrincipalSubAdmin PrincipalKind = "SubAdmin"
)

func (k PrincipalKind) Valid() bool {
	return k == PrincipalUser || k == PrincipalSubAdmin
}

// Role — глобальная роль учётной записи.
type Role string

const (
	RoleUser     Role = "user"
	RoleAdmin    Role = "admin"
	RoleSubAdmin Role = "subadmin"
)

// PrincipalRef — ссылка на участника: id внутри пространства своего вида.
type PrincipalRef struct {
	ID   string        `json:"id" bson:"id"`
	Kind PrincipalKind `json:"kind" bson:"kind"`
}

func (r PrincipalRef) Equal(o PrincipalRef) bool {
	return r.ID == o.ID && r.Kind == o.Kind
}

func (r PrincipalRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Principal — разрешённая личность текущей сессии: ссылка для членства и сообщений
// плюс глобальная роль для проверок администратора.
type Principal struct {
	Ref    PrincipalRef
	Role   Role
	UserID string
	Name   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }
