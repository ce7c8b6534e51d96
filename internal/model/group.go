package model

import "time"

type GroupKind string

const (
	GroupKindDefault GroupKind = "default"
	GroupKindPrivate GroupKind = "private"
	GroupKindAdmin   GroupKind = "admin"
)

func (k GroupKind) Valid() bool {
	return k == GroupKindDefault || k == GroupKindPrivate || k == GroupKindAdmin
}

type GroupRole string

const (
	GroupRoleMember GroupRole = "member"
	GroupRoleAdmin  GroupRole = "admin"
)

const (
	MaxGroupNameLen        = 50
	MaxGroupDescriptionLen = 200
)

type Member struct {
	Principal PrincipalRef `json:"principal" bson:"principal"`
	Role      GroupRole    `json:"role" bson:"role"`
	JoinedAt  time.Time    `json:"joined_at" bson:"joined_at"`
}

// Group — чат-группа. Неактивная группа логически удалена и больше нигде не возвращается.
type Group struct {
	ID             string       `json:"id" bson:"_id"`
	Name           string       `json:"name" bson:"name"`
	Description    string       `json:"description" bson:"description"`
	Kind           GroupKind    `json:"kind" bson:"kind"`
	Members        []Member     `json:"members" bson:"members"`
	CreatedBy      PrincipalRef `json:"created_by" bson:"created_by"`
	IsActive       bool         `json:"is_active" bson:"is_active"`
	IsMuted        bool         `json:"is_muted" bson:"is_muted"`
	LastMessageID  string       `json:"last_message_id,omitempty" bson:"last_message_id,omitempty"`
	LastActivityAt time.Time    `json:"last_activity_at" bson:"last_activity_at"`
	CreatedAt      time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" bson:"updated_at"`
}

// FindMember возвращает запись членства по ссылке (вид учитывается).
func (g *Group) FindMember(ref PrincipalRef) (Member, bool) {
	for _, m := range g.Members {
		if m.Principal.Equal(ref) {
			return m, true
		}
	}
	return Member{}, false
}

// HasMemberID — есть ли участник с таким id любого вида.
func (g *Group) HasMemberID(id string) bool {
	for _, m := range g.Members {
		if m.Principal.ID == id {
			return true
		}
	}
	return false
}

// MemberRefs возвращает ссылки участников в порядке вступления.
func (g *Group) MemberRefs() []PrincipalRef {
	refs := make([]PrincipalRef, 0, len(g.Members))
	for _, m := range g.Members {
		refs = append(refs, m.Principal)
	}
	return refs
}

type MemberView struct {
	PrincipalView
	Role     GroupRole `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// GroupView — группа с разрешёнными именами участников и последним сообщением.
type GroupView struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description"`
	Kind           GroupKind     `json:"kind"`
	Members        []MemberView  `json:"members"`
	CreatedBy      PrincipalView `json:"created_by"`
	IsActive       bool          `json:"is_active"`
	IsMuted        bool          `json:"is_muted"`
	LastMessage    *MessageView  `json:"last_message,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CreatedAt      time.Time     `json:"created_at"`
}
