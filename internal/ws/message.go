package ws

import (
	"time"

	"github.com/docchat/internal/model"
)

type EventType string

// Команды клиента.
const (
	CmdJoinGroups   EventType = "join_groups"
	CmdJoinGroup    EventType = "join_group"
	CmdLeaveGroup   EventType = "leave_group"
	CmdSendMessage  EventType = "send_message"
	CmdAddReaction  EventType = "add_reaction"
	CmdTypingStart  EventType = "typing_start"
	CmdTypingStop   EventType = "typing_stop"
	CmdGroupUpdated EventType = "group_updated"
)

// События сервера.
const (
	EventNewMessage     EventType = "new_message"
	EventMessageUpdated EventType = "message_updated"
	EventUserTyping     EventType = "user_typing"
	EventGroupUpdate    EventType = "group_update"
	EventGroupsJoined   EventType = "groups_joined"
	EventJoinedGroup    EventType = "joined_group"
	EventLeftGroup      EventType = "left_group"
	EventError          EventType = "error"
)

// Типы group_update, которые рассылает сервер.
const (
	UpdateMemberAdded   = "member_added"
	UpdateMemberRemoved = "member_removed"
	UpdateMuted         = "muted"
	UpdateUnmuted       = "unmuted"
	UpdateDeactivated   = "deactivated"
)

// IncomingMessage — команда клиента.
type IncomingMessage struct {
	Type        EventType         `json:"type"`
	GroupID     string            `json:"group_id,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
	Content     string            `json:"content,omitempty"`
	MessageType model.MessageType `json:"message_type,omitempty"`
	Emoji       string            `json:"emoji,omitempty"`

	// Для group_updated
	UpdateType string `json:"update_type,omitempty"`
	Message    string `json:"message,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// TypingPayload рассылается всем в комнате, кроме автора.
type TypingPayload struct {
	GroupID  string              `json:"group_id"`
	UserID   string              `json:"user_id"`
	UserKind model.PrincipalKind `json:"user_kind"`
	UserName string              `json:"user_name"`
	IsTyping bool                `json:"is_typing"`
}

// GroupUpdatePayload — изменение группы. SystemMessage заполнен, если изменение
// сопровождалось системным сообщением.
type GroupUpdatePayload struct {
	GroupID       string             `json:"group_id"`
	UpdateType    string             `json:"update_type"`
	Message       string             `json:"message,omitempty"`
	SystemMessage *model.MessageView `json:"system_message,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

type GroupsJoinedPayload struct {
	Count    int      `json:"count"`
	GroupIDs []string `json:"group_ids"`
}

type GroupRoomPayload struct {
	GroupID string `json:"group_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
