package model

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// IsFile — тип требует вложения вместо текста.
func (t MessageType) IsFile() bool {
	return t == MessageTypeImage || t == MessageTypeFile
}

const MaxMessageContentLen = 1000

type Reaction struct {
	Principal PrincipalRef `json:"principal" bson:"principal"`
	Emoji     string       `json:"emoji" bson:"emoji"`
	CreatedAt time.Time    `json:"created_at" bson:"created_at"`
}

type ReadReceipt struct {
	Principal PrincipalRef `json:"principal" bson:"principal"`
	ReadAt    time.Time    `json:"read_at" bson:"read_at"`
}

// Message — сообщение группы. Никогда не удаляется физически; мягкое удаление через IsDeleted.
type Message struct {
	ID        string        `json:"id" bson:"_id"`
	GroupID   string        `json:"group_id" bson:"group_id"`
	Sender    PrincipalRef  `json:"sender" bson:"sender"`
	Type      MessageType   `json:"type" bson:"type"`
	Content   string        `json:"content,omitempty" bson:"content,omitempty"`
	FileURL   string        `json:"file_url,omitempty" bson:"file_url,omitempty"`
	FileName  string        `json:"file_name,omitempty" bson:"file_name,omitempty"`
	FileSize  int64         `json:"file_size,omitempty" bson:"file_size,omitempty"`
	Reactions []Reaction    `json:"reactions" bson:"reactions"`
	IsEdited  bool          `json:"is_edited" bson:"is_edited"`
	EditedAt  *time.Time    `json:"edited_at,omitempty" bson:"edited_at,omitempty"`
	IsDeleted bool          `json:"is_deleted" bson:"is_deleted"`
	DeletedAt *time.Time    `json:"deleted_at,omitempty" bson:"deleted_at,omitempty"`
	ReadBy    []ReadReceipt `json:"read_by" bson:"read_by"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at"`
}

// HasReaction — есть ли реакция с таким emoji от участника.
func (m *Message) HasReaction(ref PrincipalRef, emoji string) bool {
	for _, r := range m.Reactions {
		if r.Principal.Equal(ref) && r.Emoji == emoji {
			return true
		}
	}
	return false
}

type ReactionView struct {
	User      PrincipalView `json:"user"`
	Emoji     string        `json:"emoji"`
	CreatedAt time.Time     `json:"created_at"`
}

type ReactionCount struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

type SenderView struct {
	User PrincipalView `json:"user"`
	Kind PrincipalKind `json:"user_type"`
}

// MessageView — сообщение с разрешённым отправителем; одинаково для HTTP и WebSocket.
type MessageView struct {
	ID              string          `json:"id"`
	GroupID         string          `json:"group_id"`
	Sender          SenderView      `json:"sender"`
	Type            MessageType     `json:"message_type"`
	Content         string          `json:"content,omitempty"`
	FileURL         string          `json:"file_url,omitempty"`
	FileName        string          `json:"file_name,omitempty"`
	FileSize        int64           `json:"file_size,omitempty"`
	Reactions       []ReactionView  `json:"reactions"`
	ReactionSummary []ReactionCount `json:"reaction_summary"`
	IsEdited        bool            `json:"is_edited"`
	EditedAt        *time.Time      `json:"edited_at,omitempty"`
	IsDeleted       bool            `json:"is_deleted"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	ReadBy          []ReadReceipt   `json:"read_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

// MessagePage — страница сообщений, внутри страницы от старых к новым.
type MessagePage struct {
	Messages      []MessageView `json:"messages"`
	TotalMessages int64         `json:"total_messages"`
	CurrentPage   int           `json:"current_page"`
	TotalPages    int           `json:"total_pages"`
}
