package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeAudio ContentType = "audio"
	ContentTypeFile  ContentType = "file"
)

func (t ContentType) Valid() bool {
	switch t {
	case ContentTypeText, ContentTypeImage, ContentTypeAudio, ContentTypeFile:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Rank orders statuses for monotonicity checks: sent < delivered < read.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusDelivered:
		return 1
	case MessageStatusRead:
		return 2
	default:
		return 0
	}
}

type DeletionState string

const (
	DeletionStateNone        DeletionState = ""
	DeletionStateForMe       DeletionState = "deleted_for_me"
	DeletionStateForEveryone DeletionState = "deleted_for_everyone"
)

// Attachment describes non-text message payload metadata.
// Size is bytes for image/file and playback seconds for audio.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Content        string            `json:"content"`
	ContentIV      string            `json:"content_iv,omitempty"`
	ContentType    ContentType       `json:"content_type"`
	Attachment     *Attachment       `json:"attachment,omitempty"`
	Status         MessageStatus     `json:"status"`
	DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
	EditedAt       *time.Time        `json:"edited_at,omitempty"`
	EditCount      int               `json:"edit_count,omitempty"`
	ReplyToID      *string           `json:"reply_to_id,omitempty"`
	ReplyTo        *Message          `json:"reply_to,omitempty"`
	IsForwarded    bool              `json:"is_forwarded,omitempty"`
	ForwardedFrom  string            `json:"forwarded_from,omitempty"`
	DeletionState  DeletionState     `json:"deletion_state,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	IsStarred      bool              `json:"is_starred,omitempty"`
	IsPinned       bool              `json:"is_pinned,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

const tempIDPrefix = "tmp-"

// NewTempID generates a client-local placeholder id for an optimistic message.
// Server ids are bare UUIDs, so the prefix guarantees the two never collide.
func NewTempID() string {
	return tempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id is a client-local placeholder, never a server id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Clone returns a deep copy (reactions map and nested pointers included).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachment != nil {
		att := *m.Attachment
		c.Attachment = &att
	}
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		c.ReplyToID = &id
	}
	if m.ReplyTo != nil {
		c.ReplyTo = m.ReplyTo.Clone()
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	return &c
}

// HideContent blanks everything a deleted-for-everyone message must not
// re-expose: content, IV and the attachment URL. Name/size/mime stay for
// the "this message was deleted" rendering.
func (m *Message) HideContent() {
	m.Content = ""
	m.ContentIV = ""
	if m.Attachment != nil {
		m.Attachment.URL = ""
	}
	m.DeletionState = DeletionStateForEveryone
}

type PinnedMessage struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	PinnedBy       string    `json:"pinned_by"`
	PinnedAt       time.Time `json:"pinned_at"`
	Message        *Message  `json:"message,omitempty"`
}
