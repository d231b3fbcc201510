// Package notify defines the event envelope pushed to connected clients and
// the delivery seam between the message service and the transport.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/chatcore/internal/model"
)

type EventType string

const (
	EventNewMessage            EventType = "new_message"
	EventMessageStatus         EventType = "message_status"
	EventConversationDelivered EventType = "conversation_delivered"
	EventMessageEdited         EventType = "message_edited"
	EventMessageDeleted        EventType = "message_deleted"
	EventMessageReaction       EventType = "message_reaction"
	EventMessageReactionGone   EventType = "message_reaction_removed"
	EventMessagePinned         EventType = "message_pinned"
	EventMessageUnpinned       EventType = "message_unpinned"
	EventTyping                EventType = "typing"
	EventStopTyping            EventType = "stop_typing"
	EventError                 EventType = "error"
)

// Event is the wire envelope. Clients acknowledge receipt by echoing ID back
// on the socket; unacknowledged events are replayed on reconnect.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Data           any       `json:"data"`
}

func NewEvent(t EventType, conversationID string, data any) Event {
	return Event{ID: uuid.New().String(), Type: t, ConversationID: conversationID, Data: data}
}

// Notifier pushes an event to every active connection of a user. Calls are
// fire-and-forget: a slow or absent recipient must never fail the caller.
type Notifier interface {
	Notify(userID string, ev Event)
}

// Nop drops every event. Used when the transport is not wired (tests, CLI).
type Nop struct{}

func (Nop) Notify(string, Event) {}

// --- Payloads carried in Event.Data ---

// NewMessagePayload carries the stored message. ClientID echoes the sender's
// local placeholder id so their other devices replace the optimistic copy
// exactly, without guessing by content.
type NewMessagePayload struct {
	Message  *model.Message `json:"message"`
	ClientID string         `json:"client_id,omitempty"`
}

// MessageStatusPayload tells the sender a message moved to delivered/read.
// An empty MessageID means every message they sent in the conversation.
type MessageStatusPayload struct {
	MessageID   string              `json:"message_id,omitempty"`
	Status      model.MessageStatus `json:"status"`
	DeliveredAt *time.Time          `json:"delivered_at,omitempty"`
	ReadAt      *time.Time          `json:"read_at,omitempty"`
}

// ConversationDeliveredPayload is the bulk form of a delivery receipt.
type ConversationDeliveredPayload struct {
	MessageIDs  []string  `json:"message_ids"`
	DeliveredAt time.Time `json:"delivered_at"`
}

type MessageEditedPayload struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	ContentIV string    `json:"content_iv,omitempty"`
	EditedAt  time.Time `json:"edited_at"`
	EditCount int       `json:"edit_count"`
}

// MessageDeletedPayload removes a message. Scope "everyone" goes to both
// sides; scope "me" only fans out to the requesting user's other devices.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	Scope     string `json:"scope"`
}

const (
	DeleteScopeMe       = "me"
	DeleteScopeEveryone = "everyone"
)

type ReactionPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

type ReactionRemovedPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

type PinPayload struct {
	MessageID string `json:"message_id"`
	PinnedBy  string `json:"pinned_by,omitempty"`
}

type UnpinPayload struct {
	MessageID string `json:"message_id"`
}

type TypingPayload struct {
	UserID string `json:"user_id"`
}
