package delivery

import (
	"context"
	"time"

	"github.com/chatcore/internal/model"
)

// MessageStore abstracts message persistence so the delivery rules do not
// care whether rows live in Postgres or in memory. Implementations return
// repository.ErrNotFound for missing rows and for guarded updates that
// matched nothing; status transitions must be monotonic (sent < delivered
// < read) and guarded inside the store, not by the caller.
type MessageStore interface {
	// Create stores a new message in status "sent".
	Create(ctx context.Context, m *model.Message, recipientID string) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	// PendingForRecipient returns undelivered messages oldest first.
	PendingForRecipient(ctx context.Context, recipientID string, limit int) ([]model.Message, error)
	CountPending(ctx context.Context, recipientID string) (int, error)
	// MarkDelivered transitions sent -> delivered for the given recipient
	// only; any other state returns repository.ErrNotFound untouched.
	MarkDelivered(ctx context.Context, id, recipientID string, at time.Time) (*model.Message, error)
	MarkConversationDelivered(ctx context.Context, conversationID, recipientID string, at time.Time) ([]string, error)
	// MarkRead transitions to "read" and backfills delivered_at if the
	// delivered step was skipped.
	MarkRead(ctx context.Context, id, recipientID string, at time.Time) (*model.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, recipientID string, at time.Time) ([]string, error)
	UpdateContent(ctx context.Context, id, content, contentIV string, editedAt time.Time) error
	// DeleteForEveryone blanks the payload but keeps the row.
	DeleteForEveryone(ctx context.Context, id string) error
	// Hide removes the message from one user's view only.
	Hide(ctx context.Context, messageID, userID string) error
	GetConversationMessages(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]model.Message, error)
	// DeleteDeliveredBefore / DeleteUndeliveredBefore are the retention
	// hooks; both report the number of rows removed.
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteUndeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type ConversationStore interface {
	FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error)
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]model.ConversationWithLastMessage, error)
}

type ReactionStore interface {
	Set(ctx context.Context, messageID, userID, emoji string) error
	Remove(ctx context.Context, messageID, userID string) (bool, error)
	GetForMessage(ctx context.Context, messageID string) (map[string]string, error)
}

type StarStore interface {
	Star(ctx context.Context, messageID, userID string) error
	Unstar(ctx context.Context, messageID, userID string) error
	ListStarred(ctx context.Context, userID string, limit int) ([]model.Message, error)
}

type PinStore interface {
	Pin(ctx context.Context, conversationID, messageID, pinnedBy string) error
	Unpin(ctx context.Context, conversationID, messageID string) error
	GetPinned(ctx context.Context, conversationID string) ([]model.PinnedMessage, error)
}
