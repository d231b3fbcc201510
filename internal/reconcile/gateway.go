package reconcile

import (
	"context"

	"github.com/chatcore/internal/model"
)

// SendRequest is the outgoing message as the user composed it. ClientID is
// filled by the view with the optimistic entry's temp id; the server echoes
// it back so confirmations match exactly.
type SendRequest struct {
	Content     string            `json:"content"`
	ContentIV   string            `json:"content_iv,omitempty"`
	ContentType model.ContentType `json:"content_type,omitempty"`
	Attachment  *model.Attachment `json:"attachment,omitempty"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	ClientID    string            `json:"client_id,omitempty"`
}

// Gateway is the server API as the reconciler consumes it. Network and
// encoding live behind it; every call is a single round trip.
type Gateway interface {
	Send(ctx context.Context, conversationID string, req SendRequest) (*model.Message, error)
	Edit(ctx context.Context, messageID, content, contentIV string) (*model.Message, error)
	DeleteForMe(ctx context.Context, messageID string) error
	DeleteForEveryone(ctx context.Context, messageID string) error
	React(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID string) error
	Messages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	MarkConversationDelivered(ctx context.Context, conversationID string) (int, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}
