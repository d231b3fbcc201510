package model

import "time"

// Conversation is a 1:1 channel between two users. Participants are stored
// as an ordered pair (UserA < UserB lexicographically) so the same two users
// always map to the same row.
type Conversation struct {
	ID        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizePair returns the two user ids in canonical storage order.
func NormalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func (c *Conversation) HasParticipant(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// Peer returns the other participant, or "" if userID is not in the pair.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.UserA:
		return c.UserB
	case c.UserB:
		return c.UserA
	}
	return ""
}

type ConversationWithLastMessage struct {
	Conversation Conversation `json:"conversation"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}

// DeliveryReceipt is what the recipient gets back from a delivered/read
// acknowledgement. DeleteScheduled is when the server copy becomes eligible
// for cleanup, so the client knows re-fetching is not an option after that.
type DeliveryReceipt struct {
	MessageID       string        `json:"message_id"`
	Status          MessageStatus `json:"status"`
	DeliveredAt     *time.Time    `json:"delivered_at,omitempty"`
	ReadAt          *time.Time    `json:"read_at,omitempty"`
	DeleteScheduled *time.Time    `json:"delete_scheduled,omitempty"`
}

// PendingSync is the catch-up payload for a reconnecting recipient: every
// stored message addressed to them that is still in status "sent".
type PendingSync struct {
	Messages     []Message `json:"messages"`
	TotalPending int       `json:"total_pending"`
	SyncedAt     time.Time `json:"synced_at"`
}
