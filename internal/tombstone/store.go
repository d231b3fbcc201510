// Package tombstone keeps the device-local record of deleted messages. A
// deletion must hold even when the server later replays the message (full
// history reload, pending-event replay), so the ids are remembered on this
// side of the wire.
package tombstone

// Store records message deletions per scope. "me" hides the message on this
// device only; "everyone" keeps the message visible as a stub with its
// content gone. Marking the same id twice is a no-op.
type Store interface {
	MarkDeletedForMe(messageID string) error
	MarkDeletedForEveryone(messageID string) error
	IsDeletedForMe(messageID string) (bool, error)
	IsDeletedForEveryone(messageID string) (bool, error)
	Close() error
}

const (
	scopeMe       = "me"
	scopeEveryone = "everyone"
)
