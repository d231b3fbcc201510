package storage

import "context"

// PendingEventStore — буфер неподтверждённых событий на пользователя.
// Событие кладётся при отправке в сокет и убирается, когда клиент вернул ack
// с его id; всё, что осталось, доигрывается при переподключении.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type PendingEventStore interface {
	Append(ctx context.Context, userID, eventID string, payload []byte) error
	Ack(ctx context.Context, userID, eventID string) error
	Pending(ctx context.Context, userID string) ([][]byte, error)
	Close() error
}
