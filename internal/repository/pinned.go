package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
)

type PinnedRepository struct {
	pool *pgxpool.Pool
}

func NewPinnedRepository(pool *pgxpool.Pool) *PinnedRepository {
	return &PinnedRepository{pool: pool}
}

func (r *PinnedRepository) Pin(ctx context.Context, conversationID, messageID, pinnedBy string) error {
	defer logger.DeferLogDuration("pinned.Pin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pinned_messages (conversation_id, message_id, pinned_by, pinned_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		conversationID, messageID, pinnedBy, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("pinnedRepo.Pin: %w", err)
	}
	return nil
}

func (r *PinnedRepository) Unpin(ctx context.Context, conversationID, messageID string) error {
	defer logger.DeferLogDuration("pinned.Unpin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM pinned_messages WHERE conversation_id = $1 AND message_id = $2`,
		conversationID, messageID,
	)
	if err != nil {
		return fmt.Errorf("pinnedRepo.Unpin: %w", err)
	}
	return nil
}

func (r *PinnedRepository) GetPinned(ctx context.Context, conversationID string) ([]model.PinnedMessage, error) {
	defer logger.DeferLogDuration("pinned.GetPinned", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT pm.conversation_id, pm.message_id, pm.pinned_by, pm.pinned_at,
		        m.sender_id, m.content, m.content_type, m.deleted_for_everyone, m.created_at
		 FROM pinned_messages pm
		 JOIN messages m ON m.id = pm.message_id
		 WHERE pm.conversation_id = $1
		 ORDER BY pm.pinned_at DESC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("pinnedRepo.GetPinned query: %w", err)
	}
	defer rows.Close()

	pins := make([]model.PinnedMessage, 0, 4)
	for rows.Next() {
		var p model.PinnedMessage
		msg := &model.Message{}
		var deletedForEveryone bool
		if err := rows.Scan(&p.ConversationID, &p.MessageID, &p.PinnedBy, &p.PinnedAt,
			&msg.SenderID, &msg.Content, &msg.ContentType, &deletedForEveryone, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("pinnedRepo.GetPinned scan: %w", err)
		}
		msg.ID = p.MessageID
		msg.ConversationID = p.ConversationID
		msg.IsPinned = true
		if deletedForEveryone {
			msg.DeletionState = model.DeletionStateForEveryone
		}
		p.Message = msg
		pins = append(pins, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pinnedRepo.GetPinned rows: %w", err)
	}
	return pins, nil
}
