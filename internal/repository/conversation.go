package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
)

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// FindOrCreate returns the conversation between two users, creating it on
// first contact. The pair is stored normalized, so concurrent creates from
// both sides land on the same row.
func (r *ConversationRepository) FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindOrCreate", time.Now())()
	a, b := model.NormalizePair(userA, userB)

	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, user_a, user_b, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_a, user_b) DO NOTHING
		 RETURNING id, user_a, user_b, created_at`,
		uuid.New().String(), a, b, time.Now().UTC(),
	).Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("convRepo.FindOrCreate insert: %w", err)
	}

	// Конфликт: пара уже существует, забираем её.
	err = r.pool.QueryRow(ctx,
		`SELECT id, user_a, user_b, created_at FROM conversations WHERE user_a = $1 AND user_b = $2`,
		a, b,
	).Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("convRepo.FindOrCreate select: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_a, user_b, created_at FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

// ListForUser returns the user's conversations with the latest visible
// message and the count of messages they have not read yet.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]model.ConversationWithLastMessage, error) {
	defer logger.DeferLogDuration("conv.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.user_a, c.user_b, c.created_at,
		        lm.id, lm.sender_id, lm.content, lm.content_type, lm.status, lm.deleted_for_everyone, lm.created_at,
		        (SELECT COUNT(*) FROM messages um
		         WHERE um.conversation_id = c.id AND um.recipient_id = $1 AND um.status <> 'read')
		 FROM conversations c
		 LEFT JOIN LATERAL (
		     SELECT id, sender_id, content, content_type, status, deleted_for_everyone, created_at
		     FROM messages
		     WHERE conversation_id = c.id
		       AND NOT EXISTS (SELECT 1 FROM message_hides h WHERE h.message_id = messages.id AND h.user_id = $1)
		     ORDER BY created_at DESC
		     LIMIT 1
		 ) lm ON true
		 WHERE c.user_a = $1 OR c.user_b = $1
		 ORDER BY COALESCE(lm.created_at, c.created_at) DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	list := make([]model.ConversationWithLastMessage, 0, 16)
	for rows.Next() {
		var item model.ConversationWithLastMessage
		var lmID, lmSender, lmContent *string
		var lmType *model.ContentType
		var lmStatus *model.MessageStatus
		var lmDeleted *bool
		var lmCreated *time.Time
		if err := rows.Scan(&item.Conversation.ID, &item.Conversation.UserA, &item.Conversation.UserB, &item.Conversation.CreatedAt,
			&lmID, &lmSender, &lmContent, &lmType, &lmStatus, &lmDeleted, &lmCreated,
			&item.UnreadCount); err != nil {
			return nil, fmt.Errorf("convRepo.ListForUser scan: %w", err)
		}
		if lmID != nil {
			m := &model.Message{
				ID:             *lmID,
				ConversationID: item.Conversation.ID,
				SenderID:       *lmSender,
				Content:        *lmContent,
				ContentType:    *lmType,
				Status:         *lmStatus,
				CreatedAt:      *lmCreated,
			}
			if lmDeleted != nil && *lmDeleted {
				m.DeletionState = model.DeletionStateForEveryone
			}
			item.LastMessage = m
		}
		list = append(list, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser rows: %w", err)
	}
	return list, nil
}
