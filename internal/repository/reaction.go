package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// Set stores the user's reaction on a message. A second reaction from the
// same user replaces the first (last write wins).
func (r *ReactionRepository) Set(ctx context.Context, messageID, userID, emoji string) error {
	defer logger.DeferLogDuration("reaction.Set", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, created_at = now()`,
		messageID, userID, emoji,
	)
	if err != nil {
		return fmt.Errorf("reactionRepo.Set: %w", err)
	}
	return nil
}

// Remove deletes the user's reaction. Reports whether one actually existed,
// so repeated removes stay quiet.
func (r *ReactionRepository) Remove(ctx context.Context, messageID, userID string) (bool, error) {
	defer logger.DeferLogDuration("reaction.Remove", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Remove: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ReactionRepository) GetForMessage(ctx context.Context, messageID string) (map[string]string, error) {
	defer logger.DeferLogDuration("reaction.GetForMessage", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, emoji FROM message_reactions WHERE message_id = $1 ORDER BY created_at`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("reactionRepo.GetForMessage query: %w", err)
	}
	defer rows.Close()

	reactions := make(map[string]string, 8)
	for rows.Next() {
		var userID, emoji string
		if err := rows.Scan(&userID, &emoji); err != nil {
			return nil, fmt.Errorf("reactionRepo.GetForMessage scan: %w", err)
		}
		reactions[userID] = emoji
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactionRepo.GetForMessage rows: %w", err)
	}
	return reactions, nil
}
