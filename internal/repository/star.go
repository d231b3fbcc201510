package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
)

type StarRepository struct {
	pool *pgxpool.Pool
}

func NewStarRepository(pool *pgxpool.Pool) *StarRepository {
	return &StarRepository{pool: pool}
}

func (r *StarRepository) Star(ctx context.Context, messageID, userID string) error {
	defer logger.DeferLogDuration("star.Star", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_stars (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		messageID, userID,
	)
	if err != nil {
		return fmt.Errorf("starRepo.Star: %w", err)
	}
	return nil
}

func (r *StarRepository) Unstar(ctx context.Context, messageID, userID string) error {
	defer logger.DeferLogDuration("star.Unstar", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM message_stars WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	)
	if err != nil {
		return fmt.Errorf("starRepo.Unstar: %w", err)
	}
	return nil
}

// ListStarred returns the user's starred messages, most recently starred first.
func (r *StarRepository) ListStarred(ctx context.Context, userID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("star.ListStarred", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageFields+`
		 FROM messages m
		 JOIN message_stars s ON s.message_id = m.id AND s.user_id = $1
		 ORDER BY s.starred_at DESC
		 LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("starRepo.ListStarred query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("starRepo.ListStarred scan: %w", err)
		}
		m.IsStarred = true
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("starRepo.ListStarred rows: %w", err)
	}
	return messages, nil
}
