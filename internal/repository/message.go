package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
)

var ErrNotFound = errors.New("not found")

const messageFields = `m.id, m.conversation_id, m.sender_id, m.content, m.content_iv, m.content_type,
	        m.attachment_url, m.attachment_name, m.attachment_size, m.attachment_mime,
	        m.status, m.delivered_at, m.read_at, m.edited_at, m.edit_count,
	        m.reply_to_id, m.is_forwarded, m.forwarded_from, m.deleted_for_everyone, m.created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	var att model.Attachment
	var deletedForEveryone bool
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ContentIV, &m.ContentType,
		&att.URL, &att.Name, &att.Size, &att.MimeType,
		&m.Status, &m.DeliveredAt, &m.ReadAt, &m.EditedAt, &m.EditCount,
		&m.ReplyToID, &m.IsForwarded, &m.ForwardedFrom, &deletedForEveryone, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if att != (model.Attachment{}) {
		m.Attachment = &att
	}
	if deletedForEveryone {
		m.DeletionState = model.DeletionStateForEveryone
	}
	return m, nil
}

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message, recipientID string) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	var attURL, attName, attMime string
	var attSize int64
	if m.Attachment != nil {
		attURL, attName, attSize, attMime = m.Attachment.URL, m.Attachment.Name, m.Attachment.Size, m.Attachment.MimeType
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, content_iv, content_type,
		                       attachment_url, attachment_name, attachment_size, attachment_mime,
		                       status, reply_to_id, is_forwarded, forwarded_from, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		m.ID, m.ConversationID, m.SenderID, recipientID, m.Content, m.ContentIV, m.ContentType,
		attURL, attName, attSize, attMime,
		m.Status, m.ReplyToID, m.IsForwarded, m.ForwardedFrom, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageFields+` FROM messages m WHERE m.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// PendingForRecipient returns stored messages addressed to the user that are
// still in status "sent", oldest first, with current reactions attached.
func (r *MessageRepository) PendingForRecipient(ctx context.Context, recipientID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.PendingForRecipient", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageFields+`
		 FROM messages m
		 WHERE m.recipient_id = $1 AND m.status = 'sent'
		 ORDER BY m.created_at
		 LIMIT $2`, recipientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.PendingForRecipient query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.PendingForRecipient scan: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.PendingForRecipient rows: %w", err)
	}
	if err := r.attachReactions(ctx, messages); err != nil {
		return nil, fmt.Errorf("msgRepo.PendingForRecipient reactions: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) CountPending(ctx context.Context, recipientID string) (int, error) {
	defer logger.DeferLogDuration("msg.CountPending", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE recipient_id = $1 AND status = 'sent'`, recipientID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountPending: %w", err)
	}
	return n, nil
}

// MarkDelivered moves a single message sent -> delivered. Returns ErrNotFound
// when no row transitioned: the caller decides whether that means a missing
// message, a foreign one or an already-acknowledged one.
func (r *MessageRepository) MarkDelivered(ctx context.Context, id, recipientID string, at time.Time) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.MarkDelivered", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`UPDATE messages m SET status = 'delivered', delivered_at = $3
		 WHERE m.id = $1 AND m.recipient_id = $2 AND m.status = 'sent'
		 RETURNING `+messageFields, id, recipientID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkDelivered: %w", err)
	}
	return m, nil
}

// MarkConversationDelivered acknowledges every pending message addressed to
// the recipient in one conversation. Returns the ids that transitioned.
func (r *MessageRepository) MarkConversationDelivered(ctx context.Context, conversationID, recipientID string, at time.Time) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkConversationDelivered", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET status = 'delivered', delivered_at = $3
		 WHERE conversation_id = $1 AND recipient_id = $2 AND status = 'sent'
		 RETURNING id`, conversationID, recipientID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationDelivered query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkConversationDelivered scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationDelivered rows: %w", err)
	}
	return ids, nil
}

// MarkRead moves a message to "read". Skipping "delivered" is allowed, the
// delivered_at timestamp is backfilled so retention still has an anchor.
func (r *MessageRepository) MarkRead(ctx context.Context, id, recipientID string, at time.Time) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`UPDATE messages m SET status = 'read', read_at = $3, delivered_at = COALESCE(m.delivered_at, $3)
		 WHERE m.id = $1 AND m.recipient_id = $2 AND m.status <> 'read'
		 RETURNING `+messageFields, id, recipientID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) MarkConversationRead(ctx context.Context, conversationID, recipientID string, at time.Time) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkConversationRead", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE messages m SET status = 'read', read_at = $3, delivered_at = COALESCE(m.delivered_at, $3)
		 WHERE m.conversation_id = $1 AND m.recipient_id = $2 AND m.status <> 'read'
		 RETURNING m.id`, conversationID, recipientID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationRead query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkConversationRead scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkConversationRead rows: %w", err)
	}
	return ids, nil
}

// UpdateContent edits a message's content and bumps the edit counter.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, content, contentIV string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $2, content_iv = $3, edited_at = $4, edit_count = edit_count + 1
		 WHERE id = $1`,
		id, content, contentIV, editedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	return nil
}

// DeleteForEveryone tombstones a message: the row survives for receipts and
// reply references, the payload does not.
func (r *MessageRepository) DeleteForEveryone(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.DeleteForEveryone", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET deleted_for_everyone = true, content = '', content_iv = '', attachment_url = ''
		 WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.DeleteForEveryone: %w", err)
	}
	return nil
}

// Hide removes a message from one user's view only (delete for me).
func (r *MessageRepository) Hide(ctx context.Context, messageID, userID string) error {
	defer logger.DeferLogDuration("msg.Hide", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_hides (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		messageID, userID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Hide: %w", err)
	}
	return nil
}

// GetConversationMessages returns a page of history as the viewer sees it:
// their hidden messages are excluded, star/pin markers are theirs.
func (r *MessageRepository) GetConversationMessages(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetConversationMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageFields+`,
		        EXISTS(SELECT 1 FROM message_stars s WHERE s.message_id = m.id AND s.user_id = $2),
		        EXISTS(SELECT 1 FROM pinned_messages p WHERE p.message_id = m.id)
		 FROM messages m
		 WHERE m.conversation_id = $1
		   AND NOT EXISTS (SELECT 1 FROM message_hides h WHERE h.message_id = m.id AND h.user_id = $2)
		 ORDER BY m.created_at DESC
		 LIMIT $3 OFFSET $4`, conversationID, viewerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m := model.Message{}
		var att model.Attachment
		var deletedForEveryone bool
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ContentIV, &m.ContentType,
			&att.URL, &att.Name, &att.Size, &att.MimeType,
			&m.Status, &m.DeliveredAt, &m.ReadAt, &m.EditedAt, &m.EditCount,
			&m.ReplyToID, &m.IsForwarded, &m.ForwardedFrom, &deletedForEveryone, &m.CreatedAt,
			&m.IsStarred, &m.IsPinned); err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversationMessages scan: %w", err)
		}
		if att != (model.Attachment{}) {
			m.Attachment = &att
		}
		if deletedForEveryone {
			m.DeletionState = model.DeletionStateForEveryone
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages rows: %w", err)
	}
	if err := r.attachReactions(ctx, messages); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages reactions: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) attachReactions(ctx context.Context, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, emoji FROM message_reactions WHERE message_id = ANY($1)`, ids,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	byMessage := make(map[string]map[string]string)
	for rows.Next() {
		var messageID, userID, emoji string
		if err := rows.Scan(&messageID, &userID, &emoji); err != nil {
			return err
		}
		if byMessage[messageID] == nil {
			byMessage[messageID] = make(map[string]string, 4)
		}
		byMessage[messageID][userID] = emoji
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range messages {
		messages[i].Reactions = byMessage[messages[i].ID]
	}
	return nil
}

// DeleteDeliveredBefore removes acknowledged messages whose delivery is older
// than the cutoff. Read messages carry delivered_at too, so one anchor covers both.
func (r *MessageRepository) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer logger.DeferLogDuration("msg.DeleteDeliveredBefore", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM messages WHERE delivered_at IS NOT NULL AND delivered_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.DeleteDeliveredBefore: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteUndeliveredBefore removes messages that never reached the recipient
// within the retention window.
func (r *MessageRepository) DeleteUndeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer logger.DeferLogDuration("msg.DeleteUndeliveredBefore", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM messages WHERE status = 'sent' AND created_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.DeleteUndeliveredBefore: %w", err)
	}
	return tag.RowsAffected(), nil
}
