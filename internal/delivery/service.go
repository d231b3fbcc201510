// Package delivery implements store-and-forward message delivery: messages
// are held server-side until the recipient acknowledges them, receipts flow
// back to the sender, and acknowledged messages age out of storage.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/notify"
	"github.com/chatcore/internal/repository"
)

var (
	ErrNotSender      = errors.New("not the sender")
	ErrNotRecipient   = errors.New("not the recipient")
	ErrNotParticipant = errors.New("not a participant")
	ErrValidation     = errors.New("validation failed")
)

const (
	// MaxContentBytes ограничивает текст и шифротекст сообщения.
	MaxContentBytes = 4096
	MaxEmojiBytes   = 16
)

type Config struct {
	// DeliveredRetention — сколько храним сообщение после подтверждения
	// доставки. UndeliveredRetention — потолок ожидания получателя.
	DeliveredRetention   time.Duration
	UndeliveredRetention time.Duration
	EditWindow           time.Duration
	DeleteWindow         time.Duration
	PendingSyncLimit     int
}

func (c *Config) applyDefaults() {
	if c.DeliveredRetention <= 0 {
		c.DeliveredRetention = 24 * time.Hour
	}
	if c.UndeliveredRetention <= 0 {
		c.UndeliveredRetention = 30 * 24 * time.Hour
	}
	if c.EditWindow <= 0 {
		c.EditWindow = 15 * time.Minute
	}
	if c.DeleteWindow <= 0 {
		c.DeleteWindow = time.Hour
	}
	if c.PendingSyncLimit <= 0 {
		c.PendingSyncLimit = 500
	}
}

type Service struct {
	msgRepo   MessageStore
	convRepo  ConversationStore
	reactRepo ReactionStore
	starRepo  StarStore
	pinRepo   PinStore
	notifier  notify.Notifier
	cfg       Config
}

func NewService(
	msgRepo MessageStore,
	convRepo ConversationStore,
	reactRepo ReactionStore,
	starRepo StarStore,
	pinRepo PinStore,
	notifier notify.Notifier,
	cfg Config,
) *Service {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		msgRepo:   msgRepo,
		convRepo:  convRepo,
		reactRepo: reactRepo,
		starRepo:  starRepo,
		pinRepo:   pinRepo,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// emit отправляет событие в фоне: запись в БД уже сделана, упавшая или
// медленная доставка не должна портить ответ клиенту.
func (s *Service) emit(userID string, ev notify.Event) {
	go s.notifier.Notify(userID, ev)
}

type SendInput struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	RecipientID    string            `json:"recipient_id,omitempty"`
	ClientID       string            `json:"client_id,omitempty"`
	Content        string            `json:"content"`
	ContentIV      string            `json:"content_iv,omitempty"`
	ContentType    model.ContentType `json:"content_type,omitempty"`
	Attachment     *model.Attachment `json:"attachment,omitempty"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
}

// Send stores the message with status "sent" and fans out new_message events.
// The sender's own devices get the event with ClientID echoed, so the
// optimistic local copy is replaced by exact id match, not by guessing.
func (s *Service) Send(ctx context.Context, senderID string, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("delivery.Send", time.Now())()

	contentType := in.ContentType
	if contentType == "" {
		contentType = model.ContentTypeText
	}
	if !contentType.Valid() {
		return nil, fmt.Errorf("unknown content type %q: %w", contentType, ErrValidation)
	}
	if len(in.Content) > MaxContentBytes {
		return nil, fmt.Errorf("content exceeds %d bytes: %w", MaxContentBytes, ErrValidation)
	}
	if in.Content == "" && in.Attachment == nil {
		return nil, fmt.Errorf("empty message: %w", ErrValidation)
	}
	if in.Attachment != nil && in.Attachment.URL == "" {
		return nil, fmt.Errorf("attachment without url: %w", ErrValidation)
	}

	conv, err := s.resolveConversation(ctx, senderID, in.ConversationID, in.RecipientID)
	if err != nil {
		return nil, err
	}
	recipient := conv.Peer(senderID)

	var replyToID *string
	if in.ReplyToID != "" {
		replyTo, err := s.msgRepo.GetByID(ctx, in.ReplyToID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// Цитируемое сообщение уже вычищено с сервера: связь не сохраняем,
			// у клиента останется локальная копия цитаты.
		case err != nil:
			return nil, err
		case replyTo.ConversationID != conv.ID:
			return nil, fmt.Errorf("reply to a message from another conversation: %w", ErrValidation)
		default:
			replyToID = &in.ReplyToID
		}
	}

	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        in.Content,
		ContentIV:      in.ContentIV,
		ContentType:    contentType,
		Attachment:     in.Attachment,
		Status:         model.MessageStatusSent,
		ReplyToID:      replyToID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.msgRepo.Create(ctx, m, recipient); err != nil {
		return nil, err
	}

	s.emit(recipient, notify.NewEvent(notify.EventNewMessage, conv.ID, notify.NewMessagePayload{Message: m}))
	s.emit(senderID, notify.NewEvent(notify.EventNewMessage, conv.ID, notify.NewMessagePayload{Message: m, ClientID: in.ClientID}))
	return m, nil
}

// resolveConversation принимает либо id существующего диалога, либо id
// получателя (диалог создаётся при первом сообщении).
func (s *Service) resolveConversation(ctx context.Context, userID, conversationID, recipientID string) (*model.Conversation, error) {
	if conversationID != "" {
		conv, err := s.convRepo.GetByID(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if !conv.HasParticipant(userID) {
			return nil, ErrNotParticipant
		}
		return conv, nil
	}
	if recipientID == "" {
		return nil, fmt.Errorf("conversation_id or recipient_id required: %w", ErrValidation)
	}
	if recipientID == userID {
		return nil, fmt.Errorf("cannot message yourself: %w", ErrValidation)
	}
	return s.convRepo.FindOrCreate(ctx, userID, recipientID)
}

// PendingMessages is the recipient's catch-up call: everything stored for
// them that has not been acknowledged yet, oldest first.
func (s *Service) PendingMessages(ctx context.Context, userID string) (*model.PendingSync, error) {
	defer logger.DeferLogDuration("delivery.PendingMessages", time.Now())()
	messages, err := s.msgRepo.PendingForRecipient(ctx, userID, s.cfg.PendingSyncLimit)
	if err != nil {
		return nil, err
	}
	total := len(messages)
	if total == s.cfg.PendingSyncLimit {
		if total, err = s.msgRepo.CountPending(ctx, userID); err != nil {
			return nil, err
		}
	}
	return &model.PendingSync{Messages: messages, TotalPending: total, SyncedAt: time.Now().UTC()}, nil
}

func (s *Service) receipt(m *model.Message) *model.DeliveryReceipt {
	r := &model.DeliveryReceipt{MessageID: m.ID, Status: m.Status, DeliveredAt: m.DeliveredAt, ReadAt: m.ReadAt}
	if m.DeliveredAt != nil {
		t := m.DeliveredAt.Add(s.cfg.DeliveredRetention)
		r.DeleteScheduled = &t
	}
	return r
}

// MarkDelivered acknowledges one message. Repeating the call returns the
// same receipt and emits nothing: the transition happened once.
func (s *Service) MarkDelivered(ctx context.Context, userID, messageID string) (*model.DeliveryReceipt, error) {
	defer logger.DeferLogDuration("delivery.MarkDelivered", time.Now())()
	now := time.Now().UTC()
	m, err := s.msgRepo.MarkDelivered(ctx, messageID, userID, now)
	if errors.Is(err, repository.ErrNotFound) {
		return s.ackFallback(ctx, userID, messageID)
	}
	if err != nil {
		return nil, err
	}

	s.emit(m.SenderID, notify.NewEvent(notify.EventMessageStatus, m.ConversationID, notify.MessageStatusPayload{
		MessageID:   m.ID,
		Status:      model.MessageStatusDelivered,
		DeliveredAt: m.DeliveredAt,
	}))
	return s.receipt(m), nil
}

// MarkRead moves a message straight to "read"; a missing delivered_at is
// backfilled, the status never goes backwards.
func (s *Service) MarkRead(ctx context.Context, userID, messageID string) (*model.DeliveryReceipt, error) {
	defer logger.DeferLogDuration("delivery.MarkRead", time.Now())()
	now := time.Now().UTC()
	m, err := s.msgRepo.MarkRead(ctx, messageID, userID, now)
	if errors.Is(err, repository.ErrNotFound) {
		return s.ackFallback(ctx, userID, messageID)
	}
	if err != nil {
		return nil, err
	}

	s.emit(m.SenderID, notify.NewEvent(notify.EventMessageStatus, m.ConversationID, notify.MessageStatusPayload{
		MessageID:   m.ID,
		Status:      model.MessageStatusRead,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
	}))
	return s.receipt(m), nil
}

// ackFallback разбирает, почему UPDATE никого не задел: чужое сообщение,
// несуществующее или уже подтверждённое (тогда это идемпотентный повтор).
func (s *Service) ackFallback(ctx context.Context, userID, messageID string) (*model.DeliveryReceipt, error) {
	m, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID == userID {
		return nil, ErrNotRecipient
	}
	conv, err := s.convRepo.GetByID(ctx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotRecipient
	}
	return s.receipt(m), nil
}

// MarkConversationDelivered acknowledges every pending message in the
// conversation at once and sends the peer a single bulk receipt.
func (s *Service) MarkConversationDelivered(ctx context.Context, userID, conversationID string) (int, error) {
	defer logger.DeferLogDuration("delivery.MarkConversationDelivered", time.Now())()
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(userID) {
		return 0, ErrNotParticipant
	}

	now := time.Now().UTC()
	ids, err := s.msgRepo.MarkConversationDelivered(ctx, conversationID, userID, now)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	s.emit(conv.Peer(userID), notify.NewEvent(notify.EventConversationDelivered, conversationID, notify.ConversationDeliveredPayload{
		MessageIDs:  ids,
		DeliveredAt: now,
	}))
	return len(ids), nil
}

// MarkConversationRead acknowledges the whole conversation as read. The peer
// gets one message_status event with an empty message_id, meaning "all of it".
func (s *Service) MarkConversationRead(ctx context.Context, userID, conversationID string) (int, error) {
	defer logger.DeferLogDuration("delivery.MarkConversationRead", time.Now())()
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(userID) {
		return 0, ErrNotParticipant
	}

	now := time.Now().UTC()
	ids, err := s.msgRepo.MarkConversationRead(ctx, conversationID, userID, now)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	s.emit(conv.Peer(userID), notify.NewEvent(notify.EventMessageStatus, conversationID, notify.MessageStatusPayload{
		Status:      model.MessageStatusRead,
		DeliveredAt: &now,
		ReadAt:      &now,
	}))
	return len(ids), nil
}

// Edit replaces the content of an own recent message.
func (s *Service) Edit(ctx context.Context, userID, messageID, content, contentIV string) (*model.Message, error) {
	defer logger.DeferLogDuration("delivery.Edit", time.Now())()
	if content == "" || len(content) > MaxContentBytes {
		return nil, fmt.Errorf("bad content length: %w", ErrValidation)
	}
	m, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, ErrNotSender
	}
	if m.DeletionState == model.DeletionStateForEveryone {
		return nil, fmt.Errorf("message is deleted: %w", ErrValidation)
	}
	if time.Since(m.CreatedAt) > s.cfg.EditWindow {
		return nil, fmt.Errorf("edit window expired: %w", ErrValidation)
	}

	now := time.Now().UTC()
	if err := s.msgRepo.UpdateContent(ctx, messageID, content, contentIV, now); err != nil {
		return nil, err
	}
	m.Content = content
	m.ContentIV = contentIV
	m.EditedAt = &now
	m.EditCount++

	payload := notify.MessageEditedPayload{
		MessageID: m.ID,
		Content:   content,
		ContentIV: contentIV,
		EditedAt:  now,
		EditCount: m.EditCount,
	}
	if peer := s.peerOf(ctx, m, userID); peer != "" {
		s.emit(peer, notify.NewEvent(notify.EventMessageEdited, m.ConversationID, payload))
	}
	s.emit(userID, notify.NewEvent(notify.EventMessageEdited, m.ConversationID, payload))
	return m, nil
}

// DeleteForEveryone tombstones an own recent message on both sides.
func (s *Service) DeleteForEveryone(ctx context.Context, userID, messageID string) error {
	defer logger.DeferLogDuration("delivery.DeleteForEveryone", time.Now())()
	m, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != userID {
		return ErrNotSender
	}
	if m.DeletionState == model.DeletionStateForEveryone {
		return nil
	}
	if time.Since(m.CreatedAt) > s.cfg.DeleteWindow {
		return fmt.Errorf("delete window expired: %w", ErrValidation)
	}
	if err := s.msgRepo.DeleteForEveryone(ctx, messageID); err != nil {
		return err
	}

	payload := notify.MessageDeletedPayload{MessageID: messageID, Scope: notify.DeleteScopeEveryone}
	if peer := s.peerOf(ctx, m, userID); peer != "" {
		s.emit(peer, notify.NewEvent(notify.EventMessageDeleted, m.ConversationID, payload))
	}
	s.emit(userID, notify.NewEvent(notify.EventMessageDeleted, m.ConversationID, payload))
	return nil
}

// HideForMe removes the message from the caller's view only. The peer is
// never told; the caller's other devices are.
func (s *Service) HideForMe(ctx context.Context, userID, messageID string) error {
	defer logger.DeferLogDuration("delivery.HideForMe", time.Now())()
	m, err := s.requireParticipant(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := s.msgRepo.Hide(ctx, messageID, userID); err != nil {
		return err
	}
	s.emit(userID, notify.NewEvent(notify.EventMessageDeleted, m.ConversationID, notify.MessageDeletedPayload{
		MessageID: messageID,
		Scope:     notify.DeleteScopeMe,
	}))
	return nil
}

// React sets the caller's reaction; a repeat with another emoji replaces it.
func (s *Service) React(ctx context.Context, userID, messageID, emoji string) error {
	defer logger.DeferLogDuration("delivery.React", time.Now())()
	if emoji == "" || len(emoji) > MaxEmojiBytes {
		return fmt.Errorf("bad emoji: %w", ErrValidation)
	}
	m, err := s.requireParticipant(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if m.DeletionState == model.DeletionStateForEveryone {
		return fmt.Errorf("message is deleted: %w", ErrValidation)
	}
	if err := s.reactRepo.Set(ctx, messageID, userID, emoji); err != nil {
		return err
	}

	payload := notify.ReactionPayload{MessageID: messageID, UserID: userID, Emoji: emoji}
	s.emit(m.SenderID, notify.NewEvent(notify.EventMessageReaction, m.ConversationID, payload))
	if m.SenderID != userID {
		s.emit(userID, notify.NewEvent(notify.EventMessageReaction, m.ConversationID, payload))
	} else if peer := s.peerOf(ctx, m, userID); peer != "" {
		s.emit(peer, notify.NewEvent(notify.EventMessageReaction, m.ConversationID, payload))
	}
	return nil
}

// RemoveReaction clears the caller's reaction. Removing twice is quiet.
func (s *Service) RemoveReaction(ctx context.Context, userID, messageID string) error {
	defer logger.DeferLogDuration("delivery.RemoveReaction", time.Now())()
	m, err := s.requireParticipant(ctx, userID, messageID)
	if err != nil {
		return err
	}
	removed, err := s.reactRepo.Remove(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	payload := notify.ReactionRemovedPayload{MessageID: messageID, UserID: userID}
	s.emit(m.SenderID, notify.NewEvent(notify.EventMessageReactionGone, m.ConversationID, payload))
	if m.SenderID != userID {
		s.emit(userID, notify.NewEvent(notify.EventMessageReactionGone, m.ConversationID, payload))
	} else if peer := s.peerOf(ctx, m, userID); peer != "" {
		s.emit(peer, notify.NewEvent(notify.EventMessageReactionGone, m.ConversationID, payload))
	}
	return nil
}

type ForwardInput struct {
	ConversationID string `json:"conversation_id,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

// Forward copies an existing message into another conversation, keeping the
// original author on the copy.
func (s *Service) Forward(ctx context.Context, userID, messageID string, in ForwardInput) (*model.Message, error) {
	defer logger.DeferLogDuration("delivery.Forward", time.Now())()
	src, err := s.requireParticipant(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if src.DeletionState == model.DeletionStateForEveryone {
		return nil, fmt.Errorf("message is deleted: %w", ErrValidation)
	}

	target, err := s.resolveConversation(ctx, userID, in.ConversationID, in.RecipientID)
	if err != nil {
		return nil, err
	}
	recipient := target.Peer(userID)

	forwardedFrom := src.ForwardedFrom
	if forwardedFrom == "" {
		forwardedFrom = src.SenderID
	}
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: target.ID,
		SenderID:       userID,
		Content:        src.Content,
		ContentIV:      src.ContentIV,
		ContentType:    src.ContentType,
		Attachment:     src.Attachment,
		Status:         model.MessageStatusSent,
		IsForwarded:    true,
		ForwardedFrom:  forwardedFrom,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.msgRepo.Create(ctx, m, recipient); err != nil {
		return nil, err
	}

	s.emit(recipient, notify.NewEvent(notify.EventNewMessage, target.ID, notify.NewMessagePayload{Message: m}))
	s.emit(userID, notify.NewEvent(notify.EventNewMessage, target.ID, notify.NewMessagePayload{Message: m, ClientID: in.ClientID}))
	return m, nil
}

func (s *Service) Star(ctx context.Context, userID, messageID string) error {
	if _, err := s.requireParticipant(ctx, userID, messageID); err != nil {
		return err
	}
	return s.starRepo.Star(ctx, messageID, userID)
}

func (s *Service) Unstar(ctx context.Context, userID, messageID string) error {
	if _, err := s.requireParticipant(ctx, userID, messageID); err != nil {
		return err
	}
	return s.starRepo.Unstar(ctx, messageID, userID)
}

func (s *Service) StarredMessages(ctx context.Context, userID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.starRepo.ListStarred(ctx, userID, limit)
}

func (s *Service) Pin(ctx context.Context, userID, messageID string) error {
	m, err := s.requireParticipant(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := s.pinRepo.Pin(ctx, m.ConversationID, messageID, userID); err != nil {
		return err
	}
	payload := notify.PinPayload{MessageID: messageID, PinnedBy: userID}
	s.emit(userID, notify.NewEvent(notify.EventMessagePinned, m.ConversationID, payload))
	if peer := s.peerOf(ctx, m, userID); peer != "" {
		s.emit(peer, notify.NewEvent(notify.EventMessagePinned, m.ConversationID, payload))
	}
	return nil
}

func (s *Service) Unpin(ctx context.Context, userID, messageID string) error {
	m, err := s.requireParticipant(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := s.pinRepo.Unpin(ctx, m.ConversationID, messageID); err != nil {
		return err
	}
	payload := notify.UnpinPayload{MessageID: messageID}
	s.emit(userID, notify.NewEvent(notify.EventMessageUnpinned, m.ConversationID, payload))
	if peer := s.peerOf(ctx, m, userID); peer != "" {
		s.emit(peer, notify.NewEvent(notify.EventMessageUnpinned, m.ConversationID, payload))
	}
	return nil
}

func (s *Service) PinnedMessages(ctx context.Context, userID, conversationID string) ([]model.PinnedMessage, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return s.pinRepo.GetPinned(ctx, conversationID)
}

// History returns a page of conversation history as the caller sees it.
func (s *Service) History(ctx context.Context, userID, conversationID string, limit, offset int) ([]model.Message, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.msgRepo.GetConversationMessages(ctx, conversationID, userID, limit, offset)
}

func (s *Service) Conversations(ctx context.Context, userID string) ([]model.ConversationWithLastMessage, error) {
	return s.convRepo.ListForUser(ctx, userID)
}

// StartConversation opens (or finds) the 1:1 channel with another user.
func (s *Service) StartConversation(ctx context.Context, userID, peerID string) (*model.Conversation, error) {
	if peerID == "" {
		return nil, fmt.Errorf("peer_id required: %w", ErrValidation)
	}
	if peerID == userID {
		return nil, fmt.Errorf("cannot converse with yourself: %w", ErrValidation)
	}
	return s.convRepo.FindOrCreate(ctx, userID, peerID)
}

func (s *Service) requireParticipant(ctx context.Context, userID, messageID string) (*model.Message, error) {
	m, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID == userID {
		return m, nil
	}
	conv, err := s.convRepo.GetByID(ctx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return m, nil
}

func (s *Service) peerOf(ctx context.Context, m *model.Message, userID string) string {
	conv, err := s.convRepo.GetByID(ctx, m.ConversationID)
	if err != nil {
		logger.Errorf("delivery peer lookup conv=%s: %v", m.ConversationID, err)
		return ""
	}
	return conv.Peer(userID)
}

// CleanupDelivered drops messages acknowledged longer ago than the retention
// window. Returns how many rows went away.
func (s *Service) CleanupDelivered(ctx context.Context) (int64, error) {
	defer logger.DeferLogDuration("delivery.CleanupDelivered", time.Now())()
	cutoff := time.Now().UTC().Add(-s.cfg.DeliveredRetention)
	n, err := s.msgRepo.DeleteDeliveredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Infof("cleanup: removed %d delivered messages older than %s", n, s.cfg.DeliveredRetention)
	}
	return n, nil
}

// CleanupUndelivered drops messages the recipient never picked up.
func (s *Service) CleanupUndelivered(ctx context.Context) (int64, error) {
	defer logger.DeferLogDuration("delivery.CleanupUndelivered", time.Now())()
	cutoff := time.Now().UTC().Add(-s.cfg.UndeliveredRetention)
	n, err := s.msgRepo.DeleteUndeliveredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Infof("cleanup: removed %d undelivered messages older than %s", n, s.cfg.UndeliveredRetention)
	}
	return n, nil
}
