package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/notify"
)

// Envelope mirrors the wire event; Data stays raw until the type is known.
type Envelope struct {
	ID             string           `json:"id"`
	Type           notify.EventType `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Data           json.RawMessage  `json:"data"`
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	return env, nil
}

// Apply decodes one pushed event and queues its application. Events for
// other conversations and unknown types are dropped; transport-level acking
// is the caller's job and happens regardless.
func (v *View) Apply(env Envelope) error {
	if env.ConversationID != "" && env.ConversationID != v.conversationID {
		return nil
	}

	switch env.Type {
	case notify.EventNewMessage:
		var p notify.NewMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode new_message: %w", err)
		}
		if p.Message == nil {
			return errors.New("new_message without message body")
		}
		v.post(func() {
			if v.fold(p.Message, p.ClientID) {
				v.notifyChanged()
			}
		})
	case notify.EventMessageStatus:
		var p notify.MessageStatusPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode message_status: %w", err)
		}
		v.post(func() {
			if v.applyStatus(p) {
				v.notifyChanged()
			}
		})
	case notify.EventConversationDelivered:
		var p notify.ConversationDeliveredPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode conversation_delivered: %w", err)
		}
		v.post(func() {
			if v.applyConversationDelivered(p) {
				v.notifyChanged()
			}
		})
	case notify.EventMessageEdited:
		var p notify.MessageEditedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode message_edited: %w", err)
		}
		v.post(func() {
			if v.applyEdited(p) {
				v.notifyChanged()
			}
		})
	case notify.EventMessageDeleted:
		var p notify.MessageDeletedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode message_deleted: %w", err)
		}
		v.post(func() {
			if v.applyDeleted(p) {
				v.notifyChanged()
			}
		})
	case notify.EventMessageReaction:
		var p notify.ReactionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode message_reaction: %w", err)
		}
		v.post(func() {
			if v.applyReaction(p) {
				v.notifyChanged()
			}
		})
	case notify.EventMessageReactionGone:
		var p notify.ReactionRemovedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode message_reaction_removed: %w", err)
		}
		v.post(func() {
			if v.applyReactionRemoved(p) {
				v.notifyChanged()
			}
		})
	case notify.EventMessagePinned:
		var p notify.PinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode message_pinned: %w", err)
		}
		v.post(func() {
			if v.applyPinned(p.MessageID, true) {
				v.notifyChanged()
			}
		})
	case notify.EventMessageUnpinned:
		var p notify.UnpinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode message_unpinned: %w", err)
		}
		v.post(func() {
			if v.applyPinned(p.MessageID, false) {
				v.notifyChanged()
			}
		})
	default:
		// typing/stop_typing и будущие типы список не меняют
	}
	return nil
}

// fold is the single entry point for a message reaching the list: history
// pages, send confirmations and new_message events all converge here.
// Reports whether anything visible changed.
func (v *View) fold(m *model.Message, clientID string) bool {
	deletedForMe, err := v.tombs.IsDeletedForMe(m.ID)
	if err != nil {
		logger.Errorf("reconcile tombstone lookup %s: %v", m.ID, err)
	}
	if deletedForMe {
		return v.removeFromList(m.ID)
	}
	deletedForEveryone, err := v.tombs.IsDeletedForEveryone(m.ID)
	if err != nil {
		logger.Errorf("reconcile tombstone lookup %s: %v", m.ID, err)
	}
	if deletedForEveryone {
		m.HideContent()
	}

	if existing, ok := v.byID[m.ID]; ok {
		return mergeInto(existing, m)
	}

	if tempID := v.matchPending(m, clientID); tempID != "" {
		opt := v.pending[tempID]
		delete(v.pending, tempID)
		fillFromOptimistic(m, opt)
		v.replaceEntry(tempID, m)
		return true
	}

	v.insertSorted(m)
	return true
}

// matchPending finds the optimistic entry a server message confirms. An
// echoed client_id matches exactly; without one (older server, history
// page) the (sender, content, reply) heuristic is the fallback.
func (v *View) matchPending(m *model.Message, clientID string) string {
	if clientID != "" {
		if _, ok := v.pending[clientID]; ok {
			return clientID
		}
		// client_id чужого устройства: наши pending не трогаем
		return ""
	}
	if m.SenderID != v.selfID {
		return ""
	}
	for tempID, opt := range v.pending {
		if opt.Content == m.Content && samePointee(opt.ReplyToID, m.ReplyToID) {
			return tempID
		}
	}
	return ""
}

func samePointee(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// fillFromOptimistic keeps locally-known fields the server response omitted.
func fillFromOptimistic(m, opt *model.Message) {
	if m.ReplyToID == nil && opt.ReplyToID != nil {
		m.ReplyToID = opt.ReplyToID
	}
	if m.Attachment == nil && opt.Attachment != nil {
		m.Attachment = opt.Attachment
	}
	if m.ContentIV == "" && opt.ContentIV != "" {
		m.ContentIV = opt.ContentIV
	}
}

// mergeInto folds a fresher server copy into the entry already on the list.
// Status only moves forward and every assignment is guarded, so replaying
// the same payload is a no-op.
func mergeInto(dst, src *model.Message) bool {
	changed := promote(dst, src.Status, src.DeliveredAt, src.ReadAt)
	if src.EditCount > dst.EditCount {
		dst.EditCount = src.EditCount
		dst.EditedAt = src.EditedAt
		dst.Content = src.Content
		dst.ContentIV = src.ContentIV
		changed = true
	}
	if src.DeletionState == model.DeletionStateForEveryone && dst.DeletionState != model.DeletionStateForEveryone {
		dst.HideContent()
		changed = true
	}
	if src.Reactions != nil && !sameReactions(dst.Reactions, src.Reactions) {
		dst.Reactions = make(map[string]string, len(src.Reactions))
		for k, e := range src.Reactions {
			dst.Reactions[k] = e
		}
		changed = true
	}
	if src.IsStarred && !dst.IsStarred {
		dst.IsStarred = true
		changed = true
	}
	if src.IsPinned != dst.IsPinned {
		dst.IsPinned = src.IsPinned
		changed = true
	}
	return changed
}

func sameReactions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, e := range a {
		if b[k] != e {
			return false
		}
	}
	return true
}

func promote(m *model.Message, status model.MessageStatus, deliveredAt, readAt *time.Time) bool {
	changed := false
	if status.Rank() > m.Status.Rank() {
		m.Status = status
		changed = true
	}
	if m.DeliveredAt == nil && deliveredAt != nil {
		m.DeliveredAt = deliveredAt
		changed = true
	}
	if m.ReadAt == nil && readAt != nil {
		m.ReadAt = readAt
		changed = true
	}
	return changed
}

func (v *View) applyStatus(p notify.MessageStatusPayload) bool {
	// Пустой message_id: квитанция на все свои сообщения в диалоге.
	if p.MessageID == "" {
		changed := false
		for _, m := range v.messages {
			if m.SenderID == v.selfID && !model.IsTempID(m.ID) && promote(m, p.Status, p.DeliveredAt, p.ReadAt) {
				changed = true
			}
		}
		return changed
	}
	m, ok := v.byID[p.MessageID]
	if !ok || m.SenderID != v.selfID {
		return false
	}
	return promote(m, p.Status, p.DeliveredAt, p.ReadAt)
}

func (v *View) applyConversationDelivered(p notify.ConversationDeliveredPayload) bool {
	at := p.DeliveredAt
	changed := false
	for _, id := range p.MessageIDs {
		m, ok := v.byID[id]
		if !ok || m.SenderID != v.selfID {
			continue
		}
		if promote(m, model.MessageStatusDelivered, &at, nil) {
			changed = true
		}
	}
	return changed
}

func (v *View) applyEdited(p notify.MessageEditedPayload) bool {
	m, ok := v.byID[p.MessageID]
	if !ok || p.EditCount <= m.EditCount {
		return false
	}
	t := p.EditedAt
	m.Content = p.Content
	m.ContentIV = p.ContentIV
	m.EditedAt = &t
	m.EditCount = p.EditCount
	return true
}

func (v *View) applyDeleted(p notify.MessageDeletedPayload) bool {
	switch p.Scope {
	case notify.DeleteScopeMe:
		// Эхо собственного удаления с другого устройства.
		if err := v.tombs.MarkDeletedForMe(p.MessageID); err != nil {
			logger.Errorf("reconcile tombstone mark %s: %v", p.MessageID, err)
		}
		return v.removeFromList(p.MessageID)
	case notify.DeleteScopeEveryone:
		if err := v.tombs.MarkDeletedForEveryone(p.MessageID); err != nil {
			logger.Errorf("reconcile tombstone mark %s: %v", p.MessageID, err)
		}
		m, ok := v.byID[p.MessageID]
		if !ok || m.DeletionState == model.DeletionStateForEveryone {
			return false
		}
		m.HideContent()
		return true
	}
	return false
}

func (v *View) applyReaction(p notify.ReactionPayload) bool {
	m, ok := v.byID[p.MessageID]
	if !ok || m.Reactions[p.UserID] == p.Emoji {
		return false
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	m.Reactions[p.UserID] = p.Emoji
	return true
}

func (v *View) applyReactionRemoved(p notify.ReactionRemovedPayload) bool {
	m, ok := v.byID[p.MessageID]
	if !ok {
		return false
	}
	if _, has := m.Reactions[p.UserID]; !has {
		return false
	}
	delete(m.Reactions, p.UserID)
	return true
}

func (v *View) applyPinned(messageID string, pinned bool) bool {
	m, ok := v.byID[messageID]
	if !ok || m.IsPinned == pinned {
		return false
	}
	m.IsPinned = pinned
	return true
}
