package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/repository"
)

// memStore реализует все Store-интерфейсы поверх map — семантика повторяет
// SQL-реализацию из repository, включая монотонные переходы статусов.
type memStore struct {
	mu         sync.Mutex
	messages   map[string]*model.Message
	recipients map[string]string
	order      []string
	hides      map[string]map[string]bool
	reactions  map[string]map[string]string
	stars      map[string]map[string]bool
	starOrder  []string
	pins       map[string][]model.PinnedMessage
}

func newMemStore() *memStore {
	return &memStore{
		messages:   make(map[string]*model.Message),
		recipients: make(map[string]string),
		hides:      make(map[string]map[string]bool),
		reactions:  make(map[string]map[string]string),
		stars:      make(map[string]map[string]bool),
		pins:       make(map[string][]model.PinnedMessage),
	}
}

func (s *memStore) Create(_ context.Context, m *model.Message, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m.Clone()
	s.recipients[m.ID] = recipientID
	s.order = append(s.order, m.ID)
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *memStore) PendingForRecipient(_ context.Context, recipientID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, 8)
	for _, id := range s.order {
		m := s.messages[id]
		if m == nil || s.recipients[id] != recipientID || m.Status != model.MessageStatusSent {
			continue
		}
		cp := m.Clone()
		cp.Reactions = s.copyReactions(id)
		out = append(out, *cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) CountPending(_ context.Context, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if s.recipients[id] == recipientID && m.Status == model.MessageStatusSent {
			n++
		}
	}
	return n, nil
}

func (s *memStore) MarkDelivered(_ context.Context, id, recipientID string, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || s.recipients[id] != recipientID || m.Status != model.MessageStatusSent {
		return nil, repository.ErrNotFound
	}
	t := at
	m.Status = model.MessageStatusDelivered
	m.DeliveredAt = &t
	return m.Clone(), nil
}

func (s *memStore) MarkConversationDelivered(_ context.Context, conversationID, recipientID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		m := s.messages[id]
		if m == nil || m.ConversationID != conversationID || s.recipients[id] != recipientID || m.Status != model.MessageStatusSent {
			continue
		}
		t := at
		m.Status = model.MessageStatusDelivered
		m.DeliveredAt = &t
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) MarkRead(_ context.Context, id, recipientID string, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || s.recipients[id] != recipientID || m.Status == model.MessageStatusRead {
		return nil, repository.ErrNotFound
	}
	t := at
	m.Status = model.MessageStatusRead
	m.ReadAt = &t
	if m.DeliveredAt == nil {
		m.DeliveredAt = &t
	}
	return m.Clone(), nil
}

func (s *memStore) MarkConversationRead(_ context.Context, conversationID, recipientID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		m := s.messages[id]
		if m == nil || m.ConversationID != conversationID || s.recipients[id] != recipientID || m.Status == model.MessageStatusRead {
			continue
		}
		t := at
		m.Status = model.MessageStatusRead
		m.ReadAt = &t
		if m.DeliveredAt == nil {
			m.DeliveredAt = &t
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) UpdateContent(_ context.Context, id, content, contentIV string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return repository.ErrNotFound
	}
	t := editedAt
	m.Content = content
	m.ContentIV = contentIV
	m.EditedAt = &t
	m.EditCount++
	return nil
}

func (s *memStore) DeleteForEveryone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.HideContent()
	return nil
}

func (s *memStore) Hide(_ context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hides[messageID] == nil {
		s.hides[messageID] = make(map[string]bool)
	}
	s.hides[messageID][userID] = true
	return nil
}

func (s *memStore) GetConversationMessages(_ context.Context, conversationID, viewerID string, limit, offset int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.Message
	for _, id := range s.order {
		m := s.messages[id]
		if m == nil || m.ConversationID != conversationID || s.hides[id][viewerID] {
			continue
		}
		cp := m.Clone()
		cp.Reactions = s.copyReactions(id)
		cp.IsStarred = s.stars[id][viewerID]
		cp.IsPinned = s.isPinned(conversationID, id)
		all = append(all, *cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *memStore) DeleteDeliveredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.messages {
		if m.DeliveredAt != nil && m.DeliveredAt.Before(cutoff) {
			s.drop(id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteUndeliveredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.messages {
		if m.Status == model.MessageStatusSent && m.CreatedAt.Before(cutoff) {
			s.drop(id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) drop(id string) {
	delete(s.messages, id)
	delete(s.recipients, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *memStore) copyReactions(id string) map[string]string {
	src := s.reactions[id]
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (s *memStore) isPinned(conversationID, messageID string) bool {
	for _, p := range s.pins[conversationID] {
		if p.MessageID == messageID {
			return true
		}
	}
	return false
}

// memConvStore хранит диалоги отдельно: метод GetByID у MessageStore и
// ConversationStore конфликтует на одном типе.
type memConvStore struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
}

func newMemConvStore() *memConvStore {
	return &memConvStore{convs: make(map[string]*model.Conversation)}
}

func (s *memConvStore) FindOrCreate(_ context.Context, userA, userB string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b := model.NormalizePair(userA, userB)
	for _, c := range s.convs {
		if c.UserA == a && c.UserB == b {
			cp := *c
			return &cp, nil
		}
	}
	c := &model.Conversation{ID: uuid.New().String(), UserA: a, UserB: b, CreatedAt: time.Now().UTC()}
	s.convs[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *memConvStore) GetByID(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memConvStore) ListForUser(_ context.Context, userID string) ([]model.ConversationWithLastMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ConversationWithLastMessage
	for _, c := range s.convs {
		if c.UserA != userID && c.UserB != userID {
			continue
		}
		out = append(out, model.ConversationWithLastMessage{Conversation: *c})
	}
	return out, nil
}

// --- ReactionStore ---

func (s *memStore) Set(_ context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactions[messageID] == nil {
		s.reactions[messageID] = make(map[string]string)
	}
	s.reactions[messageID][userID] = emoji
	return nil
}

func (s *memStore) Remove(_ context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reactions[messageID][userID]; !ok {
		return false, nil
	}
	delete(s.reactions[messageID], userID)
	return true, nil
}

func (s *memStore) GetForMessage(_ context.Context, messageID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyReactions(messageID), nil
}

// --- StarStore ---

func (s *memStore) Star(_ context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stars[messageID] == nil {
		s.stars[messageID] = make(map[string]bool)
	}
	if !s.stars[messageID][userID] {
		s.stars[messageID][userID] = true
		s.starOrder = append(s.starOrder, messageID+"|"+userID)
	}
	return nil
}

func (s *memStore) Unstar(_ context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stars[messageID], userID)
	return nil
}

func (s *memStore) ListStarred(_ context.Context, userID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for i := len(s.starOrder) - 1; i >= 0 && len(out) < limit; i-- {
		key := s.starOrder[i]
		for id := range s.stars {
			if key == id+"|"+userID && s.stars[id][userID] && s.messages[id] != nil {
				cp := s.messages[id].Clone()
				cp.IsStarred = true
				out = append(out, *cp)
			}
		}
	}
	return out, nil
}

// --- PinStore ---

func (s *memStore) Pin(_ context.Context, conversationID, messageID, pinnedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isPinned(conversationID, messageID) {
		return nil
	}
	s.pins[conversationID] = append(s.pins[conversationID], model.PinnedMessage{
		ConversationID: conversationID, MessageID: messageID, PinnedBy: pinnedBy, PinnedAt: time.Now().UTC(),
	})
	return nil
}

func (s *memStore) Unpin(_ context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pins[conversationID][:0]
	for _, p := range s.pins[conversationID] {
		if p.MessageID != messageID {
			kept = append(kept, p)
		}
	}
	s.pins[conversationID] = kept
	return nil
}

func (s *memStore) GetPinned(_ context.Context, conversationID string) ([]model.PinnedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PinnedMessage(nil), s.pins[conversationID]...), nil
}
