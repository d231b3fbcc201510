// Package reconcile keeps a client's view of one conversation consistent.
// Three sources mutate the same list concurrently: optimistic local sends,
// their REST confirmations, and pushed events that may arrive duplicated or
// out of order. All of them are funneled through a single op queue, and
// every apply is idempotent, so replays cannot corrupt the view.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/notify"
	"github.com/chatcore/internal/tombstone"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotEditable    = errors.New("not editable")
	ErrNotDeletable   = errors.New("not deletable")
)

const (
	// EditWindow / DeleteWindow повторяют серверные правила, чтобы UI мог
	// решить про кнопку без круга по сети. Авторитет остаётся за сервером.
	EditWindow   = 15 * time.Minute
	DeleteWindow = time.Hour

	opQueueSize = 64
)

type Options struct {
	// OnChange receives a deep-copied snapshot after every applied change.
	// It runs on the view's own goroutine; do not block in it.
	OnChange func(messages []model.Message)
	// OnSendFailed reports a failed optimistic send after its entry was
	// rolled back. Retrying is the caller's decision.
	OnSendFailed func(tempID string, err error)
}

// View owns the ordered message list of one open conversation plus the map
// of not-yet-confirmed optimistic sends.
type View struct {
	conversationID string
	selfID         string
	gateway        Gateway
	tombs          tombstone.Store
	opts           Options

	ops  chan func()
	done chan struct{}
	once sync.Once

	// Поля ниже трогает только горутина run.
	messages []*model.Message
	byID     map[string]*model.Message
	pending  map[string]*model.Message
}

func NewView(conversationID, selfID string, gateway Gateway, tombs tombstone.Store, opts Options) *View {
	v := &View{
		conversationID: conversationID,
		selfID:         selfID,
		gateway:        gateway,
		tombs:          tombs,
		opts:           opts,
		ops:            make(chan func(), opQueueSize),
		done:           make(chan struct{}),
		byID:           make(map[string]*model.Message),
		pending:        make(map[string]*model.Message),
	}
	go v.run()
	return v
}

func (v *View) run() {
	for {
		select {
		case op := <-v.ops:
			op()
		case <-v.done:
			return
		}
	}
}

func (v *View) post(op func()) {
	select {
	case v.ops <- op:
	case <-v.done:
	}
}

// Detach drops the callbacks when the conversation leaves the screen. Late
// confirmations and events still apply to the list, they just go unreported.
func (v *View) Detach() {
	v.post(func() {
		v.opts.OnChange = nil
		v.opts.OnSendFailed = nil
	})
}

// Close stops the op loop for good.
func (v *View) Close() {
	v.once.Do(func() { close(v.done) })
}

// Messages returns a deep-copied snapshot in timestamp order.
func (v *View) Messages() []model.Message {
	reply := make(chan []model.Message, 1)
	v.post(func() { reply <- v.snapshot() })
	select {
	case msgs := <-reply:
		return msgs
	case <-v.done:
		return nil
	}
}

func (v *View) snapshot() []model.Message {
	out := make([]model.Message, 0, len(v.messages))
	for _, m := range v.messages {
		out = append(out, *m.Clone())
	}
	return out
}

func (v *View) get(messageID string) (*model.Message, bool) {
	reply := make(chan *model.Message, 1)
	v.post(func() {
		if m, ok := v.byID[messageID]; ok {
			reply <- m.Clone()
		} else {
			reply <- nil
		}
	})
	select {
	case m := <-reply:
		return m, m != nil
	case <-v.done:
		return nil, false
	}
}

func (v *View) notifyChanged() {
	if v.opts.OnChange != nil {
		v.opts.OnChange(v.snapshot())
	}
}

// Load fetches one history page and folds it in. Pending optimistic entries
// and local tombstones always win over page contents.
func (v *View) Load(ctx context.Context, limit, offset int) error {
	page, err := v.gateway.Messages(ctx, v.conversationID, limit, offset)
	if err != nil {
		return err
	}
	v.post(func() {
		changed := false
		for i := range page {
			if v.fold(page[i].Clone(), "") {
				changed = true
			}
		}
		if changed {
			v.notifyChanged()
		}
	})
	return nil
}

// Send inserts the optimistic copy immediately and confirms it in the
// background. Returns the temp id so the UI can track the entry.
func (v *View) Send(ctx context.Context, req SendRequest) string {
	tempID := model.NewTempID()
	req.ClientID = tempID

	contentType := req.ContentType
	if contentType == "" {
		contentType = model.ContentTypeText
	}
	opt := &model.Message{
		ID:             tempID,
		ConversationID: v.conversationID,
		SenderID:       v.selfID,
		Content:        req.Content,
		ContentIV:      req.ContentIV,
		ContentType:    contentType,
		Attachment:     req.Attachment,
		Status:         model.MessageStatusSent,
		CreatedAt:      time.Now().UTC(),
	}
	if req.ReplyToID != "" {
		replyTo := req.ReplyToID
		opt.ReplyToID = &replyTo
	}

	v.post(func() {
		v.insertSorted(opt)
		v.pending[tempID] = opt
		v.notifyChanged()
	})

	go func() {
		m, err := v.gateway.Send(ctx, v.conversationID, req)
		if err != nil {
			v.post(func() { v.rollbackPending(tempID, err) })
			return
		}
		v.post(func() {
			if v.fold(m.Clone(), tempID) {
				v.notifyChanged()
			}
		})
	}()
	return tempID
}

func (v *View) rollbackPending(tempID string, err error) {
	if _, ok := v.pending[tempID]; !ok {
		return
	}
	delete(v.pending, tempID)
	v.removeFromList(tempID)
	v.notifyChanged()
	if v.opts.OnSendFailed != nil {
		v.opts.OnSendFailed(tempID, err)
	}
}

// Edit re-validates locally first, so the common rejections never leave the
// device, then applies the server's copy.
func (v *View) Edit(ctx context.Context, messageID, content, contentIV string) error {
	m, ok := v.get(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if !CanEdit(m, v.selfID, time.Now()) {
		return ErrNotEditable
	}
	updated, err := v.gateway.Edit(ctx, messageID, content, contentIV)
	if err != nil {
		return err
	}
	payload := notify.MessageEditedPayload{
		MessageID: updated.ID,
		Content:   updated.Content,
		ContentIV: updated.ContentIV,
		EditCount: updated.EditCount,
	}
	if updated.EditedAt != nil {
		payload.EditedAt = *updated.EditedAt
	}
	v.post(func() {
		if v.applyEdited(payload) {
			v.notifyChanged()
		}
	})
	return nil
}

// DeleteForMe hides the message on this device. The server call is best
// effort: the row may be long gone there, the local decision stands anyway.
func (v *View) DeleteForMe(ctx context.Context, messageID string) error {
	if model.IsTempID(messageID) {
		// Отмена неподтверждённой отправки: серверу ещё нечего удалять.
		v.post(func() {
			delete(v.pending, messageID)
			if v.removeFromList(messageID) {
				v.notifyChanged()
			}
		})
		return nil
	}
	if err := v.gateway.DeleteForMe(ctx, messageID); err != nil {
		logger.Errorf("reconcile delete-for-me %s: %v", messageID, err)
	}
	if err := v.tombs.MarkDeletedForMe(messageID); err != nil {
		return err
	}
	v.post(func() {
		if v.removeFromList(messageID) {
			v.notifyChanged()
		}
	})
	return nil
}

// DeleteForEveryone tombstones an own recent message. Once the local checks
// pass the end state is the same whatever the server answers: a full reload
// will not reliably carry the deleted flag, so the device must remember it.
func (v *View) DeleteForEveryone(ctx context.Context, messageID string) error {
	m, ok := v.get(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if !CanDeleteForEveryone(m, v.selfID, time.Now()) {
		return ErrNotDeletable
	}
	if err := v.gateway.DeleteForEveryone(ctx, messageID); err != nil {
		logger.Errorf("reconcile delete-for-everyone %s: %v", messageID, err)
	}
	if err := v.tombs.MarkDeletedForEveryone(messageID); err != nil {
		return err
	}
	v.post(func() {
		if v.applyDeleted(notify.MessageDeletedPayload{MessageID: messageID, Scope: notify.DeleteScopeEveryone}) {
			v.notifyChanged()
		}
	})
	return nil
}

func (v *View) React(ctx context.Context, messageID, emoji string) error {
	if err := v.gateway.React(ctx, messageID, emoji); err != nil {
		return err
	}
	v.post(func() {
		if v.applyReaction(notify.ReactionPayload{MessageID: messageID, UserID: v.selfID, Emoji: emoji}) {
			v.notifyChanged()
		}
	})
	return nil
}

func (v *View) RemoveReaction(ctx context.Context, messageID string) error {
	if err := v.gateway.RemoveReaction(ctx, messageID); err != nil {
		return err
	}
	v.post(func() {
		if v.applyReactionRemoved(notify.ReactionRemovedPayload{MessageID: messageID, UserID: v.selfID}) {
			v.notifyChanged()
		}
	})
	return nil
}

// MarkDelivered acknowledges everything pending in this conversation, the
// usual first call after opening it.
func (v *View) MarkDelivered(ctx context.Context) (int, error) {
	return v.gateway.MarkConversationDelivered(ctx, v.conversationID)
}

func (v *View) MarkRead(ctx context.Context) error {
	return v.gateway.MarkConversationRead(ctx, v.conversationID)
}

// CanEdit is the pure-local editability check for UI affordances: own
// message, not deleted, within the edit window, already server-confirmed.
func CanEdit(m *model.Message, selfID string, now time.Time) bool {
	if m == nil || m.SenderID != selfID || model.IsTempID(m.ID) {
		return false
	}
	if m.DeletionState != model.DeletionStateNone {
		return false
	}
	return now.Sub(m.CreatedAt) <= EditWindow
}

// CanDeleteForEveryone mirrors the server's sender-and-window rule.
func CanDeleteForEveryone(m *model.Message, selfID string, now time.Time) bool {
	if m == nil || m.SenderID != selfID || model.IsTempID(m.ID) {
		return false
	}
	if m.DeletionState == model.DeletionStateForEveryone {
		return false
	}
	return now.Sub(m.CreatedAt) <= DeleteWindow
}

// --- list bookkeeping, только из горутины run ---

func (v *View) insertSorted(m *model.Message) {
	i := sort.Search(len(v.messages), func(i int) bool {
		if v.messages[i].CreatedAt.Equal(m.CreatedAt) {
			return v.messages[i].ID >= m.ID
		}
		return v.messages[i].CreatedAt.After(m.CreatedAt)
	})
	v.messages = append(v.messages, nil)
	copy(v.messages[i+1:], v.messages[i:])
	v.messages[i] = m
	v.byID[m.ID] = m
}

func (v *View) removeFromList(id string) bool {
	if _, ok := v.byID[id]; !ok {
		return false
	}
	delete(v.byID, id)
	for i, m := range v.messages {
		if m.ID == id {
			v.messages = append(v.messages[:i], v.messages[i+1:]...)
			break
		}
	}
	return true
}

// replaceEntry swaps the optimistic entry for the server copy in place; the
// server timestamp may differ from the local guess, so the order is fixed up
// afterwards.
func (v *View) replaceEntry(tempID string, m *model.Message) {
	delete(v.byID, tempID)
	for i, e := range v.messages {
		if e.ID == tempID {
			v.messages[i] = m
			v.byID[m.ID] = m
			v.resort()
			return
		}
	}
	v.insertSorted(m)
}

func (v *View) resort() {
	sort.SliceStable(v.messages, func(i, j int) bool {
		if v.messages[i].CreatedAt.Equal(v.messages[j].CreatedAt) {
			return v.messages[i].ID < v.messages[j].ID
		}
		return v.messages[i].CreatedAt.Before(v.messages[j].CreatedAt)
	})
}
