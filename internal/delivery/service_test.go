package delivery

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/notify"
	"github.com/chatcore/internal/repository"
)

var (
	_ MessageStore      = (*memStore)(nil)
	_ ReactionStore     = (*memStore)(nil)
	_ StarStore         = (*memStore)(nil)
	_ PinStore          = (*memStore)(nil)
	_ ConversationStore = (*memConvStore)(nil)
	_ notify.Notifier   = (*eventRecorder)(nil)
)

type recordedEvent struct {
	userID string
	ev     notify.Event
}

// eventRecorder собирает события; emit шлёт их из горутин, поэтому тесты
// ждут нужное количество через waitSettled.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Notify(userID string, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{userID: userID, ev: ev})
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) snapshot() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// waitSettled ждёт ровно n событий: меньше — таймаут, больше — лишний emit.
func (r *eventRecorder) waitSettled(t *testing.T, n int) []recordedEvent {
	t.Helper()
	require.Eventually(t, func() bool { return r.count() >= n }, time.Second, 2*time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	evs := r.snapshot()
	require.Len(t, evs, n)
	return evs
}

func eventsFor(evs []recordedEvent, userID string, typ notify.EventType) []notify.Event {
	var out []notify.Event
	for _, e := range evs {
		if e.userID == userID && e.ev.Type == typ {
			out = append(out, e.ev)
		}
	}
	return out
}

type fixture struct {
	store *memStore
	convs *memConvStore
	rec   *eventRecorder
	svc   *Service
}

func newFixture(cfg Config) *fixture {
	store := newMemStore()
	convs := newMemConvStore()
	rec := &eventRecorder{}
	return &fixture{
		store: store,
		convs: convs,
		rec:   rec,
		svc:   NewService(store, convs, store, store, store, rec, cfg),
	}
}

// send создаёт сообщение и съедает оба new_message события, чтобы тест
// дальше видел только свои.
func (f *fixture) send(t *testing.T, sender, recipient, content string) *model.Message {
	t.Helper()
	m, err := f.svc.Send(context.Background(), sender, SendInput{RecipientID: recipient, Content: content})
	require.NoError(t, err)
	f.rec.waitSettled(t, 2)
	f.rec.reset()
	return m
}

func TestSendCreatesPendingMessage(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")
	require.NotEmpty(t, m.ID)
	assert.Equal(t, "alice", m.SenderID)
	assert.Equal(t, model.MessageStatusSent, m.Status)
	assert.Equal(t, model.ContentTypeText, m.ContentType)
	assert.NotEmpty(t, m.ConversationID)

	ps, err := f.svc.PendingMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, ps.Messages, 1)
	assert.Equal(t, m.ID, ps.Messages[0].ID)
	assert.Equal(t, 1, ps.TotalPending)

	// Отправитель ничего не ждёт: pending считается по получателю.
	ps, err = f.svc.PendingMessages(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ps.Messages)
	assert.Zero(t, ps.TotalPending)
}

func TestSendEchoesClientIDToSenderOnly(t *testing.T) {
	f := newFixture(Config{})

	m, err := f.svc.Send(context.Background(), "alice", SendInput{
		RecipientID: "bob",
		ClientID:    "tmp-42",
		Content:     "hi",
	})
	require.NoError(t, err)

	evs := f.rec.waitSettled(t, 2)
	toBob := eventsFor(evs, "bob", notify.EventNewMessage)
	toAlice := eventsFor(evs, "alice", notify.EventNewMessage)
	require.Len(t, toBob, 1)
	require.Len(t, toAlice, 1)
	assert.Equal(t, m.ConversationID, toBob[0].ConversationID)
	assert.NotEqual(t, toBob[0].ID, toAlice[0].ID)

	recipientPayload, ok := toBob[0].Data.(notify.NewMessagePayload)
	require.True(t, ok)
	assert.Empty(t, recipientPayload.ClientID)
	assert.Equal(t, m.ID, recipientPayload.Message.ID)

	senderPayload, ok := toAlice[0].Data.(notify.NewMessagePayload)
	require.True(t, ok)
	assert.Equal(t, "tmp-42", senderPayload.ClientID)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	_, err := f.svc.Send(ctx, "alice", SendInput{RecipientID: "bob"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Send(ctx, "alice", SendInput{RecipientID: "bob", Content: strings.Repeat("a", MaxContentBytes+1)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Send(ctx, "alice", SendInput{RecipientID: "bob", Content: "x", ContentType: "video"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Send(ctx, "alice", SendInput{RecipientID: "alice", Content: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Send(ctx, "alice", SendInput{Content: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Send(ctx, "alice", SendInput{RecipientID: "bob", ContentType: model.ContentTypeFile,
		Attachment: &model.Attachment{Name: "a.bin"}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Send(ctx, "alice", SendInput{ConversationID: "missing", Content: "x"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	conv, err := f.svc.StartConversation(ctx, "carol", "dave")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "alice", SendInput{ConversationID: conv.ID, Content: "x"})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestSendReplyLink(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	orig := f.send(t, "alice", "bob", "original")

	reply, err := f.svc.Send(ctx, "bob", SendInput{
		ConversationID: orig.ConversationID,
		Content:        "answer",
		ReplyToID:      orig.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyToID)
	assert.Equal(t, orig.ID, *reply.ReplyToID)

	// Цитата уже вычищена с сервера: сообщение проходит, ссылки нет.
	reply, err = f.svc.Send(ctx, "bob", SendInput{
		ConversationID: orig.ConversationID,
		Content:        "answer",
		ReplyToID:      "gone",
	})
	require.NoError(t, err)
	assert.Nil(t, reply.ReplyToID)

	other, err := f.svc.StartConversation(ctx, "alice", "carol")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "alice", SendInput{
		ConversationID: other.ID,
		Content:        "leak",
		ReplyToID:      orig.ID,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMarkDeliveredReceiptAndEvent(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")

	r, err := f.svc.MarkDelivered(ctx, "bob", m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, r.MessageID)
	assert.Equal(t, model.MessageStatusDelivered, r.Status)
	require.NotNil(t, r.DeliveredAt)
	assert.Nil(t, r.ReadAt)
	require.NotNil(t, r.DeleteScheduled)
	assert.True(t, r.DeleteScheduled.Equal(r.DeliveredAt.Add(24*time.Hour)))

	evs := f.rec.waitSettled(t, 1)
	toAlice := eventsFor(evs, "alice", notify.EventMessageStatus)
	require.Len(t, toAlice, 1)
	payload, ok := toAlice[0].Data.(notify.MessageStatusPayload)
	require.True(t, ok)
	assert.Equal(t, m.ID, payload.MessageID)
	assert.Equal(t, model.MessageStatusDelivered, payload.Status)
	require.NotNil(t, payload.DeliveredAt)
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")
	r1, err := f.svc.MarkDelivered(ctx, "bob", m.ID)
	require.NoError(t, err)
	f.rec.waitSettled(t, 1)
	f.rec.reset()

	// Повторное подтверждение: та же квитанция, без новых событий.
	r2, err := f.svc.MarkDelivered(ctx, "bob", m.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.Status, r2.Status)
	require.NotNil(t, r2.DeliveredAt)
	assert.True(t, r1.DeliveredAt.Equal(*r2.DeliveredAt))
	require.NotNil(t, r2.DeleteScheduled)
	assert.True(t, r1.DeleteScheduled.Equal(*r2.DeleteScheduled))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.rec.count())
}

func TestMarkDeliveredRejectsNonRecipient(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")

	_, err := f.svc.MarkDelivered(ctx, "alice", m.ID)
	assert.ErrorIs(t, err, ErrNotRecipient)

	_, err = f.svc.MarkDelivered(ctx, "mallory", m.ID)
	assert.ErrorIs(t, err, ErrNotRecipient)

	_, err = f.svc.MarkDelivered(ctx, "bob", "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.rec.count())
}

func TestMarkReadBackfillsDeliveredAt(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")

	// Чтение без отдельного "доставлено": delivered_at заполняется тем же
	// моментом, статус сразу read.
	r, err := f.svc.MarkRead(ctx, "bob", m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusRead, r.Status)
	require.NotNil(t, r.DeliveredAt)
	require.NotNil(t, r.ReadAt)
	assert.True(t, r.DeliveredAt.Equal(*r.ReadAt))
	require.NotNil(t, r.DeleteScheduled)

	evs := f.rec.waitSettled(t, 1)
	statuses := eventsFor(evs, "alice", notify.EventMessageStatus)
	require.Len(t, statuses, 1)
	payload, ok := statuses[0].Data.(notify.MessageStatusPayload)
	require.True(t, ok)
	assert.Equal(t, model.MessageStatusRead, payload.Status)
	f.rec.reset()

	// Статус назад не откатывается: запоздавший delivered-ack получает
	// read-квитанцию и ничего не эмитит.
	r2, err := f.svc.MarkDelivered(ctx, "bob", m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusRead, r2.Status)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.rec.count())
}

func TestPendingShrinksAfterAck(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m1 := f.send(t, "alice", "bob", "one")
	time.Sleep(time.Millisecond)
	m2 := f.send(t, "alice", "bob", "two")
	time.Sleep(time.Millisecond)
	m3 := f.send(t, "alice", "bob", "three")

	_, err := f.svc.MarkDelivered(ctx, "bob", m2.ID)
	require.NoError(t, err)

	ps, err := f.svc.PendingMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, ps.Messages, 2)
	assert.Equal(t, m1.ID, ps.Messages[0].ID)
	assert.Equal(t, m3.ID, ps.Messages[1].ID)

	// Читается всё непрочитанное, включая уже доставленное m2.
	n, err := f.svc.MarkConversationRead(ctx, "bob", m1.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ps, err = f.svc.PendingMessages(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ps.Messages)
}

func TestPendingSyncLimitReportsTrueTotal(t *testing.T) {
	f := newFixture(Config{PendingSyncLimit: 2})
	ctx := context.Background()

	f.send(t, "alice", "bob", "one")
	time.Sleep(time.Millisecond)
	f.send(t, "alice", "bob", "two")
	time.Sleep(time.Millisecond)
	f.send(t, "alice", "bob", "three")

	ps, err := f.svc.PendingMessages(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, ps.Messages, 2)
	assert.Equal(t, 3, ps.TotalPending)
}

func TestMarkConversationDelivered(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m1 := f.send(t, "alice", "bob", "one")
	m2 := f.send(t, "alice", "bob", "two")
	m3 := f.send(t, "alice", "bob", "three")

	n, err := f.svc.MarkConversationDelivered(ctx, "bob", m1.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	evs := f.rec.waitSettled(t, 1)
	bulk := eventsFor(evs, "alice", notify.EventConversationDelivered)
	require.Len(t, bulk, 1)
	payload, ok := bulk[0].Data.(notify.ConversationDeliveredPayload)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID, m3.ID}, payload.MessageIDs)
	f.rec.reset()

	// Повтор: подтверждать нечего, событий нет.
	n, err = f.svc.MarkConversationDelivered(ctx, "bob", m1.ConversationID)
	require.NoError(t, err)
	assert.Zero(t, n)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.rec.count())

	_, err = f.svc.MarkConversationDelivered(ctx, "mallory", m1.ConversationID)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMarkConversationRead(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m1 := f.send(t, "alice", "bob", "one")
	f.send(t, "alice", "bob", "two")

	n, err := f.svc.MarkConversationRead(ctx, "bob", m1.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Одно событие на весь диалог: пустой message_id означает "всё".
	evs := f.rec.waitSettled(t, 1)
	statuses := eventsFor(evs, "alice", notify.EventMessageStatus)
	require.Len(t, statuses, 1)
	payload, ok := statuses[0].Data.(notify.MessageStatusPayload)
	require.True(t, ok)
	assert.Empty(t, payload.MessageID)
	assert.Equal(t, model.MessageStatusRead, payload.Status)
	require.NotNil(t, payload.ReadAt)
	f.rec.reset()

	n, err = f.svc.MarkConversationRead(ctx, "bob", m1.ConversationID)
	require.NoError(t, err)
	assert.Zero(t, n)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.rec.count())
}

func TestEditOwnRecentMessage(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "helo")

	edited, err := f.svc.Edit(ctx, "alice", m.ID, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Content)
	assert.Equal(t, 1, edited.EditCount)
	require.NotNil(t, edited.EditedAt)

	stored, err := f.store.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)
	assert.Equal(t, 1, stored.EditCount)

	evs := f.rec.waitSettled(t, 2)
	require.Len(t, eventsFor(evs, "bob", notify.EventMessageEdited), 1)
	require.Len(t, eventsFor(evs, "alice", notify.EventMessageEdited), 1)
	payload, ok := eventsFor(evs, "bob", notify.EventMessageEdited)[0].Data.(notify.MessageEditedPayload)
	require.True(t, ok)
	assert.Equal(t, "hello", payload.Content)
	assert.Equal(t, 1, payload.EditCount)
	f.rec.reset()

	edited, err = f.svc.Edit(ctx, "alice", m.ID, "hello again", "")
	require.NoError(t, err)
	assert.Equal(t, 2, edited.EditCount)
}

func TestEditRejections(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")

	_, err := f.svc.Edit(ctx, "bob", m.ID, "hijack", "")
	assert.ErrorIs(t, err, ErrNotSender)

	_, err = f.svc.Edit(ctx, "alice", m.ID, "", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Edit(ctx, "alice", "missing", "x", "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEditWindowExpired(t *testing.T) {
	f := newFixture(Config{EditWindow: time.Nanosecond})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")
	time.Sleep(time.Millisecond)

	_, err := f.svc.Edit(ctx, "alice", m.ID, "late", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEditWindowBoundaries(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")

	// 14 минут из 15 — ещё можно.
	f.store.mu.Lock()
	f.store.messages[m.ID].CreatedAt = time.Now().UTC().Add(-14 * time.Minute)
	f.store.mu.Unlock()

	_, err := f.svc.Edit(ctx, "alice", m.ID, "hello there", "")
	require.NoError(t, err)
	f.rec.waitSettled(t, 2)
	f.rec.reset()

	f.store.mu.Lock()
	f.store.messages[m.ID].CreatedAt = time.Now().UTC().Add(-16 * time.Minute)
	f.store.mu.Unlock()

	_, err = f.svc.Edit(ctx, "alice", m.ID, "too late", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDeleteForEveryoneTombstones(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m, err := f.svc.Send(ctx, "alice", SendInput{
		RecipientID: "bob",
		Content:     "secret",
		ContentIV:   "iv",
		ContentType: model.ContentTypeFile,
		Attachment:  &model.Attachment{URL: "https://files.local/a.bin", Name: "a.bin", Size: 10},
	})
	require.NoError(t, err)
	f.rec.waitSettled(t, 2)
	f.rec.reset()

	require.NoError(t, f.svc.DeleteForEveryone(ctx, "alice", m.ID))

	// Строка остаётся как надгробие, содержимое выпилено.
	stored, err := f.store.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Content)
	assert.Empty(t, stored.ContentIV)
	assert.Equal(t, model.DeletionStateForEveryone, stored.DeletionState)
	require.NotNil(t, stored.Attachment)
	assert.Empty(t, stored.Attachment.URL)

	evs := f.rec.waitSettled(t, 2)
	for _, user := range []string{"alice", "bob"} {
		del := eventsFor(evs, user, notify.EventMessageDeleted)
		require.Len(t, del, 1)
		payload, ok := del[0].Data.(notify.MessageDeletedPayload)
		require.True(t, ok)
		assert.Equal(t, notify.DeleteScopeEveryone, payload.Scope)
	}
	f.rec.reset()

	// Повторное удаление тихо проходит.
	require.NoError(t, f.svc.DeleteForEveryone(ctx, "alice", m.ID))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.rec.count())

	_, err = f.svc.Edit(ctx, "alice", m.ID, "resurrect", "")
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, f.svc.React(ctx, "bob", m.ID, "👍"), ErrValidation)
	_, err = f.svc.Forward(ctx, "bob", m.ID, ForwardInput{RecipientID: "carol"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDeleteForEveryoneRejections(t *testing.T) {
	f := newFixture(Config{DeleteWindow: time.Nanosecond})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")

	assert.ErrorIs(t, f.svc.DeleteForEveryone(ctx, "bob", m.ID), ErrNotSender)

	time.Sleep(time.Millisecond)
	assert.ErrorIs(t, f.svc.DeleteForEveryone(ctx, "alice", m.ID), ErrValidation)
}

func TestHideForMe(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")

	require.NoError(t, f.svc.HideForMe(ctx, "bob", m.ID))

	// Событие уходит только самому скрывшему, собеседник не узнаёт.
	evs := f.rec.waitSettled(t, 1)
	del := eventsFor(evs, "bob", notify.EventMessageDeleted)
	require.Len(t, del, 1)
	payload, ok := del[0].Data.(notify.MessageDeletedPayload)
	require.True(t, ok)
	assert.Equal(t, notify.DeleteScopeMe, payload.Scope)

	hidden, err := f.svc.History(ctx, "bob", m.ConversationID, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	visible, err := f.svc.History(ctx, "alice", m.ConversationID, 50, 0)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "hello", visible[0].Content)
}

func TestHistoryPagingAndAccess(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	var convID string
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		m := f.send(t, "alice", "bob", text)
		convID = m.ConversationID
		time.Sleep(time.Millisecond)
	}

	page, err := f.svc.History(ctx, "bob", convID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "five", page[0].Content)
	assert.Equal(t, "four", page[1].Content)

	page, err = f.svc.History(ctx, "bob", convID, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "one", page[0].Content)

	_, err = f.svc.History(ctx, "mallory", convID, 50, 0)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.svc.History(ctx, "bob", "missing", 50, 0)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReactLastWriteWins(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")

	require.NoError(t, f.svc.React(ctx, "bob", m.ID, "👍"))
	evs := f.rec.waitSettled(t, 2)
	require.Len(t, eventsFor(evs, "alice", notify.EventMessageReaction), 1)
	require.Len(t, eventsFor(evs, "bob", notify.EventMessageReaction), 1)
	f.rec.reset()

	// Вторая реакция того же пользователя заменяет первую.
	require.NoError(t, f.svc.React(ctx, "bob", m.ID, "❤️"))
	f.rec.waitSettled(t, 2)
	f.rec.reset()

	reactions, err := f.store.GetForMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bob": "❤️"}, reactions)

	assert.ErrorIs(t, f.svc.React(ctx, "bob", m.ID, ""), ErrValidation)
	assert.ErrorIs(t, f.svc.React(ctx, "bob", m.ID, "🙂🙂🙂🙂🙂"), ErrValidation)
	assert.ErrorIs(t, f.svc.React(ctx, "mallory", m.ID, "👍"), ErrNotParticipant)
}

func TestReactToOwnMessageNotifiesPeer(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")

	require.NoError(t, f.svc.React(ctx, "alice", m.ID, "👍"))
	evs := f.rec.waitSettled(t, 2)
	require.Len(t, eventsFor(evs, "alice", notify.EventMessageReaction), 1)
	require.Len(t, eventsFor(evs, "bob", notify.EventMessageReaction), 1)
}

func TestRemoveReactionTwiceIsQuiet(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "hello")
	require.NoError(t, f.svc.React(ctx, "bob", m.ID, "👍"))
	f.rec.waitSettled(t, 2)
	f.rec.reset()

	require.NoError(t, f.svc.RemoveReaction(ctx, "bob", m.ID))
	evs := f.rec.waitSettled(t, 2)
	require.Len(t, eventsFor(evs, "alice", notify.EventMessageReactionGone), 1)
	require.Len(t, eventsFor(evs, "bob", notify.EventMessageReactionGone), 1)
	f.rec.reset()

	require.NoError(t, f.svc.RemoveReaction(ctx, "bob", m.ID))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.rec.count())
}

func TestForwardKeepsOriginalAuthor(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "worth sharing")

	fwd, err := f.svc.Forward(ctx, "bob", m.ID, ForwardInput{RecipientID: "carol", ClientID: "tmp-f"})
	require.NoError(t, err)
	assert.True(t, fwd.IsForwarded)
	assert.Equal(t, "alice", fwd.ForwardedFrom)
	assert.Equal(t, "bob", fwd.SenderID)
	assert.Equal(t, "worth sharing", fwd.Content)
	assert.NotEqual(t, m.ConversationID, fwd.ConversationID)
	assert.Equal(t, model.MessageStatusSent, fwd.Status)

	evs := f.rec.waitSettled(t, 2)
	senderEvs := eventsFor(evs, "bob", notify.EventNewMessage)
	require.Len(t, senderEvs, 1)
	payload, ok := senderEvs[0].Data.(notify.NewMessagePayload)
	require.True(t, ok)
	assert.Equal(t, "tmp-f", payload.ClientID)
	f.rec.reset()

	// Пересылка пересланного сохраняет исходного автора.
	fwd2, err := f.svc.Forward(ctx, "carol", fwd.ID, ForwardInput{RecipientID: "dave"})
	require.NoError(t, err)
	assert.Equal(t, "alice", fwd2.ForwardedFrom)

	ps, err := f.svc.PendingMessages(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, ps.Messages, 1)
	assert.Equal(t, fwd.ID, ps.Messages[0].ID)

	_, err = f.svc.Forward(ctx, "mallory", m.ID, ForwardInput{RecipientID: "dave"})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestStarIsPrivate(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "remember this")

	require.NoError(t, f.svc.Star(ctx, "bob", m.ID))

	starred, err := f.svc.StarredMessages(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, starred, 1)
	assert.Equal(t, m.ID, starred[0].ID)
	assert.True(t, starred[0].IsStarred)

	// Звёзды личные: у собеседника список пуст, событий не рассылаем.
	starred, err = f.svc.StarredMessages(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, starred)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.rec.count())

	require.NoError(t, f.svc.Unstar(ctx, "bob", m.ID))
	starred, err = f.svc.StarredMessages(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, starred)

	assert.ErrorIs(t, f.svc.Star(ctx, "mallory", m.ID), ErrNotParticipant)
}

func TestPinNotifiesBothSides(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "pin me")

	require.NoError(t, f.svc.Pin(ctx, "bob", m.ID))
	evs := f.rec.waitSettled(t, 2)
	require.Len(t, eventsFor(evs, "alice", notify.EventMessagePinned), 1)
	require.Len(t, eventsFor(evs, "bob", notify.EventMessagePinned), 1)
	f.rec.reset()

	pins, err := f.svc.PinnedMessages(ctx, "alice", m.ConversationID)
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, m.ID, pins[0].MessageID)
	assert.Equal(t, "bob", pins[0].PinnedBy)

	_, err = f.svc.PinnedMessages(ctx, "mallory", m.ConversationID)
	assert.ErrorIs(t, err, ErrNotParticipant)

	require.NoError(t, f.svc.Unpin(ctx, "alice", m.ID))
	evs = f.rec.waitSettled(t, 2)
	require.Len(t, eventsFor(evs, "bob", notify.EventMessageUnpinned), 1)

	pins, err = f.svc.PinnedMessages(ctx, "alice", m.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, pins)
}

func TestCleanupDeliveredHonorsRetention(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "old news")
	_, err := f.svc.MarkDelivered(ctx, "bob", m.ID)
	require.NoError(t, err)

	// Свежедоставленное ещё живёт.
	n, err := f.svc.CleanupDelivered(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// За минуту до границы суток — ещё рано.
	f.store.mu.Lock()
	almost := time.Now().UTC().Add(-(24*time.Hour - time.Minute))
	f.store.messages[m.ID].DeliveredAt = &almost
	f.store.mu.Unlock()

	n, err = f.svc.CleanupDelivered(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.store.mu.Lock()
	past := time.Now().UTC().Add(-(24*time.Hour + time.Minute))
	f.store.messages[m.ID].DeliveredAt = &past
	f.store.mu.Unlock()

	n, err = f.svc.CleanupDelivered(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.store.GetByID(ctx, m.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCleanupDeliveredCoversReadMessages(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "read and gone")
	_, err := f.svc.MarkRead(ctx, "bob", m.ID)
	require.NoError(t, err)

	f.store.mu.Lock()
	old := time.Now().UTC().Add(-25 * time.Hour)
	f.store.messages[m.ID].DeliveredAt = &old
	f.store.mu.Unlock()

	n, err := f.svc.CleanupDelivered(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCleanupUndeliveredHonorsRetention(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	stale := f.send(t, "alice", "bob", "never picked up")
	fresh := f.send(t, "alice", "bob", "still waiting")
	acked := f.send(t, "alice", "bob", "delivered long ago")
	_, err := f.svc.MarkDelivered(ctx, "bob", acked.ID)
	require.NoError(t, err)

	f.store.mu.Lock()
	old := time.Now().UTC().Add(-31 * 24 * time.Hour)
	f.store.messages[stale.ID].CreatedAt = old
	f.store.messages[acked.ID].CreatedAt = old
	f.store.messages[fresh.ID].CreatedAt = time.Now().UTC().Add(-29 * 24 * time.Hour)
	f.store.mu.Unlock()

	// Уходит только недоставленное старше месяца: 29 дней ещё ждут,
	// у доставленного свой срок хранения.
	n, err := f.svc.CleanupUndelivered(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.store.GetByID(ctx, stale.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.store.GetByID(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = f.store.GetByID(ctx, acked.ID)
	assert.NoError(t, err)
}

// Полный офлайн-цикл: отправка адресату без соединения, догон через sync,
// пакетное подтверждение, чтение и чистка спустя сутки после доставки.
func TestOfflineDeliveryLifecycle(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	m := f.send(t, "alice", "bob", "see you when you're back")

	ps, err := f.svc.PendingMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, ps.Messages, 1)
	assert.Equal(t, m.ID, ps.Messages[0].ID)
	assert.Equal(t, 1, ps.TotalPending)

	n, err := f.svc.MarkConversationDelivered(ctx, "bob", m.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs := f.rec.waitSettled(t, 1)
	bulk := eventsFor(evs, "alice", notify.EventConversationDelivered)
	require.Len(t, bulk, 1)
	payload, ok := bulk[0].Data.(notify.ConversationDeliveredPayload)
	require.True(t, ok)
	assert.Equal(t, []string{m.ID}, payload.MessageIDs)
	f.rec.reset()

	_, err = f.svc.MarkConversationRead(ctx, "bob", m.ConversationID)
	require.NoError(t, err)
	f.rec.waitSettled(t, 1)
	f.rec.reset()

	stored, err := f.store.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusRead, stored.Status)

	ps, err = f.svc.PendingMessages(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ps.Messages)
	assert.Zero(t, ps.TotalPending)

	f.store.mu.Lock()
	old := time.Now().UTC().Add(-25 * time.Hour)
	f.store.messages[m.ID].DeliveredAt = &old
	f.store.mu.Unlock()

	purged, err := f.svc.CleanupDelivered(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	_, err = f.store.GetByID(ctx, m.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStartConversationIdempotent(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	c1, err := f.svc.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	c2, err := f.svc.StartConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, "alice", c1.UserA)
	assert.Equal(t, "bob", c1.UserB)

	_, err = f.svc.StartConversation(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.StartConversation(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewSchedulerValidatesCron(t *testing.T) {
	f := newFixture(Config{})

	s, err := NewScheduler(f.svc, "", "")
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", s.deliveredCron)
	assert.Equal(t, "30 3 * * *", s.undeliveredCron)

	_, err = NewScheduler(f.svc, "not a cron", "")
	assert.Error(t, err)
	_, err = NewScheduler(f.svc, "", "61 * * * *")
	assert.Error(t, err)
}
