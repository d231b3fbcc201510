package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/notify"
	"github.com/chatcore/internal/storage"
)

// PushNotifier отправляет пуш-уведомления. Если nil — пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// ConversationSource отдаёт диалог по id; hub'у этого достаточно, чтобы
// определить второго участника.
type ConversationSource interface {
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
}

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (Notify).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func marshalEvent(ev notify.Event) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		return nil, err
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	convRepo   ConversationSource
	events     storage.PendingEventStore
	pushClient PushNotifier
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	convRepo ConversationSource,
	events storage.PendingEventStore,
	maxConns int,
	pushClient PushNotifier,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		convRepo:   convRepo,
		events:     events,
		pushClient: pushClient,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	h.replayPending(c)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// replayPending доигрывает клиенту события, не подтверждённые прошлыми
// сессиями. Порядок сохранён, повторная доставка возможна (ack мог не дойти).
func (h *Hub) replayPending(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payloads, err := h.events.Pending(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws pending replay user=%s: %v", c.userID, err)
		return
	}
	for _, p := range payloads {
		h.sendToClient(c, p)
	}
	if len(payloads) > 0 {
		logger.Infof("ws replayed %d pending events user=%s", len(payloads), c.userID)
	}
}

// Notify implements notify.Notifier. The event is recorded as unacknowledged
// first, then pushed to every open connection; with none open, a new_message
// wakes the recipient's devices through web push (no content, just ids).
func (h *Hub) Notify(userID string, ev notify.Event) {
	defer logger.DeferLogDuration("ws.Notify", time.Now())()
	data, err := marshalEvent(ev)
	if err != nil {
		logger.Errorf("ws marshal event user=%s: %v", userID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.events.Append(ctx, userID, ev.ID, data); err != nil {
		logger.Errorf("ws append pending user=%s: %v", userID, err)
	}

	targets := h.connectionsOf(userID)
	if len(targets) == 0 {
		if ev.Type == notify.EventNewMessage && h.pushClient != nil {
			messageID := ""
			if p, ok := ev.Data.(notify.NewMessagePayload); ok && p.Message != nil {
				messageID = p.Message.ID
			}
			pushData := map[string]string{"conversation_id": ev.ConversationID, "message_id": messageID}
			go h.pushClient.Notify(context.Background(), userID, "Новое сообщение", "", pushData)
		}
		return
	}
	for _, c := range targets {
		h.sendToClient(c, data)
	}
}

// HandleFrame dispatches incoming WebSocket frames.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, f IncomingFrame) {
	switch f.Type {
	case FrameAck:
		h.handleAck(ctx, c, f.EventID)
	case FrameTyping:
		h.relayTyping(ctx, c, notify.EventTyping, f.ConversationID)
	case FrameStopTyping:
		h.relayTyping(ctx, c, notify.EventStopTyping, f.ConversationID)
	default:
		h.sendError(c, "unknown frame type")
	}
}

func (h *Hub) handleAck(ctx context.Context, c *Client, eventID string) {
	if eventID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.events.Ack(ctx, c.userID, eventID); err != nil {
		logger.Errorf("ws ack user=%s event=%s: %v", c.userID, eventID, err)
	}
}

// relayTyping пересылает индикатор набора собеседнику. Эфемерно: без записи
// в буфер и без повтора при переподключении.
func (h *Hub) relayTyping(ctx context.Context, c *Client, evType notify.EventType, conversationID string) {
	if conversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	conv, err := h.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		logger.Errorf("ws typing conv=%s user=%s: %v", conversationID, c.userID, err)
		return
	}
	peer := conv.Peer(c.userID)
	if peer == "" {
		h.sendError(c, "not a participant")
		return
	}

	ev := notify.NewEvent(evType, conversationID, notify.TypingPayload{UserID: c.userID})
	data, err := marshalEvent(ev)
	if err != nil {
		return
	}
	for _, target := range h.connectionsOf(peer) {
		h.sendToClient(target, data)
	}
}

func (h *Hub) connectionsOf(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.clients[userID]
	if !ok {
		return nil
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	return targets
}

func (h *Hub) sendToClient(c *Client, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	data, err := marshalEvent(notify.NewEvent(notify.EventError, "", msg))
	if err != nil {
		return
	}
	h.sendToClient(c, data)
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
