package memory

import (
	"context"
	"sync"
	"time"
)

const pendingEventTTL = 24 * time.Hour

type entry struct {
	id      string
	payload []byte
	exp     time.Time
}

type Client struct {
	mu     sync.Mutex
	events map[string][]entry
}

func New() *Client {
	return &Client{events: make(map[string][]entry)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Append(ctx context.Context, userID, eventID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[userID] = append(c.events[userID], entry{id: eventID, payload: payload, exp: time.Now().Add(pendingEventTTL)})
	return nil
}

func (c *Client) Ack(ctx context.Context, userID, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	slice := c.events[userID]
	kept := slice[:0]
	for _, e := range slice {
		if e.id != eventID {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.events, userID)
		return nil
	}
	c.events[userID] = kept
	return nil
}

func (c *Client) Pending(ctx context.Context, userID string) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	slice := c.events[userID]
	var kept []entry
	out := make([][]byte, 0, len(slice))
	for _, e := range slice {
		if now.After(e.exp) {
			continue
		}
		kept = append(kept, e)
		out = append(out, e.payload)
	}
	if len(kept) == 0 {
		delete(c.events, userID)
	} else {
		c.events[userID] = kept
	}
	return out, nil
}
