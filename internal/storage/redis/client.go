package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Неподтверждённое событие живёт сутки: дальше клиент всё равно должен идти
// в /api/sync, события старше просто шум.
const PendingEventTTL = 24 * time.Hour

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func zKey(userID string) string { return "pending:z:" + userID }
func hKey(userID string) string { return "pending:h:" + userID }

// Append сохраняет событие: порядок в ZSET (score = наносекунды), тело в HASH.
func (c *Client) Append(ctx context.Context, userID, eventID string, payload []byte) error {
	now := time.Now().UnixNano()
	if err := c.cli.ZAdd(ctx, zKey(userID), redis.Z{Score: float64(now), Member: eventID}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	if err := c.cli.HSet(ctx, hKey(userID), eventID, payload).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	c.cli.Expire(ctx, zKey(userID), PendingEventTTL)
	c.cli.Expire(ctx, hKey(userID), PendingEventTTL)
	return nil
}

func (c *Client) Ack(ctx context.Context, userID, eventID string) error {
	if err := c.cli.ZRem(ctx, zKey(userID), eventID).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	if err := c.cli.HDel(ctx, hKey(userID), eventID).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

// Pending возвращает тела неподтверждённых событий в порядке их отправки.
// Попутно вычищает записи старше TTL (ZSET переживает рестарты Expire).
func (c *Client) Pending(ctx context.Context, userID string) ([][]byte, error) {
	cutoff := time.Now().Add(-PendingEventTTL).UnixNano()
	c.cli.ZRemRangeByScore(ctx, zKey(userID), "0", strconv.FormatInt(cutoff, 10))

	ids, err := c.cli.ZRange(ctx, zKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := c.cli.HMGet(ctx, hKey(userID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, []byte(s))
	}
	return out, nil
}
