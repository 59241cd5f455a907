package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the [Redis] publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Channel receives every event via PUBLISH. Default: "kaiwa:events".
	Channel string

	// HistoryKey is a list holding the newest HistoryLen turns, newest
	// first. Default: "kaiwa:history".
	HistoryKey string
	HistoryLen int64
}

func (c *RedisConfig) withDefaults() {
	if c.Channel == "" {
		c.Channel = "kaiwa:events"
	}
	if c.HistoryKey == "" {
		c.HistoryKey = "kaiwa:history"
	}
	if c.HistoryLen <= 0 {
		c.HistoryLen = 200
	}
}

// Redis publishes events on a pub/sub channel and keeps a capped turn
// history list.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

var _ Publisher = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sink: redis: ping %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client, cfg: cfg}, nil
}

// Publish implements [Publisher]. Turns are also appended to the history.
func (r *Redis) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sink: redis: encode: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, r.cfg.Channel, payload)
		if e.Kind == KindTurn {
			p.LPush(ctx, r.cfg.HistoryKey, payload)
			p.LTrim(ctx, r.cfg.HistoryKey, 0, r.cfg.HistoryLen-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sink: redis: publish: %w", err)
	}
	return nil
}

// History returns up to n stored turns, oldest first.
func (r *Redis) History(ctx context.Context, n int64) ([]Event, error) {
	raw, err := r.client.LRange(ctx, r.cfg.HistoryKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("sink: redis: history: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, s := range raw {
		var e Event
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	slices.Reverse(out)
	return out, nil
}

// Close implements [Publisher].
func (r *Redis) Close() error {
	return r.client.Close()
}
