package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"spindle/internal/command"
	"spindle/internal/config"
)

// RedisBus carries commands across nodes over a pub/sub topic and keeps the
// presence index (sessionHash -> nodeId) so commands reach the node that
// holds the socket. Every node receives every delivery; nodes without the
// session drop it silently.
type RedisBus struct {
	client    *redis.Client
	nodeID    string
	topic     string
	keyPrefix string

	publishTimeout time.Duration
	presenceTTL    time.Duration

	mu      sync.RWMutex
	handler Handler

	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// NewRedisBus connects to Redis and starts the subscriber
func NewRedisBus(cfg config.BusConfig, nodeID string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "spindle:"
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "traffic:commands"
	}

	b := &RedisBus{
		client:         client,
		nodeID:         nodeID,
		topic:          topic,
		keyPrefix:      keyPrefix,
		publishTimeout: cfg.PublishTimeout,
		presenceTTL:    cfg.PresenceTTL,
		done:           make(chan struct{}),
	}

	b.pubsub = client.Subscribe(context.Background(), topic)
	go b.listen()

	slog.Info("redis command bus initialized",
		"addr", cfg.Redis.Addr,
		"topic", topic,
		"node_id", nodeID,
	)
	return b, nil
}

func (b *RedisBus) presenceKey(sessionHash string) string {
	return b.keyPrefix + "presence:" + sessionHash
}

// Publish broadcasts a delivery on the topic with the configured deadline.
// A deadline exceedance is logged and swallowed: delivery is best-effort.
func (b *RedisBus) Publish(ctx context.Context, sessionHash string, env command.Envelope) error {
	data, err := json.Marshal(Delivery{SessionHash: sessionHash, Command: env})
	if err != nil {
		return fmt.Errorf("marshaling delivery: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	if err := b.client.Publish(pubCtx, b.topic, data).Err(); err != nil {
		slog.Error("bus publish failed",
			"session_hash", sessionHash,
			"command_id", env.ID,
			"error", err,
		)
	}
	return nil
}

// Subscribe registers the delivery handler for this node
func (b *RedisBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *RedisBus) listen() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				slog.Warn("dropping malformed bus delivery", "error", err)
				continue
			}
			b.mu.RLock()
			h := b.handler
			b.mu.RUnlock()
			if h != nil {
				h(d.SessionHash, d.Command)
			}
		}
	}
}

// SetPresence claims the session for this node with a TTL; the connection
// keepalive refreshes it.
func (b *RedisBus) SetPresence(ctx context.Context, sessionHash string) error {
	err := b.client.Set(ctx, b.presenceKey(sessionHash), b.nodeID, b.presenceTTL).Err()
	if err != nil {
		slog.Error("presence set failed", "session_hash", sessionHash, "error", err)
	}
	return nil
}

// ClearPresence drops the claim if this node still holds it
func (b *RedisBus) ClearPresence(ctx context.Context, sessionHash string) error {
	key := b.presenceKey(sessionHash)
	holder, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		slog.Error("presence get failed", "session_hash", sessionHash, "error", err)
		return nil
	}
	if holder == b.nodeID {
		if err := b.client.Del(ctx, key).Err(); err != nil {
			slog.Error("presence clear failed", "session_hash", sessionHash, "error", err)
		}
	}
	return nil
}

// Lookup returns the node currently holding the session, "" when absent
func (b *RedisBus) Lookup(ctx context.Context, sessionHash string) string {
	holder, err := b.client.Get(ctx, b.presenceKey(sessionHash)).Result()
	if err != nil {
		return ""
	}
	return holder
}

// Healthy pings Redis
func (b *RedisBus) Healthy(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops the subscriber and closes the connection
func (b *RedisBus) Close() error {
	b.once.Do(func() { close(b.done) })
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	return b.client.Close()
}
