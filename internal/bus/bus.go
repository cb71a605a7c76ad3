package bus

import (
	"context"
	"log/slog"
	"sync"

	"spindle/internal/command"
)

// Handler consumes command deliveries for this node
type Handler func(sessionHash string, env command.Envelope)

// Delivery is the wire shape published on the command topic
type Delivery struct {
	SessionHash string           `json:"sessionHash"`
	Command     command.Envelope `json:"command"`
}

// Bus fans admin commands out to the node holding the target session.
// Delivery is best-effort: the audit row written by the admin API is the
// durable record, not the bus.
type Bus interface {
	// Publish broadcasts a command for sessionHash. Returns immediately;
	// per-session publish order is preserved for any given subscriber.
	Publish(ctx context.Context, sessionHash string, env command.Envelope) error
	// Subscribe registers the single delivery handler for this node.
	// Must be called before traffic flows.
	Subscribe(h Handler)
	// SetPresence marks this node as holding the session's socket.
	SetPresence(ctx context.Context, sessionHash string) error
	// ClearPresence removes this node's claim on the session.
	ClearPresence(ctx context.Context, sessionHash string) error
	// Healthy probes the transport.
	Healthy(ctx context.Context) error
	// Close stops the subscriber and releases the transport.
	Close() error
}

// LocalBus is the in-process bus for single-node deployments. A single
// dispatch goroutine preserves publish order; the presence index degenerates
// to a set (there is only one node).
type LocalBus struct {
	mu      sync.RWMutex
	handler Handler

	queue chan Delivery
	done  chan struct{}
	once  sync.Once
}

// NewLocalBus creates and starts an in-process bus
func NewLocalBus() *LocalBus {
	b := &LocalBus{
		queue: make(chan Delivery, 1024),
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *LocalBus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case d := <-b.queue:
			b.mu.RLock()
			h := b.handler
			b.mu.RUnlock()
			if h != nil {
				h(d.SessionHash, d.Command)
			}
		}
	}
}

// Publish enqueues a delivery; a saturated queue drops it (best-effort)
func (b *LocalBus) Publish(ctx context.Context, sessionHash string, env command.Envelope) error {
	select {
	case b.queue <- Delivery{SessionHash: sessionHash, Command: env}:
	default:
		slog.Warn("local bus queue full, dropping command",
			"session_hash", sessionHash,
			"command_id", env.ID,
			"type", env.Type,
		)
	}
	return nil
}

// Subscribe registers the delivery handler
func (b *LocalBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// SetPresence is a no-op for a single node
func (b *LocalBus) SetPresence(ctx context.Context, sessionHash string) error { return nil }

// ClearPresence is a no-op for a single node
func (b *LocalBus) ClearPresence(ctx context.Context, sessionHash string) error { return nil }

// Healthy always succeeds in-process
func (b *LocalBus) Healthy(ctx context.Context) error { return nil }

// Close stops the dispatch goroutine
func (b *LocalBus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
