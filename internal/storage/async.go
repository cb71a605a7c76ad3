package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"spindle/internal/command"
	"spindle/internal/session"
)

// Async is the write-path adapter in front of the session store. Writes are
// executed by a single mailbox goroutine, which gives every sessionHash a
// total order without holding session locks across store I/O. Store faults
// degrade gracefully: log and drop, never propagate — the registry stays the
// live source of truth.
type Async struct {
	store     *SessionStore
	opTimeout time.Duration

	mailbox chan func(ctx context.Context)
	dropped int64
	mu      sync.Mutex

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewAsync creates the adapter; call Run to start draining the mailbox
func NewAsync(store *SessionStore, queueSize int, opTimeout time.Duration) *Async {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &Async{
		store:     store,
		opTimeout: opTimeout,
		mailbox:   make(chan func(ctx context.Context), queueSize),
		shutdown:  make(chan struct{}),
	}
}

// Run drains the mailbox until ctx is cancelled, then finishes the residue
func (a *Async) Run(ctx context.Context) {
	a.wg.Add(1)
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case op := <-a.mailbox:
			a.exec(op)
		}
	}
}

func (a *Async) drain() {
	for {
		select {
		case op := <-a.mailbox:
			a.exec(op)
		default:
			return
		}
	}
}

func (a *Async) exec(op func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opTimeout)
	defer cancel()
	op(ctx)
}

// Close stops accepting writes and waits for the mailbox to settle
func (a *Async) Close() {
	a.once.Do(func() { close(a.shutdown) })
	a.wg.Wait()
}

// enqueue submits a write; a full mailbox drops the write (logged)
func (a *Async) enqueue(name string, op func(ctx context.Context)) {
	select {
	case <-a.shutdown:
		return
	default:
	}

	select {
	case a.mailbox <- op:
	default:
		a.mu.Lock()
		a.dropped++
		dropped := a.dropped
		a.mu.Unlock()
		slog.Warn("storage write queue full, dropping write", "op", name, "total_dropped", dropped)
	}
}

// Dropped reports how many writes were lost to backpressure
func (a *Async) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// UpsertSession schedules a full durable upsert of the session projection
func (a *Async) UpsertSession(snap session.Snapshot) {
	a.enqueue("upsert_session", func(ctx context.Context) {
		if err := a.store.UpsertSession(ctx, snap); err != nil {
			slog.Error("session upsert failed", "session_hash", snap.Hash, "error", err)
		}
	})
}

// SetConnected schedules the connected-flag flip. Disconnect writes get one
// best-effort retry so fast disconnect storms do not silently lose rows.
func (a *Async) SetConnected(hash string, connected bool) {
	a.enqueue("set_connected", func(ctx context.Context) {
		err := a.store.SetConnected(ctx, hash, connected)
		if err != nil && !connected {
			err = a.store.SetConnected(ctx, hash, connected)
		}
		if err != nil {
			slog.Error("set connected failed", "session_hash", hash, "connected", connected, "error", err)
		}
	})
}

// IncrementEventCount schedules an event-count bump
func (a *Async) IncrementEventCount(hash string, delta int) {
	a.enqueue("increment_events", func(ctx context.Context) {
		if err := a.store.IncrementEventCount(ctx, hash, delta); err != nil {
			slog.Error("event count update failed", "session_hash", hash, "error", err)
		}
	})
}

// SetMode schedules a mode-change write
func (a *Async) SetMode(hash string, mode session.Mode, latencyMs int) {
	a.enqueue("set_mode", func(ctx context.Context) {
		if err := a.store.SetMode(ctx, hash, mode, latencyMs); err != nil {
			slog.Error("mode update failed", "session_hash", hash, "mode", mode, "error", err)
		}
	})
}

// SetRisk schedules a risk-score write
func (a *Async) SetRisk(hash string, score int, isBot bool) {
	a.enqueue("set_risk", func(ctx context.Context) {
		if err := a.store.SetRisk(ctx, hash, score, isBot); err != nil {
			slog.Error("risk update failed", "session_hash", hash, "error", err)
		}
	})
}

// IncrementViolations schedules a violation-count bump
func (a *Async) IncrementViolations(hash string) {
	a.enqueue("increment_violations", func(ctx context.Context) {
		if err := a.store.IncrementViolations(ctx, hash); err != nil {
			slog.Error("violation update failed", "session_hash", hash, "error", err)
		}
	})
}

// LogCommand schedules the audit write for an issued command
func (a *Async) LogCommand(audit command.Audit) {
	a.enqueue("log_command", func(ctx context.Context) {
		if err := a.store.LogCommand(ctx, audit); err != nil {
			slog.Error("command audit failed", "command_id", audit.CommandID, "error", err)
		}
	})
}

// UpdateCommandStatus schedules an audit status transition
func (a *Async) UpdateCommandStatus(commandID string, status command.Status, errMsg string) {
	a.enqueue("update_command_status", func(ctx context.Context) {
		if err := a.store.UpdateCommandStatus(ctx, commandID, status, errMsg); err != nil {
			slog.Error("command status update failed", "command_id", commandID, "error", err)
		}
	})
}
