package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"spindle/internal/config"
	"spindle/internal/storage"
)

// Writer is the flush target for batched event rows
type Writer interface {
	WriteEvents(ctx context.Context, rows []storage.EventRow) error
}

// SinkStats reports sink pressure for /admin/stats
type SinkStats struct {
	QueueLen int   `json:"queueLen"`
	Dropped  int64 `json:"dropped"`
	Flushed  int64 `json:"flushed"`
	Requeued int64 `json:"requeued"`
}

// Sink is the bounded, batched write path into the event log. The queue
// never grows past MaxQueue: overflow drops the newest events (counted).
// During shutdown new events are refused and the residue gets one final flush.
type Sink struct {
	cfg    config.SinkConfig
	writer Writer

	mu       sync.Mutex
	queue    []storage.EventRow
	dropped  int64
	flushed  int64
	requeued int64
	closed   bool

	kick chan struct{}
}

// NewSink creates a sink; call Run to start the flush loop
func NewSink(cfg config.SinkConfig, writer Writer) *Sink {
	return &Sink{
		cfg:    cfg,
		writer: writer,
		queue:  make([]storage.EventRow, 0, cfg.BatchSize),
		kick:   make(chan struct{}, 1),
	}
}

// Enqueue normalizes and queues one raw event. Returns false when the event
// was dropped (queue full or sink shutting down).
func (s *Sink) Enqueue(raw Raw) bool {
	row := Normalize(raw)

	s.mu.Lock()
	if s.closed || len(s.queue) >= s.cfg.MaxQueue {
		s.dropped++
		dropped := s.dropped
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			slog.Warn("event queue full, dropping event",
				"session_hash", row.SessionHash,
				"total_dropped", dropped,
			)
		}
		return false
	}
	s.queue = append(s.queue, row)
	shouldKick := len(s.queue) >= s.cfg.BatchSize
	s.mu.Unlock()

	if shouldKick {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Run flushes on the configured interval and on batch-size pressure until
// ctx is cancelled, then refuses new events and drains with a final flush.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.flushAll()
		case <-s.kick:
			s.flushAll()
		}
	}
}

func (s *Sink) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.flushAll()

	s.mu.Lock()
	residue := len(s.queue)
	s.mu.Unlock()
	if residue > 0 {
		slog.Warn("event sink stopped with undrained events", "count", residue)
	} else {
		slog.Info("event sink drained")
	}
}

// flushAll writes the queue out in batches until empty or a flush fails
func (s *Sink) flushAll() {
	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.writer.WriteEvents(ctx, batch)
		cancel()

		if err != nil {
			s.requeue(batch, err)
			return
		}

		s.mu.Lock()
		s.flushed += int64(len(batch))
		s.mu.Unlock()
	}
}

func (s *Sink) takeBatch() []storage.EventRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	if n == 0 {
		return nil
	}
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]storage.EventRow, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	return batch
}

// requeue puts failed events back at the head, capped at MaxRequeue;
// the overflow is dropped and counted.
func (s *Sink) requeue(batch []storage.EventRow, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := batch
	if len(keep) > s.cfg.MaxRequeue {
		s.dropped += int64(len(keep) - s.cfg.MaxRequeue)
		keep = keep[:s.cfg.MaxRequeue]
	}
	// Re-queueing must not breach the queue bound either
	room := s.cfg.MaxQueue - len(s.queue)
	if room < 0 {
		room = 0
	}
	if len(keep) > room {
		s.dropped += int64(len(keep) - room)
		keep = keep[:room]
	}
	s.queue = append(keep, s.queue...)
	s.requeued += int64(len(keep))

	slog.Error("event flush failed, re-queued head of batch",
		"requeued", len(keep),
		"dropped", len(batch)-len(keep),
		"error", err,
	)
}

// Stats returns sink counters
func (s *Sink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SinkStats{
		QueueLen: len(s.queue),
		Dropped:  s.dropped,
		Flushed:  s.flushed,
		Requeued: s.requeued,
	}
}
