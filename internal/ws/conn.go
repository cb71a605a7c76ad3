package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"spindle/internal/command"
)

// Close reasons carried in the websocket close frame
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonShutdown     = "server_shutdown"
)

// commandFrame is the outbound wrapper pushed to the client
type commandFrame struct {
	Type    string           `json:"type"`
	Command command.Envelope `json:"command"`
}

// connectedFrame is sent once, immediately after the upgrade
type connectedFrame struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

// pingFrame is the application-level keepalive; browser clients answer with
// a pong frame
type pingFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// outbound is one queued frame; env is set for command frames so the writer
// can report delivery.
type outbound struct {
	data []byte
	env  *command.Envelope
}

// Conn wraps one client websocket. All outbound traffic goes through a
// bounded send queue drained by a single writer goroutine; a full queue
// means the client stopped reading and the connection is closed.
type Conn struct {
	id string
	ws *websocket.Conn

	sendQ chan outbound

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	reason string

	// invoked by the writer after a command frame reaches the socket
	onSent func(env command.Envelope)
}

func newConn(id string, ws *websocket.Conn, queueSize int) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		sendQ:  make(chan outbound, queueSize),
		closed: make(chan struct{}),
	}
}

// ConnectionID identifies this connection
func (c *Conn) ConnectionID() string {
	return c.id
}

// Enqueue queues a command frame for delivery. A full queue closes the
// connection: a client that cannot drain its commands is not worth keeping.
func (c *Conn) Enqueue(env command.Envelope) bool {
	data, err := json.Marshal(commandFrame{Type: "command", Command: env})
	if err != nil {
		slog.Error("command frame marshal failed", "command_id", env.ID, "error", err)
		return false
	}
	return c.push(outbound{data: data, env: &env}, env.ID)
}

// enqueueRaw queues a pre-marshalled frame (connected, pong)
func (c *Conn) enqueueRaw(data []byte) bool {
	return c.push(outbound{data: data}, "")
}

func (c *Conn) push(out outbound, commandID string) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.sendQ <- out:
		return true
	default:
		slog.Warn("send queue full, closing connection",
			"connection_id", c.id,
			"command_id", commandID,
		)
		c.CloseWithReason(ReasonSlowConsumer)
		return false
	}
}

// CloseWithReason schedules the connection to close. Never blocks; the first
// reason wins.
func (c *Conn) CloseWithReason(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
}

// CloseReason returns the recorded close reason, "" if still open
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writeLoop drains the send queue until the connection closes. Command
// frames that reach the socket are reported through onSent.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			// Frames enqueued just before the close (the final TERMINATE)
			// still go out
			c.drainQueue(ctx)
			c.ws.Close(websocket.StatusNormalClosure, c.CloseReason())
			return
		case out := <-c.sendQ:
			if !c.write(ctx, out) {
				return
			}
		}
	}
}

func (c *Conn) drainQueue(ctx context.Context) {
	for {
		select {
		case out := <-c.sendQ:
			if !c.write(ctx, out) {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(ctx context.Context, out outbound) bool {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := c.ws.Write(writeCtx, websocket.MessageText, out.data)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("websocket write failed", "connection_id", c.id, "error", err)
		}
		c.CloseWithReason("write_error")
		return false
	}
	if out.env != nil && c.onSent != nil {
		c.onSent(*out.env)
	}
	return true
}

// pingLoop emits the ping frame on the configured cadence. Browser clients
// cannot see protocol-level pings, so keepalive rides the application frames.
func (c *Conn) pingLoop(ctx context.Context, interval time.Duration, onTick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			data, err := json.Marshal(pingFrame{Type: "ping", Timestamp: time.Now()})
			if err != nil {
				continue
			}
			if !c.enqueueRaw(data) {
				return
			}
			if onTick != nil {
				onTick()
			}
		}
	}
}
