package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/protocol"
	"github.com/1ureka/duet/internal/session"
	"github.com/1ureka/duet/internal/util"
)

// conn is one participant's WebSocket on the relay. The registry writes to
// it through Send; a single writer goroutine drains the outbox.
type conn struct {
	id  uuid.UUID
	ws  *websocket.Conn
	cfg config.Server

	outbox    chan string
	done      chan struct{}
	closeOnce sync.Once
}

var _ session.Sink = (*conn)(nil)

func newConn(ws *websocket.Conn, cfg config.Server) *conn {
	return &conn{
		id:     uuid.New(),
		ws:     ws,
		cfg:    cfg,
		outbox: make(chan string, cfg.OutboxSize),
		done:   make(chan struct{}),
	}
}

// name is a short id for log lines.
func (c *conn) name() string {
	return c.id.String()[:8]
}

// Send enqueues a frame without blocking. It is called with the registry
// lock held, so a full outbox drops the frame instead of waiting.
func (c *conn) Send(text string) bool {
	select {
	case <-c.done:
		util.Stats.AddDropped()
		return false
	default:
	}

	select {
	case c.outbox <- text:
		util.Stats.AddRelayed()
		return true
	default:
		util.Stats.AddDropped()
		util.LogWarning("Participant %s: outbox full, dropped frame", c.name())
		return false
	}
}

// writeLoop is the single writer. It sends queued frames and keepalive
// pings until the connection is shut down or a write fails.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case text := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				util.LogDebug("Participant %s: write failed: %v", c.name(), err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				util.LogDebug("Participant %s: ping failed: %v", c.name(), err)
				c.shutdown()
				return
			}

		case <-c.done:
			return
		}
	}
}

// readLoop decodes inbound text frames and passes them to handle until the
// socket fails or handle returns false. Frames that do not decode are
// logged and skipped.
func (c *conn) readLoop(handle func(protocol.Message) bool) {
	c.ws.SetReadLimit(c.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("Participant %s: read failed: %v", c.name(), err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if typ != websocket.TextMessage {
			util.LogWarning("Participant %s: ignoring non-text frame", c.name())
			continue
		}

		msg, err := protocol.Decode(string(data))
		if err != nil {
			util.LogWarning("Participant %s: %v", c.name(), err)
			continue
		}

		if !handle(msg) {
			return
		}
	}
}

// closeWith sends a close frame and shuts the connection down.
func (c *conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.shutdown()
}

// shutdown stops the writer and closes the socket. Safe to call more than
// once and from any goroutine.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
