package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/protocol"
	"github.com/1ureka/duet/internal/util"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 30 * time.Second
	eventBufferSize     = 64
)

// ErrClosed is returned by SendCommand once the client has shut down.
var ErrClosed = errors.New("signaling connection closed")

// Options configures a Client.
type Options struct {
	WriteTimeout time.Duration // per-frame write deadline; 0 uses 5s
	ReadTimeout  time.Duration // silence allowed between relay frames or pings; 0 uses 30s
}

// Client is the device side of the relay connection.
//
// The call state is retained: WatchState replays the last value and then
// delivers changes, keeping only the latest if the reader falls behind.
// Handshake events are not retained: each OFFER, ANSWER and ICE frame goes
// to the subscribers present when it arrives, in arrival order.
type Client struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration
	writeMu      sync.Mutex

	mu       sync.Mutex
	state    protocol.State
	watchers map[chan protocol.State]struct{}
	subs     map[*subscriber]struct{}
	closed   bool

	closing   chan struct{} // Close was called
	done      chan struct{} // read loop has exited
	startOnce sync.Once
	closeOnce sync.Once
}

type subscriber struct {
	ch       chan protocol.Message
	quit     chan struct{}
	quitOnce sync.Once
}

// Dial connects to the relay at url and starts reading.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	c, err := Connect(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// Connect connects to the relay at url without reading from it. Frames the
// relay sends wait in the connection until Start, so subscriptions taken in
// between see every handshake message.
func Connect(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := websocket.DefaultDialer
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	c := &Client{
		ws:           ws,
		writeTimeout: opts.WriteTimeout,
		readTimeout:  opts.ReadTimeout,
		state:        protocol.StateOffline,
		watchers:     make(map[chan protocol.State]struct{}),
		subs:         make(map[*subscriber]struct{}),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	return c, nil
}

// Start begins reading relay frames. Calling it again has no effect.
func (c *Client) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

// State returns the last call state announced by the relay, or Offline.
func (c *Client) State() protocol.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WatchState returns a channel that first yields the current state and then
// every change. The channel is closed when the client shuts down or cancel
// is called.
func (c *Client) WatchState() (<-chan protocol.State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan protocol.State, 1)
	ch <- c.state
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.watchers[ch] = struct{}{}

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.watchers[ch]; ok {
			delete(c.watchers, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Events returns a channel of inbound OFFER, ANSWER and ICE messages. It is
// closed when the client shuts down. After cancel the channel receives
// nothing more.
func (c *Client) Events() (<-chan protocol.Message, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &subscriber{
		ch:   make(chan protocol.Message, eventBufferSize),
		quit: make(chan struct{}),
	}
	if c.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	c.subs[sub] = struct{}{}

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		sub.quitOnce.Do(func() { close(sub.quit) })
	}
	return sub.ch, cancel
}

// SendCommand encodes and writes one frame. Writes are serialised.
func (c *Client) SendCommand(cmd protocol.Command, payload string) error {
	select {
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}

	frame := protocol.Encode(protocol.Message{Command: cmd, Payload: payload})

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	return nil
}

// Done is closed once the connection is gone and every stream is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and drops the connection. It does not wait for
// the read loop; use Done for that.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.publish(protocol.StateOffline)

		deadline := time.Now().Add(c.writeTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		err = c.ws.Close()

		// A client closed before Start still needs its streams closed.
		c.Start()
	})
	return err
}

// readLoop reads until the connection fails. The relay pings on a fixed
// period, so a silent relay trips the read deadline.
func (c *Client) readLoop() {
	defer c.finish()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				util.LogWarning("Lost connection to relay: %v", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))

		if typ != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(string(data))
		if err != nil {
			util.LogWarning("Ignoring relay frame: %v", err)
			continue
		}

		if msg.Command == protocol.CommandState {
			st, err := protocol.ParseState(msg.Payload)
			if err != nil {
				util.LogWarning("Ignoring relay frame: %v", err)
				continue
			}
			c.publish(st)
			continue
		}

		c.deliver(msg)
	}
}

// publish stores st and offers it to every watcher, replacing any value the
// watcher has not read yet.
func (c *Client) publish(st protocol.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.state = st
	for ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// deliver hands msg to each current subscriber in turn. A subscriber with a
// full buffer holds the read loop until it catches up, cancels or the
// client closes.
func (c *Client) deliver(msg protocol.Message) {
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-sub.quit:
		case <-c.closing:
			return
		}
	}
}

// finish runs once when the read loop exits. Only the read loop sends on
// subscriber channels, so closing them here cannot race a send.
func (c *Client) finish() {
	c.mu.Lock()
	c.state = protocol.StateOffline
	for ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- protocol.StateOffline
		close(ch)
	}
	for sub := range c.subs {
		close(sub.ch)
	}
	c.watchers = nil
	c.subs = nil
	c.closed = true
	c.mu.Unlock()

	c.ws.Close()
	close(c.done)
}
