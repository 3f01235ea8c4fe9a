package sidechannel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/duet/internal/util"
	"github.com/pion/webrtc/v4"
)

// ErrChannelClosed is returned by Send while the data channel is not open.
var ErrChannelClosed = errors.New("side channel is not open")

// RawChannel is the part of *webrtc.DataChannel the side channel uses.
type RawChannel interface {
	Send(data []byte) error
	ReadyState() webrtc.DataChannelState
	OnMessage(fn func(msg webrtc.DataChannelMessage))
}

var _ RawChannel = (*webrtc.DataChannel)(nil)

// Channel sends and dispatches side channel messages by kind.
type Channel struct {
	raw RawChannel

	mu       sync.RWMutex
	handlers map[Kind]func(value string)
}

// New wraps raw and starts dispatching its inbound messages.
func New(raw RawChannel) *Channel {
	c := &Channel{
		raw:      raw,
		handlers: make(map[Kind]func(string)),
	}
	raw.OnMessage(c.dispatch)
	return c
}

// Send encodes and sends one message.
func (c *Channel) Send(kind Kind, value string) error {
	if c.raw.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelClosed
	}

	data, err := Marshal(Message{State: kind, Value: value})
	if err != nil {
		return err
	}
	if err := c.raw.Send(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

// Handle registers fn for messages of the given kind, replacing any
// previous handler.
func (c *Channel) Handle(kind Kind, fn func(value string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = fn
}

// dispatch runs on pion's read goroutine.
func (c *Channel) dispatch(raw webrtc.DataChannelMessage) {
	msg, err := Unmarshal(raw.Data)
	if err != nil {
		util.LogDebug("Ignoring side channel frame: %v", err)
		return
	}

	c.mu.RLock()
	fn, ok := c.handlers[msg.State]
	c.mu.RUnlock()

	if !ok {
		util.LogDebug("Ignoring side channel message of unknown kind %q", msg.State)
		return
	}
	fn(msg.Value)
}
