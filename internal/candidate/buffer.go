// Package candidate buffers remote connectivity candidates until the peer
// connection has a remote description to apply them against.
package candidate

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ApplyFunc applies one candidate to the peer connection.
type ApplyFunc func(webrtc.ICECandidateInit) error

// Buffer holds candidates that arrived before a remote description existed.
//
// Add, Flush, Submit and Open all run under one mutex, so a candidate that
// arrives while the remote description is being set is either flushed with
// the rest or applied after them. It is never lost or applied twice.
type Buffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	open    bool // a remote description has been accepted
}

// New returns an empty, closed buffer.
func New() *Buffer {
	return &Buffer{}
}

// Add appends a candidate to the buffer.
func (b *Buffer) Add(c webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, c)
}

// Flush applies every buffered candidate in arrival order and empties the
// buffer. Application errors do not stop the flush; they are joined and
// returned. A candidate the engine rejects for lack of a remote description
// goes back into the buffer.
func (b *Buffer) Flush(apply ApplyFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(apply)
}

// Submit applies c immediately once the buffer is open and buffers it
// otherwise. It reports whether the candidate was buffered.
func (b *Buffer) Submit(c webrtc.ICECandidateInit, apply ApplyFunc) (buffered bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		b.pending = append(b.pending, c)
		return true, nil
	}
	if err := apply(c); err != nil {
		if errors.Is(err, webrtc.ErrNoRemoteDescription) {
			b.pending = append(b.pending, c)
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// Open runs set (which installs the remote description) and, if it succeeds,
// flushes the buffer and marks it open, all as one step. If set fails the
// buffer stays closed and keeps its candidates.
func (b *Buffer) Open(set func() error, apply ApplyFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := set(); err != nil {
		return err
	}
	b.open = true
	return b.flushLocked(apply)
}

// IsOpen reports whether a remote description has been accepted.
func (b *Buffer) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Reset drops all buffered candidates, closes the buffer and returns the
// number of candidates released.
func (b *Buffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.pending)
	b.pending = nil
	b.open = false
	return n
}

// Len returns the number of buffered candidates.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) flushLocked(apply ApplyFunc) error {
	pending := b.pending
	b.pending = nil

	var errs []error
	for _, c := range pending {
		if err := apply(c); err != nil {
			if errors.Is(err, webrtc.ErrNoRemoteDescription) {
				b.pending = append(b.pending, c)
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
