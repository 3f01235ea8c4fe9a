package sidechannel

import (
	"sync"

	"github.com/1ureka/duet/internal/util"
)

// RemoteMedia tracks what the other participant last reported about its
// camera and microphone. Both start enabled.
type RemoteMedia struct {
	mu     sync.RWMutex
	camera bool
	mic    bool

	onChange func(kind Kind, enabled bool)
}

// NewRemoteMedia returns a tracker with both flags enabled. onChange, if
// non-nil, runs after every accepted update.
func NewRemoteMedia(onChange func(kind Kind, enabled bool)) *RemoteMedia {
	return &RemoteMedia{camera: true, mic: true, onChange: onChange}
}

// Attach registers the tracker's handlers on ch.
func (m *RemoteMedia) Attach(ch *Channel) {
	ch.Handle(KindCamera, func(v string) { m.update(KindCamera, v) })
	ch.Handle(KindMic, func(v string) { m.update(KindMic, v) })
}

func (m *RemoteMedia) Camera() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.camera
}

func (m *RemoteMedia) Mic() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mic
}

func (m *RemoteMedia) update(kind Kind, value string) {
	on, err := ParseFlag(value)
	if err != nil {
		util.LogDebug("Ignoring %s: %v", kind, err)
		return
	}

	m.mu.Lock()
	switch kind {
	case KindCamera:
		m.camera = on
	case KindMic:
		m.mic = on
	}
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(kind, on)
	}
}
