// Package config holds the relay and client configuration types and loads
// them from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ViolationPolicy selects what the relay does with a handshake frame that
// arrives in the wrong call state.
type ViolationPolicy string

const (
	// ViolationResync drops the frame and re-announces the current state.
	ViolationResync ViolationPolicy = "resync"
	// ViolationClose terminates the offending participant's session.
	ViolationClose ViolationPolicy = "close"
)

// STUN servers for ICE candidate gathering. No TURN by default; a call is a
// direct peer-to-peer link.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Media kinds the client negotiates.
const (
	MediaAudio = "audio"
	MediaVideo = "video"
)

// Config is the file layout shared by both binaries. Each binary reads only
// its own section.
type Config struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
	Debug  bool   `yaml:"debug"`
}

// Server configures the signaling relay.
type Server struct {
	Listen        string          `yaml:"listen"`          // address to listen on, e.g. ":8080"
	Path          string          `yaml:"path"`            // WebSocket endpoint path
	OnViolation   ViolationPolicy `yaml:"on_violation"`    // resync or close
	PingInterval  time.Duration   `yaml:"ping_interval"`   // keepalive ping period
	PongTimeout   time.Duration   `yaml:"pong_timeout"`    // read deadline after the last frame or pong
	WriteTimeout  time.Duration   `yaml:"write_timeout"`   // per-frame write deadline
	OutboxSize    int             `yaml:"outbox_size"`     // frames buffered per participant
	MaxFrameBytes int64           `yaml:"max_frame_bytes"` // inbound frame size limit
	StatsInterval time.Duration   `yaml:"stats_interval"`  // 0 disables the reporter
}

// Client configures the device-side call peer.
type Client struct {
	URL          string        `yaml:"url"`           // relay WebSocket URL
	ICEServers   []string      `yaml:"ice_servers"`   // STUN/TURN URLs
	Media        []string      `yaml:"media"`         // media kinds to receive: audio, video
	AutoStart    bool          `yaml:"auto_start"`    // signal readiness without waiting for input
	WriteTimeout time.Duration `yaml:"write_timeout"` // per-frame write deadline
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // relay silence before the call is dropped
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Listen:        "127.0.0.1:8080",
			Path:          "/rtc",
			OnViolation:   ViolationResync,
			PingInterval:  15 * time.Second,
			PongTimeout:   30 * time.Second,
			WriteTimeout:  5 * time.Second,
			OutboxSize:    64,
			MaxFrameBytes: 1 << 20,
			StatsInterval: 10 * time.Second,
		},
		Client: Client{
			ICEServers:   append([]string(nil), defaultSTUNServers...),
			Media:        []string{MediaAudio, MediaVideo},
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the relay section.
func (s Server) Validate() error {
	var errs []error

	if s.Listen == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if !strings.HasPrefix(s.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path must start with '/': %q", s.Path))
	}
	switch s.OnViolation {
	case ViolationResync, ViolationClose:
	default:
		errs = append(errs, fmt.Errorf("server.on_violation must be %q or %q: %q", ViolationResync, ViolationClose, s.OnViolation))
	}
	if s.PingInterval <= 0 || s.PongTimeout <= 0 || s.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}
	if s.PongTimeout <= s.PingInterval {
		errs = append(errs, fmt.Errorf("server.pong_timeout (%s) must exceed server.ping_interval (%s)", s.PongTimeout, s.PingInterval))
	}
	if s.OutboxSize < 1 {
		errs = append(errs, fmt.Errorf("server.outbox_size must be at least 1: %d", s.OutboxSize))
	}
	if s.MaxFrameBytes < 1 {
		errs = append(errs, fmt.Errorf("server.max_frame_bytes must be at least 1: %d", s.MaxFrameBytes))
	}
	if s.StatsInterval < 0 {
		errs = append(errs, errors.New("server.stats_interval must not be negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the client section.
func (c Client) Validate() error {
	var errs []error

	if _, err := NormalizeURL(c.URL); err != nil {
		errs = append(errs, err)
	}
	for _, kind := range c.Media {
		if kind != MediaAudio && kind != MediaVideo {
			errs = append(errs, fmt.Errorf("client.media: unknown kind %q", kind))
		}
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("client.write_timeout must be positive"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("client.read_timeout must be positive"))
	}

	return errors.Join(errs...)
}

// NormalizeURL validates a relay address and returns a WebSocket URL. A bare
// host gets the wss scheme; a missing path becomes /rtc.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing relay URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay URL scheme: %s", u.Scheme)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/rtc"
	}
	return u.String(), nil
}
