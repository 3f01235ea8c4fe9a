// Package signaling carries the call handshake between the two participants:
// the relay's WebSocket server on one end and the device-side client on the
// other.
package signaling

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/protocol"
	"github.com/1ureka/duet/internal/session"
	"github.com/1ureka/duet/internal/util"
)

// Server is the relay's WebSocket endpoint. Every accepted connection joins
// the registry and feeds its frames into it.
type Server struct {
	reg      *session.Registry
	cfg      config.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
	http  *http.Server
}

// NewServer creates a relay server over reg.
func NewServer(reg *session.Registry, cfg config.Server) *Server {
	return &Server{
		reg: reg,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Start listens on addr and serves in the background. Returns the bound
// address, which differs from addr when addr uses port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("WS server stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// ServeHTTP upgrades requests on the configured path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path {
		http.NotFound(w, r)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("Upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.serve(ws)
}

func (s *Server) serve(ws *websocket.Conn) {
	c := newConn(ws, s.cfg)

	if err := s.reg.Join(c.id, c); err != nil {
		util.Stats.AddReject()
		util.LogWarning("Rejected %s: %v", ws.RemoteAddr(), err)
		reason := err.Error()
		if errors.Is(err, session.ErrSessionFull) {
			reason = "session full"
		}
		c.closeWith(websocket.ClosePolicyViolation, reason)
		return
	}

	util.Stats.AddJoin()
	util.LogInfo("Participant %s joined from %s (%d/%d)", c.name(), ws.RemoteAddr(), s.reg.Count(), session.MaxParticipants)

	s.track(c)
	defer func() {
		s.reg.Leave(c.id)
		c.shutdown()
		s.untrack(c)
		util.Stats.AddLeave()
		util.LogInfo("Participant %s left", c.name())
	}()

	go c.writeLoop()
	c.readLoop(func(msg protocol.Message) bool {
		return s.handle(c, msg)
	})
}

// handle routes one frame through the registry and applies the violation
// policy. It returns false when the connection must be closed.
func (s *Server) handle(c *conn, msg protocol.Message) bool {
	util.LogDebug("Participant %s: %s", c.name(), msg)

	err := s.reg.Handle(c.id, msg)
	switch {
	case err == nil:
		return true

	case errors.Is(err, session.ErrProtocolViolation):
		util.Stats.AddViolation()
		util.LogWarning("Participant %s: %v", c.name(), err)
		if s.cfg.OnViolation == config.ViolationClose {
			c.closeWith(websocket.ClosePolicyViolation, "protocol violation")
			return false
		}
		s.reg.Resync()
		return true

	default:
		util.LogWarning("Participant %s: %v", c.name(), err)
		return true
	}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Close stops accepting connections and closes every participant with a
// going-away close frame.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.http
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}
	return err
}
