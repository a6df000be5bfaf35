// Package devserver is a local stand-in for the realtime backend. Each
// WebSocket client gets its own simulation whose frames are filtered by the
// client's subscriptions, so the real Transport path can be exercised end to
// end without a backend.
package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/medpulse-health/portalsync"
	"github.com/medpulse-health/portalsync/clock"
)

const (
	maxFrameBytes = 64 << 10
	writeWait     = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	// Token, when set, must be presented as a bearer header or token query
	// parameter.
	Token string
	// Tick is the simulation cadence. Zero uses the client default.
	Tick time.Duration
	// Seed seeds every session's simulation. Zero seeds from the clock.
	Seed   int64
	Clock  clock.Clock
	Logger *zap.Logger
}

// Server accepts realtime clients on /ws.
type Server struct {
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New returns a Server.
func New(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tick == 0 {
		opts.Tick = portalsync.DefaultSimulationTick
	}
	return &Server{
		opts: opts,
		log:  opts.Logger.Named("devserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// Handler returns the HTTP routes: /ws for clients and /healthz.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/ws", s.serveWS)
	router.GET("/healthz", s.handleHealth)
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "sessions": s.SessionCount()})
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Broadcast writes a raw frame to every client, bypassing subscriptions.
func (s *Server) Broadcast(frame []byte) {
	for _, sess := range s.snapshotSessions() {
		sess.write(frame)
	}
}

// DisconnectAll drops every client connection without a close handshake,
// as a crashed backend would.
func (s *Server) DisconnectAll() {
	for _, sess := range s.snapshotSessions() {
		sess.conn.UnderlyingConn().Close()
	}
}

func (s *Server) snapshotSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.opts.Token {
		return true
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") == s.opts.Token
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sess := newSession(s, conn)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	sess.run(r.Context())

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
}
