// Package server exposes the browser-facing HTTP surface: the session
// WebSocket endpoint, a health probe, and the static voice client UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxkit/voxbridge/pkg/session"
)

type Config struct {
	Addr string
	// StaticDir, when set, is served at / for the browser client.
	StaticDir string
	// AllowedOrigins restricts websocket upgrades. Empty or "*" allows all.
	AllowedOrigins []string
	// ReadLimit caps a single inbound frame, in bytes. Default 1 MiB.
	ReadLimit int64
}

// ConnectionFactory builds a session connection for an accepted socket.
type ConnectionFactory func(sessionID string, ch session.ClientChannel) (*session.Connection, error)

type Server struct {
	cfg      Config
	reg      *session.Registry
	newConn  ConnectionFactory
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	log      *slog.Logger
}

func New(cfg Config, reg *session.Registry, newConn ConnectionFactory, log *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		newConn: newConn,
		log:     log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{session_id}", s.handleWS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.cfg.Addr, "static_dir", s.cfg.StaticDir)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	// A reconnect with the same id wins: the stale connection is told to
	// go away and torn down before the new one registers.
	if prev, ok := s.reg.Get(sessionID); ok {
		s.log.Info("replacing session", "session_id", sessionID)
		prev.CloseWithCode(websocket.CloseServiceRestart, "replaced by new connection")
		select {
		case <-prev.Done():
		case <-time.After(2 * time.Second):
		}
	}

	conn, err := s.newConn(sessionID, ws)
	if err != nil {
		s.log.Error("build connection failed", "session_id", sessionID, "error", err)
		_ = ws.Close()
		return
	}
	if err := s.reg.Add(conn); err != nil {
		s.log.Warn("register session failed", "session_id", sessionID, "error", err)
		closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session rejected")
		_ = ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	conn.Start()
	<-conn.Done()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.reg.Count(),
		"draining": s.reg.Draining(),
	})
}
