// Package server accepts client WebSocket connections and hands each one to a
// debug session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/session"
)

const (
	// DefaultPath is the WebSocket endpoint clients connect to.
	DefaultPath = "/debug"

	// HealthPath reports liveness and the number of registered sessions.
	HealthPath = "/health"

	// SessionQueryParam and SessionHeader carry the client-chosen session id.
	SessionQueryParam = "session"
	SessionHeader     = "X-Debug-Session"

	readHeaderTimeout = 10 * time.Second
)

var errNoRegistry = errors.New("server requires a session registry")

// Config configures a Server.
type Config struct {
	// Addr is the TCP address to listen on, e.g. ":4711".
	Addr string

	// Path is the WebSocket endpoint. Defaults to DefaultPath.
	Path string

	// AllowedOrigins lists the browser origins allowed to connect. Empty allows
	// every origin; "*" does as well. Requests without an Origin header are
	// always allowed.
	AllowedOrigins []string

	Registry *session.Registry
	Logger   logr.Logger
}

// Server is the relay's WebSocket listener.
type Server struct {
	addr     string
	path     string
	origins  []string
	upgrader websocket.Upgrader
	registry *session.Registry
	log      logr.Logger

	httpServer *http.Server

	// serveCtx is the parent of every session; cancelled on Shutdown.
	serveCtx    context.Context
	cancelServe context.CancelFunc

	// mu guards closing and sessions.Add
	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// New creates a Server. It does not start listening.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errNoRegistry
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("endpoint path %q must start with /", path)
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:        cfg.Addr,
		path:        path,
		origins:     cfg.AllowedOrigins,
		registry:    cfg.Registry,
		log:         log.WithName("server"),
		serveCtx:    serveCtx,
		cancelServe: cancel,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Handler returns the HTTP handler serving the WebSocket and health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	mux.HandleFunc(HealthPath, s.handleHealth)
	return mux
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.log.Info("Starting debug relay", "addr", s.addr, "endpoint", s.path, "health", HealthPath)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve on %s: %w", s.addr, err)
	}
	return nil
}

// Shutdown stops accepting connections, closes every session (killing their
// adapters) and waits for session goroutines to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down...")

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	httpErr := s.httpServer.Shutdown(ctx)
	s.cancelServe()
	s.registry.CloseAll()

	waitDone := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(waitDone)
	}()

	var waitErr error
	select {
	case <-waitDone:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for sessions to finish: %w", ctx.Err())
	}

	if err := errors.Join(httpErr, waitErr); err != nil {
		return err
	}
	s.log.Info("Shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.Count(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromRequest(r)

	conn, upgradeErr := s.upgrader.Upgrade(w, r, nil)
	if upgradeErr != nil {
		// Upgrade has already written an HTTP error response.
		s.log.V(1).Info("WebSocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", upgradeErr.Error())
		return
	}
	client := newWSConn(conn)
	log := s.log.WithValues("sessionID", sessionID, "remoteAddr", conn.RemoteAddr().String())

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = client.closeWith(websocket.CloseGoingAway, "relay is shutting down")
		return
	}
	sess, created := s.registry.GetOrCreate(sessionID, client)
	if !created {
		s.mu.Unlock()
		log.Info("Rejecting connection: session already has a client")
		_ = client.closeWith(websocket.ClosePolicyViolation, "session already connected")
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()

	log.V(1).Info("New client connection")
	go s.runSession(sess, log)
}

func (s *Server) runSession(sess *session.Session, log logr.Logger) {
	defer s.sessions.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("panic: %v", r), "Session goroutine panicked")
			sess.Close()
		}
	}()

	if runErr := sess.Run(s.serveCtx); runErr != nil {
		log.Info("Session ended with error", "reason", sess.CloseReason().String(), "error", runErr.Error())
		return
	}
	log.V(1).Info("Session ended", "reason", sess.CloseReason().String())
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.log.Info("Rejected connection from disallowed origin", "origin", origin)
	return false
}

// sessionIDFromRequest picks the session id from the query, then the header,
// else generates a fresh one.
func sessionIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get(SessionQueryParam)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	return uuid.New().String()
}
