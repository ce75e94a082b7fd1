package bridge

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/rconbridge/rconbridge/internal/httpx"
)

// Server accepts browser WebSocket upgrades at the configured path and runs
// one Session per connection.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// NewServer creates a bridge server. Zero-value options get defaults.
func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "bridge"),
	}
}

// Path returns the WebSocket endpoint path the server answers on.
func (s *Server) Path() string {
	return s.opts.Path
}

// ServeHTTP upgrades a browser connection and runs its session to
// completion. Session failures never propagate past this handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.opts.Path {
		http.NotFound(w, r)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.CloseNow()

	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Info("session started")

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("session panicked", "panic", rec)
		}
		logger.Info("session ended")
	}()

	sess := newSession(ws, s.opts, logger)
	sess.run(r.Context())

	ws.Close(websocket.StatusNormalClosure, "")
}

// ListenAndServe binds addr and serves the bridge endpoint until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the bridge on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("bridge server listening", "addr", ln.Addr(), "path", s.opts.Path)
	return httpx.Serve(ctx, srv, ln)
}
