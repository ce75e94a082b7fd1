// Package sse implements the stateless HTTP transport: each command opens a
// short-lived JSON RCON client, and the console stream holds a long-lived
// one, relaying server pushes as Server-Sent Events.
package sse

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rconbridge/rconbridge/internal/format"
	"github.com/rconbridge/rconbridge/internal/metrics"
	"github.com/rconbridge/rconbridge/internal/rcon"
)

const (
	// commandTimeout bounds the one-shot command exchange.
	commandTimeout = 8 * time.Second

	// defaultHeartbeat keeps intermediaries from timing out idle streams.
	defaultHeartbeat = 10 * time.Second

	// pushBuffer is the per-stream queue of undelivered fragments. A browser
	// that cannot keep up loses pushes rather than stalling the upstream.
	pushBuffer = 64
)

// Options configures the stateless handler. The upstream is always the JSON
// protocol: the stateless model needs cheap reconnects and a push channel,
// which the binary protocol does not offer.
type Options struct {
	// Host, Port, Password are the default upstream credentials, used when a
	// request does not carry its own.
	Host     string
	Port     int
	Password string

	// Heartbeat is the interval between SSE keep-alive comments. Zero means
	// defaultHeartbeat.
	Heartbeat time.Duration

	// TargetID and SwapStyle are passed to the default formatter.
	TargetID  string
	SwapStyle string

	// Formatter replaces the default formatter entirely.
	Formatter format.Formatter

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Handler serves the stateless endpoints:
//
//	POST /rcon     run one command, respond with its fragment
//	POST /connect  test upstream credentials
//	GET  /stream   SSE stream of server pushes
type Handler struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler creates the stateless transport handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Formatter == nil {
		opts.Formatter = format.HTML{TargetID: opts.TargetID, SwapStyle: opts.SwapStyle}
	}

	h := &Handler{
		opts:   opts,
		logger: opts.Logger.With("component", "sse"),
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("/rcon", requireMethod(http.MethodPost, h.handleCommand))
	h.mux.HandleFunc("/connect", requireMethod(http.MethodPost, h.handleConnect))
	h.mux.HandleFunc("/stream", requireMethod(http.MethodGet, h.handleStream))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// requireMethod wraps a handler so it only matches the given HTTP method,
// mirroring the "METHOD /path" ServeMux pattern syntax.
func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// clientConfig builds the upstream config from request params, falling back
// to the handler defaults.
func (h *Handler) clientConfig(r *http.Request, events rcon.Events) rcon.Config {
	cfg := rcon.Config{
		Protocol: rcon.ProtocolJSON,
		Host:     h.opts.Host,
		Port:     h.opts.Port,
		Password: h.opts.Password,
		Timeout:  commandTimeout,
		Logger:   h.logger,
		Events:   events,
	}
	if v := r.FormValue("host"); v != "" {
		cfg.Host = v
	}
	if v := r.FormValue("port"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := r.FormValue("password"); v != "" {
		cfg.Password = v
	}
	return cfg
}

// handleCommand opens a client, runs one command, and returns the formatted
// fragment.
func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		h.writeFragment(w, h.opts.Formatter.Error("Empty command."))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	client, err := rcon.New(h.clientConfig(r, rcon.Events{}))
	if err != nil {
		h.writeFragment(w, h.opts.Formatter.Error("Command failed: bad upstream configuration."))
		return
	}
	defer client.Destroy()

	if err := client.Connect(ctx); err != nil {
		h.opts.Metrics.UpstreamConnect(string(rcon.ProtocolJSON), err)
		h.logger.Warn("one-shot connect failed", "err", err)
		h.writeFragment(w, h.opts.Formatter.Error("Could not connect to server."))
		return
	}
	h.opts.Metrics.UpstreamConnect(string(rcon.ProtocolJSON), nil)

	start := time.Now()
	body, err := client.Exec(ctx, command)
	h.opts.Metrics.ObserveCommand(string(rcon.ProtocolJSON), time.Since(start), err)
	if err != nil {
		h.writeFragment(w, h.opts.Formatter.Error(fmt.Sprintf("Command failed: %v", err)))
		return
	}
	h.writeFragment(w, h.opts.Formatter.Response(command, body))
}

// handleConnect opens and immediately closes a client to validate the
// credentials.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	client, err := rcon.New(h.clientConfig(r, rcon.Events{}))
	if err != nil {
		h.writeFragment(w, h.opts.Formatter.Auth(false, "Bad upstream configuration."))
		return
	}
	defer client.Destroy()

	if err := client.Connect(ctx); err != nil {
		h.opts.Metrics.UpstreamConnect(string(rcon.ProtocolJSON), err)
		h.writeFragment(w, h.opts.Formatter.Auth(false, "Connection failed."))
		return
	}
	h.opts.Metrics.UpstreamConnect(string(rcon.ProtocolJSON), nil)
	h.writeFragment(w, h.opts.Formatter.Auth(true, "Connection OK."))
}

// handleStream holds a long-lived upstream client open and writes one SSE
// console event per server push. The browser reconnects when the stream
// ends.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	pushes := make(chan string, pushBuffer)
	closed := make(chan struct{})

	client, err := rcon.New(h.clientConfig(r, rcon.Events{
		ServerMessage: func(body, severity string) {
			frag := h.opts.Formatter.ServerMessage(body, severity)
			if frag == "" {
				return
			}
			h.opts.Metrics.ServerMessage(severity)
			select {
			case pushes <- frag:
			default:
				h.logger.Warn("dropping push, stream backlogged")
			}
		},
		Close: func() { close(closed) },
	}))
	if err != nil {
		http.Error(w, "bad upstream configuration", http.StatusBadRequest)
		return
	}
	defer client.Destroy()

	connectCtx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		h.opts.Metrics.UpstreamConnect(string(rcon.ProtocolJSON), err)
		h.logger.Warn("stream connect failed", "err", err)
		http.Error(w, "could not connect to server", http.StatusBadGateway)
		return
	}
	h.opts.Metrics.UpstreamConnect(string(rcon.ProtocolJSON), nil)

	streamDone := h.opts.Metrics.SSEStreamOpened()
	defer streamDone()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.opts.Heartbeat)
	defer heartbeat.Stop()

	h.logger.Info("console stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case frag := <-pushes:
			if err := writeSSEEvent(w, "console", frag); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-closed:
			h.logger.Info("upstream closed, ending stream")
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes one event, splitting payload lines so embedded
// newlines cannot break the framing.
func writeSSEEvent(w http.ResponseWriter, event, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

func (h *Handler) writeFragment(w http.ResponseWriter, fragment string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, fragment)
}
