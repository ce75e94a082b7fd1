package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rconbridge/rconbridge/internal/rcon"
)

// Messages for the per-command reply fragments.
const (
	msgInvalidFormat    = "Invalid message format."
	msgNotAuthenticated = "Not authenticated. Send an auth message with host, port, and password first."
	msgEmptyCommand     = "Empty command."
	msgCommandBlocked   = "Command blocked."
	msgNotConnected     = "Not connected to server."
)

// Session supervises one browser WebSocket and its upstream RCON client.
//
//	auth-mode=server                    auth-mode=client
//	connect upstream now                wait for an auth message
//	        \                              /
//	         authenticated: route commands, forward pushes
//	                      |
//	  upstream close / browser close / error → terminated
type Session struct {
	opts   Options
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex // one concurrent WebSocket writer

	mu            sync.Mutex
	client        rcon.Client
	authenticated bool
	terminated    bool

	cancel context.CancelFunc
}

// newSession wraps an accepted browser WebSocket. opts must already have
// defaults applied.
func newSession(ws *websocket.Conn, opts Options, logger *slog.Logger) *Session {
	return &Session{
		opts:   opts,
		ws:     ws,
		logger: logger,
	}
}

// Authenticated reports whether the session has a connected upstream.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// run drives the session until either socket closes. It never lets a
// session error escape to the caller.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.teardown()

	tracker := s.opts.Metrics.SessionOpened(string(s.opts.Protocol), string(s.opts.AuthMode))
	defer tracker.Done()

	if s.opts.AuthMode == AuthModeServer {
		if err := s.connectUpstream(ctx, s.opts.Host, s.opts.Port, s.opts.Password); err != nil {
			s.logger.Warn("upstream connect failed", "err", err)
			s.send(ctx, s.opts.Formatter.Auth(false, authFailureDetail(err)))
			return
		}
		s.send(ctx, s.opts.Formatter.Auth(true, "Connected."))
	} else {
		s.send(ctx, s.opts.Formatter.Info("Send credentials to connect."))
	}

	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			s.logger.Debug("browser socket closed", "err", err)
			return
		}
		s.handleMessage(ctx, data)
	}
}

// inboundMessage is the browser message shape. Flat-key auth aliases are
// normalized into the nested form.
type inboundMessage struct {
	Auth    *authRequest `json:"auth"`
	Command *string      `json:"command"`

	FlatHost     string `json:"auth.host"`
	FlatPort     int    `json:"auth.port"`
	FlatPassword string `json:"auth.password"`
}

type authRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
}

func (m *inboundMessage) normalize() {
	if m.Auth == nil && (m.FlatHost != "" || m.FlatPort != 0 || m.FlatPassword != "") {
		m.Auth = &authRequest{Host: m.FlatHost, Port: m.FlatPort, Password: m.FlatPassword}
	}
}

func (s *Session) handleMessage(ctx context.Context, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(ctx, s.opts.Formatter.Error(msgInvalidFormat))
		return
	}
	msg.normalize()

	switch {
	case msg.Auth != nil && s.opts.AuthMode == AuthModeClient && !s.Authenticated():
		s.handleAuth(ctx, msg.Auth)
	case msg.Command != nil:
		s.handleCommand(ctx, *msg.Command)
	default:
		s.send(ctx, s.opts.Formatter.Error(msgInvalidFormat))
	}
}

func (s *Session) handleAuth(ctx context.Context, req *authRequest) {
	if err := s.connectUpstream(ctx, req.Host, req.Port, req.Password); err != nil {
		s.logger.Warn("upstream connect failed", "err", err)
		s.send(ctx, s.opts.Formatter.Auth(false, authFailureDetail(err)))
		return
	}
	s.send(ctx, s.opts.Formatter.Auth(true, "Connected."))
}

func (s *Session) handleCommand(ctx context.Context, command string) {
	if !s.Authenticated() {
		s.send(ctx, s.opts.Formatter.Error(msgNotAuthenticated))
		return
	}

	command = strings.TrimSpace(command)
	if command == "" {
		s.send(ctx, s.opts.Formatter.Error(msgEmptyCommand))
		return
	}
	if s.opts.OnCommand != nil && !s.opts.OnCommand(command, s) {
		s.send(ctx, s.opts.Formatter.Error(msgCommandBlocked))
		return
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || !client.Connected() {
		s.send(ctx, s.opts.Formatter.Error(msgNotConnected))
		return
	}

	start := time.Now()
	body, err := client.Exec(ctx, command)
	s.opts.Metrics.ObserveCommand(string(s.opts.Protocol), time.Since(start), err)
	if err != nil {
		s.send(ctx, s.opts.Formatter.Error(fmt.Sprintf("Command failed: %v", err)))
		return
	}
	s.send(ctx, s.opts.Formatter.Response(command, body))
}

// connectUpstream builds and connects the session's RCON client, wiring the
// push, error, and close events into the browser socket.
func (s *Session) connectUpstream(ctx context.Context, host string, port int, password string) error {
	client, err := rcon.New(rcon.Config{
		Protocol: s.opts.Protocol,
		Host:     host,
		Port:     port,
		Password: password,
		Timeout:  s.opts.Timeout,
		Logger:   s.logger,
		Events: rcon.Events{
			ServerMessage: func(body, severity string) {
				s.forwardPush(body, severity)
			},
			Error: func(err error) {
				s.logger.Warn("upstream error", "err", err)
			},
			Close: func() {
				s.handleUpstreamClose()
			},
		},
	})
	if err != nil {
		return err
	}

	err = client.Connect(ctx)
	s.opts.Metrics.UpstreamConnect(string(s.opts.Protocol), err)
	if err != nil {
		client.Destroy()
		return err
	}

	s.mu.Lock()
	s.client = client
	s.authenticated = true
	s.mu.Unlock()

	if s.opts.OnConnect != nil {
		s.opts.OnConnect(s, client)
	}
	s.logger.Info("upstream connected", "protocol", s.opts.Protocol)
	return nil
}

// forwardPush relays an unsolicited server message to the browser.
func (s *Session) forwardPush(body, severity string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	s.mu.Lock()
	terminated := s.terminated
	s.mu.Unlock()
	if terminated {
		return
	}
	s.opts.Metrics.ServerMessage(severity)
	s.send(context.Background(), s.opts.Formatter.ServerMessage(body, severity))
}

// handleUpstreamClose runs when the upstream connection dies out from under
// an active session: notify the browser, then close its socket.
func (s *Session) handleUpstreamClose() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.authenticated = false
	s.mu.Unlock()

	s.logger.Info("upstream closed, terminating session")
	s.send(context.Background(), s.opts.Formatter.Info("Connection to server lost."))
	s.ws.Close(websocket.StatusNormalClosure, "upstream closed")
	if s.cancel != nil {
		s.cancel()
	}
}

// teardown destroys the upstream client when the browser side goes away.
func (s *Session) teardown() {
	s.mu.Lock()
	s.terminated = true
	s.authenticated = false
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Destroy()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// send writes one fragment to the browser. Writes are serialized; pushes
// arrive from the upstream read loop while responses come from the session
// loop.
func (s *Session) send(ctx context.Context, fragment string) {
	if fragment == "" {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.Write(writeCtx, websocket.MessageText, []byte(fragment)); err != nil {
		s.logger.Debug("browser write failed", "err", err)
	}
}

// authFailureDetail renders a connect error for the browser without leaking
// internals.
func authFailureDetail(err error) string {
	switch {
	case err == nil:
		return "Authentication failed."
	case errors.Is(err, rcon.ErrAuthRejected):
		return "Authentication failed: the server rejected the password."
	case errors.Is(err, rcon.ErrTimeout):
		return "Authentication failed: the server did not respond in time."
	default:
		return "Authentication failed: could not reach the server."
	}
}
