package rcon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// TimeoutPlaceholder is the response text a timed-out JSON command resolves
// with. The JSON protocol gives no partial responses to fall back on.
const TimeoutPlaceholder = "(no response — timed out)"

// clientName identifies this client in outgoing messages.
const clientName = "rcon-bridge"

// Message is a single JSON RCON frame, in both directions. The server fills
// Type and Name on responses and pushes; requests leave Type blank and set
// Name to the client name.
type Message struct {
	Identifier int32  `json:"Identifier"`
	Message    string `json:"Message"`
	Type       string `json:"Type,omitempty"`
	Name       string `json:"Name,omitempty"`
	Stacktrace string `json:"Stacktrace,omitempty"`
}

// jsonClient speaks Rust-style RCON over a single WebSocket. The password is
// part of the URL path; a successful WebSocket open IS the authentication.
// Frames with Identifier <= 0 are unsolicited server pushes.
type jsonClient struct {
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex // one concurrent WebSocket writer

	mu      sync.Mutex
	ws      *websocket.Conn
	state   connState
	lastID  int32
	pending map[int32]chan execResult

	runCtx    context.Context
	runCancel context.CancelFunc
	closeOnce sync.Once
}

func newJSONClient(cfg Config) *jsonClient {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &jsonClient{
		cfg: cfg,
		logger: cfg.Logger.With(
			"component", "rcon",
			"protocol", "json",
			"addr", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		),
		pending:   make(map[int32]chan execResult),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

func (c *jsonClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateAuthenticated:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrNotConnected
	case stateConnecting:
		c.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", ErrTransport)
	}
	c.state = stateConnecting
	c.mu.Unlock()

	hostPort := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	wsURL := fmt.Sprintf("ws://%s/%s", hostPort, url.PathEscape(c.cfg.Password))

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// Pin the Host header so the upgrade works behind outbound proxies.
	ws, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		Host: hostPort,
	})
	if err != nil {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		return classifyDialError(err)
	}
	ws.SetReadLimit(maxRecvBuffer)

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		ws.CloseNow()
		return ErrConnectionClosed
	}
	c.ws = ws
	c.state = stateAuthenticated
	c.mu.Unlock()

	go c.readLoop(ws)

	c.logger.Debug("connected")
	return nil
}

// classifyDialError maps a WebSocket dial failure onto the connect error
// kinds. The server signals a bad password by closing before the upgrade
// completes, which surfaces here as a non-network handshake failure.
func classifyDialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return fmt.Errorf("%w: %v", ErrAuthRejected, err)
}

func (c *jsonClient) Exec(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	if c.state != stateAuthenticated {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.lastID = nextRequestID(c.lastID)
	id := c.lastID
	ch := make(chan execResult, 1)
	c.pending[id] = ch
	ws := c.ws
	c.mu.Unlock()

	data, err := json.Marshal(Message{
		Identifier: id,
		Message:    command,
		Name:       clientName,
	})
	if err != nil {
		c.dropPending(id)
		return "", fmt.Errorf("rcon: marshal command: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(c.runCtx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	err = ws.Write(writeCtx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return "", fmt.Errorf("%w: send command: %v", ErrConnectionClosed, err)
	}

	select {
	case res := <-ch:
		return res.body, res.err
	case <-time.After(c.cfg.Timeout):
		c.dropPending(id)
		c.logger.Debug("command timed out", "id", id)
		return TimeoutPlaceholder, nil
	case <-ctx.Done():
		c.dropPending(id)
		return "", ctx.Err()
	}
}

func (c *jsonClient) Destroy() error {
	c.teardown(nil)
	return nil
}

func (c *jsonClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthenticated
}

func (c *jsonClient) dropPending(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *jsonClient) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(c.runCtx)
		if err != nil {
			c.teardown(normalizeCloseErr(err))
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping undecodable message", "err", err)
			if c.cfg.Events.Error != nil {
				c.cfg.Events.Error(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
			}
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch routes an inbound frame: a positive Identifier matching a pending
// command settles that command; everything else — server pushes (id <= 0)
// and unknown ids alike — is delivered as a server message unless its body
// is blank.
func (c *jsonClient) dispatch(msg Message) {
	if msg.Identifier > 0 {
		c.mu.Lock()
		ch, ok := c.pending[msg.Identifier]
		if ok {
			delete(c.pending, msg.Identifier)
		}
		c.mu.Unlock()
		if ok {
			ch <- execResult{body: msg.Message}
			return
		}
	}

	severity := msg.Type
	if severity == "" {
		severity = SeverityGeneric
	}
	if strings.TrimSpace(msg.Message) == "" {
		return
	}
	if c.cfg.Events.ServerMessage != nil {
		c.cfg.Events.ServerMessage(msg.Message, severity)
	}
}

func (c *jsonClient) teardown(cause error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	wasAuth := c.state == stateAuthenticated
	c.state = stateClosed
	ws := c.ws
	settled := make([]chan execResult, 0, len(c.pending))
	for _, ch := range c.pending {
		settled = append(settled, ch)
	}
	c.pending = make(map[int32]chan execResult)
	c.mu.Unlock()

	c.runCancel()
	if ws != nil {
		// Destroy is synchronous: skip the close handshake.
		ws.CloseNow()
	}

	for _, ch := range settled {
		ch <- execResult{err: ErrConnectionClosed}
	}

	if wasAuth && cause != nil && c.cfg.Events.Error != nil {
		c.cfg.Events.Error(cause)
	}
	if wasAuth {
		c.closeOnce.Do(func() {
			c.logger.Debug("connection closed", "cause", cause)
			if c.cfg.Events.Close != nil {
				c.cfg.Events.Close()
			}
		})
	}
}

// normalizeCloseErr collapses expected shutdown errors to nil so they do not
// surface as transport failures.
func normalizeCloseErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}
