package rcon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// maxRecvBuffer caps the receive buffer so a malformed or hostile server
	// cannot grow it without bound. A legitimate multi-packet response stays
	// well under this.
	maxRecvBuffer = 1 << 20

	writeTimeout = 10 * time.Second
)

type connState int

const (
	stateNew connState = iota
	stateConnecting
	stateAuthenticated
	stateClosed
)

// pendingCommand tracks a command awaiting its response frames.
type pendingCommand struct {
	id     int32
	chunks []string        // guarded by the client mutex
	done   chan execResult // buffered; receives the settled result exactly once
}

type execResult struct {
	body string
	err  error
}

// binaryClient speaks Source RCON over a single TCP connection.
//
// Response completion uses the sentinel trick: after each EXEC_COMMAND the
// client sends an empty RESPONSE_VALUE with SentinelID. The server answers
// requests in order, so the sentinel echo marks the end of the command's
// (possibly multi-packet) response. Sentinel resolution settles the oldest
// pending command, which is only correct when commands are serialized —
// execMu enforces that.
type binaryClient struct {
	cfg    Config
	logger *slog.Logger

	execMu sync.Mutex // serializes Exec; required by the sentinel trick

	mu      sync.Mutex
	conn    net.Conn
	state   connState
	lastID  int32
	pending map[int32]*pendingCommand
	order   []int32    // pending ids, oldest first
	authCh  chan error // non-nil only during the auth handshake

	closeOnce sync.Once
}

func newBinaryClient(cfg Config) *binaryClient {
	return &binaryClient{
		cfg: cfg,
		logger: cfg.Logger.With(
			"component", "rcon",
			"protocol", "binary",
			"addr", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		),
		pending: make(map[int32]*pendingCommand),
	}
}

func (c *binaryClient) Connect(ctx context.Context) error {
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

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.lastID = nextRequestID(c.lastID)
	authID := c.lastID
	authCh := make(chan error, 1)
	c.authCh = authCh
	c.mu.Unlock()

	go c.readLoop(conn, authID)

	if err := c.writePacket(EncodePacket(authID, PacketAuth, c.cfg.Password)); err != nil {
		c.teardown(err)
		return fmt.Errorf("%w: send auth: %v", ErrTransport, err)
	}

	select {
	case err := <-authCh:
		if err != nil {
			c.teardown(err)
			return err
		}
	case <-time.After(c.cfg.Timeout):
		c.teardown(ErrTimeout)
		return ErrTimeout
	case <-ctx.Done():
		c.teardown(ctx.Err())
		return ctx.Err()
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.authCh = nil
	c.state = stateAuthenticated
	c.mu.Unlock()

	c.logger.Debug("authenticated")
	return nil
}

// Exec sends a command and waits for the sentinel echo that marks the end of
// the response. On timeout it resolves with whatever response text has been
// accumulated so far; a stalled server degrades the answer, it does not fail
// the command.
func (c *binaryClient) Exec(ctx context.Context, command string) (string, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	if c.state != stateAuthenticated {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.lastID = nextRequestID(c.lastID)
	pc := &pendingCommand{
		id:   c.lastID,
		done: make(chan execResult, 1),
	}
	c.pending[pc.id] = pc
	c.order = append(c.order, pc.id)
	c.mu.Unlock()

	if err := c.writePacket(EncodePacket(pc.id, PacketExecCommand, command)); err != nil {
		c.removePending(pc.id)
		return "", fmt.Errorf("%w: send command: %v", ErrConnectionClosed, err)
	}
	if err := c.writePacket(EncodePacket(SentinelID, PacketResponseValue, "")); err != nil {
		c.removePending(pc.id)
		return "", fmt.Errorf("%w: send sentinel: %v", ErrConnectionClosed, err)
	}

	select {
	case res := <-pc.done:
		return res.body, res.err
	case <-time.After(c.cfg.Timeout):
		// Graceful degradation: return the partial response, not an error.
		partial := c.removePending(pc.id)
		c.logger.Debug("command timed out, resolving with partial response",
			"id", pc.id, "partial_len", len(partial))
		return partial, nil
	case <-ctx.Done():
		partial := c.removePending(pc.id)
		return partial, ctx.Err()
	}
}

func (c *binaryClient) Destroy() error {
	c.teardown(nil)
	return nil
}

func (c *binaryClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthenticated
}

// writePacket writes an encoded frame with a bounded deadline.
func (c *binaryClient) writePacket(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(data)
	return err
}

// removePending detaches a pending command and returns the response text
// accumulated so far. Used on timeout and cancellation paths.
func (c *binaryClient) removePending(id int32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return ""
	}
	c.detachLocked(id)
	return strings.Join(pc.chunks, "")
}

func (c *binaryClient) detachLocked(id int32) {
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// readLoop drains the TCP connection, decoding as many complete frames as
// the receive buffer holds per wake-up. Partial frames stay buffered.
func (c *binaryClient) readLoop(conn net.Conn, authID int32) {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if len(buf) > maxRecvBuffer {
				c.logger.Error("receive buffer cap exceeded, closing", "size", len(buf))
				c.teardown(fmt.Errorf("%w: receive buffer cap exceeded", ErrTransport))
				return
			}
			buf = c.drain(buf, authID)
		}
		if err != nil {
			c.teardown(err)
			return
		}
	}
}

// drain decodes and dispatches every complete frame in buf, returning the
// unconsumed remainder.
func (c *binaryClient) drain(buf []byte, authID int32) []byte {
	for {
		pkt, n, err := DecodePacket(buf)
		if err != nil {
			// Drop the unparseable frame header and keep the connection.
			c.logger.Warn("dropping malformed frame", "err", err)
			if c.cfg.Events.Error != nil {
				c.cfg.Events.Error(err)
			}
			buf = buf[4:]
			continue
		}
		if n == 0 {
			return buf
		}
		c.dispatch(pkt, authID)
		buf = buf[n:]
	}
}

func (c *binaryClient) dispatch(pkt Packet, authID int32) {
	c.mu.Lock()

	// Auth phase: the server may echo RESPONSE_VALUE frames with ids -1 or 0
	// (or the auth id) before the verdict. Only AUTH_RESPONSE decides.
	if c.authCh != nil {
		authCh := c.authCh
		c.mu.Unlock()
		if pkt.Kind != PacketAuthResponse {
			return
		}
		var verdict error
		switch pkt.ID {
		case -1:
			verdict = ErrAuthRejected
		case authID:
			verdict = nil
		default:
			return
		}
		select {
		case authCh <- verdict:
		default: // verdict already delivered
		}
		return
	}

	if pkt.Kind != PacketResponseValue {
		c.mu.Unlock()
		return
	}

	if pkt.ID == SentinelID {
		// End of response: settle the oldest pending command.
		if len(c.order) == 0 {
			c.mu.Unlock()
			return
		}
		id := c.order[0]
		pc := c.pending[id]
		c.detachLocked(id)
		body := strings.Join(pc.chunks, "")
		c.mu.Unlock()
		pc.done <- execResult{body: body}
		return
	}

	if pc, ok := c.pending[pkt.ID]; ok {
		pc.chunks = append(pc.chunks, pkt.Body)
	}
	c.mu.Unlock()
}

// teardown transitions the client to its terminal state: the socket is
// closed, every pending command settles with ErrConnectionClosed, and the
// close event fires exactly once. cause is nil for a caller-initiated
// Destroy.
func (c *binaryClient) teardown(cause error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	wasAuth := c.state == stateAuthenticated
	c.state = stateClosed
	if c.conn != nil {
		c.conn.Close()
	}
	if c.authCh != nil {
		err := ErrConnectionClosed
		if cause != nil {
			err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
		}
		select {
		case c.authCh <- err:
		default:
		}
		c.authCh = nil
	}
	settled := make([]*pendingCommand, 0, len(c.pending))
	for _, pc := range c.pending {
		settled = append(settled, pc)
	}
	c.pending = make(map[int32]*pendingCommand)
	c.order = nil
	c.mu.Unlock()

	for _, pc := range settled {
		pc.done <- execResult{err: ErrConnectionClosed}
	}

	// Events fire only for a client that had authenticated: connect-phase
	// failures surface through Connect's return value instead.
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
