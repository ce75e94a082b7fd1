package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/rconbridge/rconbridge/internal/rcon"
)

// startBinaryUpstream runs an in-process Source RCON server. commands maps a
// command to the response chunks sent before the sentinel echo.
func startBinaryUpstream(t *testing.T, password string, commands map[string][]string) (host string, port int, execCount *atomic.Int64) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	execCount = &atomic.Int64{}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var buf []byte
				tmp := make([]byte, 4096)
				for {
					n, err := conn.Read(tmp)
					if n > 0 {
						buf = append(buf, tmp[:n]...)
						for {
							pkt, consumed, derr := rcon.DecodePacket(buf)
							if derr != nil || consumed == 0 {
								break
							}
							buf = buf[consumed:]
							switch {
							case pkt.Kind == rcon.PacketAuth:
								conn.Write(rcon.EncodePacket(pkt.ID, rcon.PacketResponseValue, ""))
								if pkt.Body == password {
									conn.Write(rcon.EncodePacket(pkt.ID, rcon.PacketAuthResponse, ""))
								} else {
									conn.Write(rcon.EncodePacket(-1, rcon.PacketAuthResponse, ""))
								}
							case pkt.ID == rcon.SentinelID:
								conn.Write(rcon.EncodePacket(rcon.SentinelID, rcon.PacketResponseValue, ""))
							default:
								execCount.Add(1)
								for _, chunk := range commands[pkt.Body] {
									conn.Write(rcon.EncodePacket(pkt.ID, rcon.PacketResponseValue, chunk))
								}
							}
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(portStr)
	return host, port, execCount
}

// startJSONUpstream runs an in-process Rust-style RCON server. handle, when
// non-nil, receives each decoded request and a send function for replies.
func startJSONUpstream(t *testing.T, password string, handle func(msg rcon.Message, send func(rcon.Message))) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+password {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		send := func(msg rcon.Message) {
			data, _ := json.Marshal(msg)
			ws.Write(r.Context(), websocket.MessageText, data)
		}
		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			var msg rcon.Message
			if json.Unmarshal(data, &msg) == nil && handle != nil {
				handle(msg, send)
			}
		}
	}))
	t.Cleanup(srv.Close)

	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	port, _ = strconv.Atoi(portStr)
	return host, port
}

// browserConn dials the bridge endpoint as a browser would.
func browserConn(t *testing.T, opts Options) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewServer(opts))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + opts.Path
	ws, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func readFragment(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read fragment: %v", err)
	}
	return string(data)
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSession_BinaryHappyPath(t *testing.T) {
	host, port, _ := startBinaryUpstream(t, "secret", map[string][]string{
		"status": {"hostname: X\n", "players: 1/10\n"},
	})

	ws := browserConn(t, Options{
		Protocol: rcon.ProtocolBinary,
		Host:     host,
		Port:     port,
		Password: "secret",
		Path:     DefaultPath,
		Timeout:  2 * time.Second,
	})

	if frag := readFragment(t, ws); !strings.Contains(frag, "line-auth-ok") {
		t.Fatalf("expected auth success fragment, got %q", frag)
	}

	sendJSON(t, ws, map[string]string{"command": "status"})
	frag := readFragment(t, ws)
	if !strings.Contains(frag, "hostname: X") || !strings.Contains(frag, "players: 1/10") {
		t.Errorf("response fragment missing body lines: %q", frag)
	}
	if !strings.Contains(frag, "&gt; status") {
		t.Errorf("response fragment missing echoed command: %q", frag)
	}
}

func TestSession_BinaryBadPassword(t *testing.T) {
	host, port, _ := startBinaryUpstream(t, "secret", nil)

	ws := browserConn(t, Options{
		Protocol: rcon.ProtocolBinary,
		Host:     host,
		Port:     port,
		Password: "wrong",
		Path:     DefaultPath,
		Timeout:  2 * time.Second,
	})

	frag := readFragment(t, ws)
	if !strings.Contains(frag, "line-auth-fail") {
		t.Fatalf("expected auth failure fragment, got %q", frag)
	}

	// The bridge closes the browser socket after a failed server-mode auth.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := ws.Read(ctx); err == nil {
		t.Error("browser socket still open after auth failure")
	}
}

func TestSession_JSONPushInterleaving(t *testing.T) {
	host, port := startJSONUpstream(t, "secret", func(msg rcon.Message, send func(rcon.Message)) {
		send(rcon.Message{Identifier: -1, Message: "player joined", Type: "Generic"})
		send(rcon.Message{Identifier: msg.Identifier, Message: "ok"})
	})

	ws := browserConn(t, Options{
		Protocol: rcon.ProtocolJSON,
		Host:     host,
		Port:     port,
		Password: "secret",
		Path:     DefaultPath,
		Timeout:  2 * time.Second,
	})

	if frag := readFragment(t, ws); !strings.Contains(frag, "line-auth-ok") {
		t.Fatalf("expected auth success fragment, got %q", frag)
	}

	sendJSON(t, ws, map[string]string{"command": "status"})

	// Push first, then the command response, in that order.
	first := readFragment(t, ws)
	if !strings.Contains(first, "player joined") || !strings.Contains(first, "line-server") {
		t.Fatalf("expected server-message fragment first, got %q", first)
	}
	second := readFragment(t, ws)
	if !strings.Contains(second, "ok") || !strings.Contains(second, "&gt; status") {
		t.Fatalf("expected response fragment second, got %q", second)
	}
}

func TestSession_ClientModeAuth(t *testing.T) {
	host, port, _ := startBinaryUpstream(t, "secret", map[string][]string{
		"status": {"up\n"},
	})

	ws := browserConn(t, Options{
		Protocol: rcon.ProtocolBinary,
		Path:     DefaultPath,
		AuthMode: AuthModeClient,
		Timeout:  2 * time.Second,
	})

	if frag := readFragment(t, ws); !strings.Contains(frag, "line-info") {
		t.Fatalf("expected connect prompt, got %q", frag)
	}

	// Command before auth → instructional error.
	sendJSON(t, ws, map[string]string{"command": "status"})
	if frag := readFragment(t, ws); !strings.Contains(frag, "Not authenticated") {
		t.Fatalf("expected not-authenticated fragment, got %q", frag)
	}

	// Auth, then the command succeeds.
	sendJSON(t, ws, map[string]any{"auth": map[string]any{
		"host": host, "port": port, "password": "secret",
	}})
	if frag := readFragment(t, ws); !strings.Contains(frag, "line-auth-ok") {
		t.Fatalf("expected auth success fragment, got %q", frag)
	}

	sendJSON(t, ws, map[string]string{"command": "status"})
	if frag := readFragment(t, ws); !strings.Contains(frag, "up") {
		t.Errorf("expected response fragment, got %q", frag)
	}
}

func TestSession_ClientModeFlatAuthKeys(t *testing.T) {
	host, port, _ := startBinaryUpstream(t, "secret", nil)

	ws := browserConn(t, Options{
		Protocol: rcon.ProtocolBinary,
		Path:     DefaultPath,
		AuthMode: AuthModeClient,
		Timeout:  2 * time.Second,
	})
	readFragment(t, ws) // connect prompt

	sendJSON(t, ws, map[string]any{
		"auth.host": host, "auth.port": port, "auth.password": "secret",
	})
	if frag := readFragment(t, ws); !strings.Contains(frag, "line-auth-ok") {
		t.Fatalf("flat auth keys not normalized, got %q", frag)
	}
}

func TestSession_CommandVeto(t *testing.T) {
	host, port, execCount := startBinaryUpstream(t, "secret", map[string][]string{})

	ws := browserConn(t, Options{
		Protocol: rcon.ProtocolBinary,
		Host:     host,
		Port:     port,
		Password: "secret",
		Path:     DefaultPath,
		Timeout:  2 * time.Second,
		OnCommand: func(command string, s *Session) bool {
			return !strings.HasPrefix(command, "quit")
		},
	})
	readFragment(t, ws) // auth success

	sendJSON(t, ws, map[string]string{"command": "quit now"})
	if frag := readFragment(t, ws); !strings.Contains(frag, "Command blocked") {
		t.Fatalf("expected blocked fragment, got %q", frag)
	}
	if n := execCount.Load(); n != 0 {
		t.Errorf("blocked command reached upstream (%d execs)", n)
	}
}

func TestSession_EmptyAndInvalid(t *testing.T) {
	host, port, _ := startBinaryUpstream(t, "secret", nil)

	ws := browserConn(t, Options{
		Protocol: rcon.ProtocolBinary,
		Host:     host,
		Port:     port,
		Password: "secret",
		Path:     DefaultPath,
		Timeout:  2 * time.Second,
	})
	readFragment(t, ws) // auth success

	sendJSON(t, ws, map[string]string{"command": "   "})
	if frag := readFragment(t, ws); !strings.Contains(frag, "Empty command") {
		t.Errorf("expected empty-command fragment, got %q", frag)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	ws.Write(ctx, websocket.MessageText, []byte("not json at all"))
	cancel()
	if frag := readFragment(t, ws); !strings.Contains(frag, "Invalid message format") {
		t.Errorf("expected invalid-format fragment, got %q", frag)
	}

	sendJSON(t, ws, map[string]string{"unrelated": "shape"})
	if frag := readFragment(t, ws); !strings.Contains(frag, "Invalid message format") {
		t.Errorf("expected invalid-format fragment for unknown shape, got %q", frag)
	}
}

func TestSession_UpstreamCloseTerminates(t *testing.T) {
	connCh := make(chan net.Conn, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		var buf []byte
		tmp := make([]byte, 4096)
		for {
			n, rerr := conn.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
				if pkt, consumed, derr := rcon.DecodePacket(buf); derr == nil && consumed > 0 {
					buf = buf[consumed:]
					if pkt.Kind == rcon.PacketAuth {
						conn.Write(rcon.EncodePacket(pkt.ID, rcon.PacketAuthResponse, ""))
						connCh <- conn
					}
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	ws := browserConn(t, Options{
		Protocol: rcon.ProtocolBinary,
		Host:     host,
		Port:     port,
		Password: "secret",
		Path:     DefaultPath,
		Timeout:  2 * time.Second,
	})
	readFragment(t, ws) // auth success

	// Kill the upstream; the bridge must notify and close the browser socket.
	select {
	case conn := <-connCh:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never authenticated")
	}

	frag := readFragment(t, ws)
	if !strings.Contains(frag, "Connection to server lost") {
		t.Fatalf("expected lost-connection fragment, got %q", frag)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := ws.Read(ctx); err == nil {
		t.Error("browser socket still open after upstream close")
	}
}

func TestServer_UnknownPath(t *testing.T) {
	srv := httptest.NewServer(NewServer(Options{Path: DefaultPath}))
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("%s/nope", srv.URL))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
