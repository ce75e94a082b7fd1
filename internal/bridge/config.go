// Package bridge pairs each browser WebSocket with one upstream RCON client
// and arbitrates commands, responses, pushes, and teardown between them.
package bridge

import (
	"log/slog"
	"time"

	"github.com/rconbridge/rconbridge/internal/format"
	"github.com/rconbridge/rconbridge/internal/metrics"
	"github.com/rconbridge/rconbridge/internal/rcon"
)

// AuthMode selects who supplies the upstream credentials.
type AuthMode string

const (
	// AuthModeServer connects with the configured credentials as soon as the
	// browser socket opens.
	AuthModeServer AuthMode = "server"

	// AuthModeClient waits for the browser to send an auth message carrying
	// host, port, and password.
	AuthModeClient AuthMode = "client"
)

// DefaultPath is the browser-facing WebSocket endpoint path.
const DefaultPath = "/ws/rcon"

// Options configures the bridge server and every session it spawns.
type Options struct {
	// Protocol selects the upstream client implementation.
	Protocol rcon.Protocol

	// Host, Port, Password identify the upstream server when AuthMode is
	// AuthModeServer. Port 0 means the protocol's default.
	Host     string
	Port     int
	Password string

	// Path is the WebSocket endpoint path. Empty means DefaultPath.
	Path string

	// AuthMode selects who supplies credentials. Empty means AuthModeServer.
	AuthMode AuthMode

	// Timeout bounds upstream connect and each command. Zero means
	// rcon.DefaultTimeout.
	Timeout time.Duration

	// TargetID and SwapStyle are passed to the default formatter; they name
	// the DOM element fragments target and how fragments are spliced in.
	TargetID  string
	SwapStyle string

	// FormatLine overrides the default formatter's per-line rendering.
	FormatLine func(text string, meta format.LineMeta) string

	// Formatter replaces the default formatter entirely. When set, TargetID,
	// SwapStyle, and FormatLine are ignored.
	Formatter format.Formatter

	// OnConnect is notified once per successful upstream authentication.
	OnConnect func(s *Session, c rcon.Client)

	// OnCommand may veto a command before it reaches the upstream; returning
	// false blocks it. Nil allows everything.
	OnCommand func(command string, s *Session) bool

	// OriginPatterns is passed to the WebSocket accept; empty rejects
	// cross-origin browsers.
	OriginPatterns []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.AuthMode == "" {
		o.AuthMode = AuthModeServer
	}
	if o.Protocol == "" {
		o.Protocol = rcon.ProtocolBinary
	}
	if o.Timeout == 0 {
		o.Timeout = rcon.DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Formatter == nil {
		o.Formatter = format.HTML{
			TargetID:   o.TargetID,
			SwapStyle:  o.SwapStyle,
			FormatLine: o.FormatLine,
		}
	}
	return o
}
