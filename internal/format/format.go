// Package format produces the display fragments the bridge sends to the
// browser. Fragments are out-of-band: each carries its own target element id
// and swap mode, so the browser-side markup library can splice them into the
// console without any extra coordination.
//
// Formatters are pure values: no I/O, no state, safe for concurrent use.
package format

import (
	"fmt"
	"html"
	"strings"
)

// LineMeta describes a single output line for the FormatLine override.
type LineMeta struct {
	// Kind is one of "response", "error", "info", "auth", "server-message".
	Kind string

	// Command is the command that produced a response line, if any.
	Command string

	// Severity is the server-message severity ("Generic", "Warning", "Error").
	Severity string
}

// Formatter renders display fragments for the event kinds the bridge emits.
type Formatter interface {
	// Response formats a command's response text. Multi-line responses are
	// split on newlines with empty lines dropped.
	Response(command, body string) string

	// Error formats an error notice.
	Error(detail string) string

	// Info formats an informational notice.
	Info(detail string) string

	// Auth formats an authentication outcome.
	Auth(success bool, detail string) string

	// ServerMessage formats unsolicited server output.
	ServerMessage(body, severity string) string
}

// Defaults for fragment targeting.
const (
	DefaultTargetID  = "console"
	DefaultSwapStyle = "beforeend"
)

// HTML is the default Formatter. It emits hx-swap-oob annotated <div>
// fragments targeting a console element.
type HTML struct {
	// TargetID is the id of the element fragments are spliced into.
	// Empty means DefaultTargetID.
	TargetID string

	// SwapStyle is the splice mode (e.g. "beforeend", "afterbegin").
	// Empty means DefaultSwapStyle.
	SwapStyle string

	// FormatLine overrides the rendering of a single line. It receives the
	// raw (unescaped) text and must return a complete HTML snippet for the
	// line. Nil uses the built-in rendering.
	FormatLine func(text string, meta LineMeta) string
}

var _ Formatter = HTML{}

func (f HTML) targetID() string {
	if f.TargetID == "" {
		return DefaultTargetID
	}
	return f.TargetID
}

func (f HTML) swapStyle() string {
	if f.SwapStyle == "" {
		return DefaultSwapStyle
	}
	return f.SwapStyle
}

// wrap encloses rendered lines in the out-of-band swap container.
func (f HTML) wrap(inner string) string {
	return fmt.Sprintf(`<div hx-swap-oob="%s:#%s">%s</div>`, f.swapStyle(), f.targetID(), inner)
}

func (f HTML) line(class, text string, meta LineMeta) string {
	if f.FormatLine != nil {
		return f.FormatLine(text, meta)
	}
	return fmt.Sprintf(`<div class="line %s">%s</div>`, class, html.EscapeString(text))
}

// SplitLines splits response text on newlines and drops empty lines.
func SplitLines(body string) []string {
	var out []string
	for _, l := range strings.Split(body, "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

func (f HTML) Response(command, body string) string {
	meta := LineMeta{Kind: "response", Command: command}
	var b strings.Builder
	b.WriteString(f.line("line-command", "> "+command, LineMeta{Kind: "response", Command: command}))
	for _, l := range SplitLines(body) {
		b.WriteString(f.line("line-response", l, meta))
	}
	return f.wrap(b.String())
}

func (f HTML) Error(detail string) string {
	return f.wrap(f.line("line-error", detail, LineMeta{Kind: "error"}))
}

func (f HTML) Info(detail string) string {
	return f.wrap(f.line("line-info", detail, LineMeta{Kind: "info"}))
}

func (f HTML) Auth(success bool, detail string) string {
	class := "line-auth-ok"
	if !success {
		class = "line-auth-fail"
	}
	return f.wrap(f.line(class, detail, LineMeta{Kind: "auth"}))
}

func (f HTML) ServerMessage(body, severity string) string {
	meta := LineMeta{Kind: "server-message", Severity: severity}
	class := "line-server"
	switch severity {
	case "Warning":
		class = "line-server line-warning"
	case "Error":
		class = "line-server line-error"
	}
	var b strings.Builder
	for _, l := range SplitLines(body) {
		b.WriteString(f.line(class, l, meta))
	}
	if b.Len() == 0 {
		return ""
	}
	return f.wrap(b.String())
}
