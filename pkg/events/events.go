// Package events defines the fire-and-forget notification stream the server
// emits towards host integrations: device connected, listen-state changed,
// abort, MCP payload received, disconnected.
//
// The server depends only on the [Sink] interface; the host decides what to
// do with the events (plugin dispatch, auditing, nothing at all). Emission is
// best-effort: a slow or failing sink must never stall a session, so sinks
// are expected to return quickly and drop internally if needed.
package events

import (
	"encoding/json"
	"time"
)

// Kind classifies a device lifecycle event.
type Kind string

const (
	// KindConnected fires once the handshake completes.
	KindConnected Kind = "device.connected"

	// KindListen fires on every listen control message from the device.
	KindListen Kind = "device.listen"

	// KindAbort fires when the user interrupts in-progress speech output.
	KindAbort Kind = "device.abort"

	// KindMCP fires when the device sends a tool-call payload.
	KindMCP Kind = "device.mcp"

	// KindDisconnected fires when the transport closes.
	KindDisconnected Kind = "device.disconnected"
)

// Event is one device lifecycle notification. Payload fields that do not
// apply to the Kind are zero.
type Event struct {
	Kind      Kind
	SessionID string
	DeviceID  string
	Time      time.Time

	// AudioParams carries the negotiated audio parameters on KindConnected.
	AudioParams any

	// ListenState and ListenMode carry the listen message fields on KindListen.
	ListenState string
	ListenMode  string

	// Text carries the wake text on KindListen (detect).
	Text string

	// Reason carries the abort reason on KindAbort.
	Reason string

	// Payload carries the verbatim MCP body on KindMCP.
	Payload json.RawMessage
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller.
type Sink interface {
	Emit(Event)
}

// Discard is a Sink that drops every event. Useful as a default and in tests.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }
