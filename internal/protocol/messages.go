// Package protocol defines the JSON control messages exchanged with speech
// devices over the WebSocket transport. Binary WebSocket messages carry raw
// Opus frames and are not represented here.
//
// Every outbound message carries the session ID of the connection it is sent
// on; the session layer fills it in just before writing, so constructors in
// this package leave it empty.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message type discriminators.
const (
	TypeHello   = "hello"
	TypeListen  = "listen"
	TypeAbort   = "abort"
	TypeMCP     = "mcp"
	TypeSystem  = "system"
	TypeSTT     = "stt"
	TypeLLM     = "llm"
	TypeTTS     = "tts"
	TypeCommand = "command"
	TypeCustom  = "custom"
)

// Listen states sent by devices, and by the server to force a device out of
// listening.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

// Listen modes.
const (
	ModeAuto     = "auto"
	ModeManual   = "manual"
	ModeRealtime = "realtime"
)

// TTS playback states.
const (
	TTSStart         = "start"
	TTSStop          = "stop"
	TTSSentenceStart = "sentence_start"
)

// AudioParams describes an Opus audio stream's framing.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// ServerAudioParams is the fixed egress format: every device receives Opus at
// 24 kHz mono in 60 ms frames regardless of what it sends.
var ServerAudioParams = AudioParams{
	Format:        "opus",
	SampleRate:    24000,
	Channels:      1,
	FrameDuration: 60,
}

// DefaultDeviceSampleRate is assumed when a device's hello omits audio params.
const DefaultDeviceSampleRate = 16000

// Inbound is the union of all JSON messages a device may send. Fields are
// populated according to Type; unknown fields are ignored.
type Inbound struct {
	Type      string         `json:"type"`
	Version   int            `json:"version,omitempty"`
	Transport string         `json:"transport,omitempty"`

	// Hello fields.
	AudioParams *AudioParams   `json:"audio_params,omitempty"`
	Features    map[string]any `json:"features,omitempty"`

	// Listen fields.
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`

	// Abort fields.
	Reason string `json:"reason,omitempty"`

	// System fields.
	Command string `json:"command,omitempty"`

	// MCP fields.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrNotJSON is returned by [ParseInbound] for payloads that do not start
// with a JSON object; callers should treat those as binary audio.
var ErrNotJSON = errors.New("protocol: payload is not a JSON object")

// ParseInbound decodes a device control message. A missing type field is an
// error: every control message must be dispatchable.
func ParseInbound(data []byte) (*Inbound, error) {
	if !LooksLikeJSON(data) {
		return nil, ErrNotJSON
	}
	msg := &Inbound{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("protocol: message has no type")
	}
	return msg, nil
}

// LooksLikeJSON reports whether data plausibly holds a JSON object. Devices
// send both JSON text and raw Opus on the same socket, and some firmwares
// deliver JSON as binary frames, so sniffing the first non-space byte is the
// only reliable discriminator.
func LooksLikeJSON(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// Outbound is a server-to-device control message. The zero value of every
// optional field is omitted from the wire form.
type Outbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	Transport   string       `json:"transport,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`

	State   string `json:"state,omitempty"`
	Text    string `json:"text,omitempty"`
	Emotion string `json:"emotion,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Command *DeviceCommand  `json:"command,omitempty"`
}

// DeviceCommand is a generic command envelope for device-side actions that
// have no dedicated message type.
type DeviceCommand struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
	Priority   int            `json:"priority"`
}

// HelloAck acknowledges a device hello and announces the fixed egress audio
// format.
func HelloAck() Outbound {
	params := ServerAudioParams
	return Outbound{
		Type:        TypeHello,
		Transport:   "websocket",
		AudioParams: &params,
	}
}

// STTResult carries a transcript (partial or final) back to the device for
// display.
func STTResult(text string) Outbound {
	return Outbound{Type: TypeSTT, Text: text}
}

// LLMReply announces the assistant's reply text and emotion ahead of
// synthesized audio.
func LLMReply(text, emotion string) Outbound {
	if emotion == "" {
		emotion = "neutral"
	}
	return Outbound{Type: TypeLLM, Text: text, Emotion: emotion}
}

// Emotion updates the device's displayed emotion without reply text.
func Emotion(code string) Outbound {
	if code == "" {
		code = "neutral"
	}
	return Outbound{Type: TypeLLM, Emotion: code}
}

// TTSState signals the start or end of an audio stream, or the text of the
// sentence about to be spoken.
func TTSState(state, text string) Outbound {
	return Outbound{Type: TypeTTS, State: state, Text: text}
}

// ListenStopCommand tells the device to leave listening mode.
func ListenStopCommand() Outbound {
	return Outbound{Type: TypeListen, State: ListenStop}
}

// MCPMessage wraps a raw MCP payload for forwarding to the device.
func MCPMessage(payload json.RawMessage) Outbound {
	return Outbound{Type: TypeMCP, Payload: payload}
}

// mcpRequest is the JSON-RPC envelope used for server-initiated MCP calls.
type mcpRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  mcpParams `json:"params"`
}

type mcpParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// MCPToolCall builds an MCP tools/call request for a device-hosted tool, such
// as "self.audio_speaker.set_volume".
func MCPToolCall(tool string, args map[string]any) (Outbound, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(mcpRequest{
		JSONRPC: "2.0",
		ID:      time.Now().UnixMilli(),
		Method:  "tools/call",
		Params:  mcpParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return Outbound{}, fmt.Errorf("protocol: marshal tool call: %w", err)
	}
	return Outbound{Type: TypeMCP, Payload: payload}, nil
}

// GenericCommand wraps an arbitrary named command for the device.
func GenericCommand(cmd string, params map[string]any, priority int) Outbound {
	if params == nil {
		params = map[string]any{}
	}
	return Outbound{
		Type:    TypeCommand,
		Command: &DeviceCommand{Command: cmd, Parameters: params, Priority: priority},
	}
}
