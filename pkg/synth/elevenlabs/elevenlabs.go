// Package elevenlabs provides a synthesizer backed by the ElevenLabs
// streaming WebSocket API. It implements the synth.Synthesizer interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/aweiler/calliope/pkg/synth"
)

const (
	wsEndpointFmt = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel  = "eleven_flash_v2_5"
	defaultVoice  = "21m00Tcm4TlvDq8ikWAM"
)

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithVoice sets the default voice ID.
func WithVoice(voiceID string) Option {
	return func(s *Synthesizer) { s.voice = voiceID }
}

// Synthesizer implements synth.Synthesizer backed by ElevenLabs.
type Synthesizer struct {
	apiKey string
	model  string
	voice  string
}

// New creates a Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{apiKey: apiKey, model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ---- WebSocket message types ----

// inputMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text signals end of input.
type inputMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Synthesize implements synth.Synthesizer. It opens a streaming connection,
// sends the full text plus an end-of-input marker, and forwards decoded PCM
// to the sink until the backend signals completion.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts synth.Options, sink synth.Sink) error {
	voice := opts.Voice
	if voice == "" {
		voice = s.voice
	}
	format := "pcm_24000"
	if opts.SampleRate == 16000 {
		format = "pcm_16000"
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voice, s.model, format)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "synthesis done")

	// Handshake requires a non-empty first text value.
	boi := inputMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey: s.apiKey,
	}
	if err := writeJSON(ctx, conn, boi); err != nil {
		return fmt.Errorf("elevenlabs: send handshake: %w", err)
	}
	if err := writeJSON(ctx, conn, inputMessage{Text: text + " "}); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	if err := writeJSON(ctx, conn, inputMessage{Text: ""}); err != nil {
		return fmt.Errorf("elevenlabs: send end of input: %w", err)
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// The backend may close the socket instead of flagging the
			// final chunk; treat a clean close as completion.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("elevenlabs: read: %w", err)
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil && len(pcm) > 0 {
				sink(pcm)
			}
		}
		if resp.IsFinal {
			return nil
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

var _ synth.Synthesizer = (*Synthesizer)(nil)
