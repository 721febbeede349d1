// Package openai provides a synthesizer backed by the OpenAI speech API.
// Audio is requested in raw PCM (24 kHz, mono, 16-bit little-endian), which
// matches the server's egress format with no resampling.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aweiler/calliope/pkg/synth"
)

const (
	defaultModel = oai.SpeechModelGPT4oMiniTTS
	defaultVoice = "alloy"

	// chunkBytes is the PCM slice size handed to the sink: 60 ms at 24 kHz
	// mono, one device frame per chunk.
	chunkBytes = 24000 * 60 / 1000 * 2
)

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the speech model (e.g. "gpt-4o-mini-tts", "tts-1").
func WithModel(model oai.SpeechModel) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithVoice sets the default voice used when the request does not name one.
func WithVoice(voice string) Option {
	return func(s *Synthesizer) { s.voice = voice }
}

// Synthesizer implements synth.Synthesizer using the OpenAI speech endpoint.
type Synthesizer struct {
	client oai.Client
	model  oai.SpeechModel
	voice  string
}

// New creates a Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	s := &Synthesizer{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultModel,
		voice:  defaultVoice,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Synthesize implements synth.Synthesizer. The response body is streamed to
// the sink in fixed-size PCM chunks so egress encoding can start before the
// full reply has been generated.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts synth.Options, sink synth.Sink) error {
	voice := opts.Voice
	if voice == "" {
		voice = s.voice
	}

	resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          s.model,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return fmt.Errorf("openai: speech request: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, chunkBytes)
	filled := 0
	for {
		n, err := resp.Body.Read(buf[filled:])
		filled += n
		if filled == len(buf) {
			chunk := make([]byte, filled)
			copy(chunk, buf[:filled])
			sink(chunk)
			filled = 0
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if filled > 0 {
					chunk := make([]byte, filled)
					copy(chunk, buf[:filled])
					sink(chunk)
				}
				return nil
			}
			return fmt.Errorf("openai: read speech stream: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

var _ synth.Synthesizer = (*Synthesizer)(nil)
