package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aweiler/calliope/internal/config"
	"github.com/aweiler/calliope/internal/observe"
	"github.com/aweiler/calliope/internal/protocol"
	"github.com/aweiler/calliope/pkg/infer"
	"github.com/aweiler/calliope/pkg/synth"
)

// ConversationStore persists finished exchanges. Implementations must be safe
// for concurrent use; persistence failures are logged, never surfaced to the
// voice path.
type ConversationStore interface {
	SaveExchange(ctx context.Context, deviceID, sessionID, userText, replyText, emotion string) error
}

// Orchestrator drives the transcript → inference → synthesis pipeline for all
// sessions. Replies are single-flight per session: a transcript arriving while
// the previous reply is still being produced is dropped, not queued: by the
// time it would run, the user has moved on.
type Orchestrator struct {
	llm     infer.Engine
	tts     synth.Synthesizer
	devices *config.DeviceStore
	store   ConversationStore
	metrics *observe.Metrics
	log     *slog.Logger
	voice   string
}

// OrchestratorConfig bundles the dependencies for [NewOrchestrator].
// Store may be nil; everything else is required.
type OrchestratorConfig struct {
	LLM     infer.Engine
	TTS     synth.Synthesizer
	Devices *config.DeviceStore
	Store   ConversationStore
	Metrics *observe.Metrics
	Log     *slog.Logger
	Voice   string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		llm:     cfg.LLM,
		tts:     cfg.TTS,
		devices: cfg.Devices,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		log:     log,
		voice:   cfg.Voice,
	}
}

// RunReply produces and speaks a reply to text on s. It returns once the
// reply has been fully sent, skipped, or abandoned. The interruption flag is
// checked on entry and again after inference: an abort that lands while the
// model is thinking must stop the reply before any audio is queued.
func (o *Orchestrator) RunReply(ctx context.Context, s *Session, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	log := o.log.With("device_id", s.DeviceID, "session_id", s.ID)

	if s.Interrupted() {
		log.Debug("reply skipped: interrupted before start")
		return
	}
	if !s.tryAcquireReply() {
		log.Debug("reply skipped: previous reply still running")
		return
	}
	defer s.releaseReply()

	device, persona, workflows := o.deviceSettings(s.DeviceID, log)
	if !device.Enabled {
		log.Debug("reply skipped: device disabled")
		return
	}

	inferStart := time.Now()
	reply, err := o.llm.Execute(ctx, s.DeviceID, text, infer.Options{
		Persona:   persona,
		Workflows: workflows,
		DeviceInfo: map[string]string{
			"device_id":   s.DeviceID,
			"device_type": "speech-device",
		},
	})
	o.metrics.InferDuration.Record(ctx, time.Since(inferStart).Seconds())
	if err != nil {
		o.metrics.RecordProviderError(ctx, "llm", "infer")
		log.Error("inference failed", "err", err)
		return
	}
	if reply.Text == "" {
		// A silent reply is a deliberate no-op, not an error.
		log.Debug("inference produced no reply text")
		return
	}
	if s.Interrupted() {
		log.Debug("reply dropped: interrupted during inference")
		return
	}

	// The recognizer window must be closed before we speak, or the
	// device's echo of our own audio becomes the next transcript.
	s.endUtteranceQuiet()

	emotion := normalizeEmotion(reply.Emotion)
	if err := s.sendJSON(protocol.LLMReply(reply.Text, emotion)); err != nil {
		log.Warn("send reply text", "err", err)
	}

	if o.store != nil {
		go func(userText, replyText, emotion string) {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.store.SaveExchange(saveCtx, s.DeviceID, s.ID, userText, replyText, emotion); err != nil {
				log.Warn("save exchange", "err", err)
			}
		}(text, reply.Text, emotion)
	}

	if s.occupiedByMedia() {
		// Media playback owns the pipeline and sends its own stop;
		// cutting it off for a reply truncates the song mid-note.
		log.Info("media playing, reply audio skipped")
		return
	}

	if err := s.beginStream(SourceReply); err != nil {
		log.Warn("begin reply stream", "err", err)
		return
	}
	if err := s.sendJSON(protocol.TTSState(protocol.TTSSentenceStart, reply.Text)); err != nil {
		log.Debug("send sentence start", "err", err)
	}

	synthStart := time.Now()
	err = o.tts.Synthesize(ctx, reply.Text, synth.Options{
		SampleRate: protocol.ServerAudioParams.SampleRate,
		Voice:      o.voice,
	}, s.PushPCM)
	o.metrics.SynthesizeDuration.Record(ctx, time.Since(synthStart).Seconds())
	if err != nil {
		o.metrics.RecordProviderError(ctx, "tts", "synthesize")
		log.Error("synthesis failed", "err", err)
	}

	if err := s.finishStream(ctx); err != nil {
		log.Debug("finish reply stream", "err", err)
	}
	log.Debug("reply complete", "chars", len(reply.Text))
}

// deviceSettings loads the device's stored configuration, falling back to a
// usable default when the store is missing or unreadable.
func (o *Orchestrator) deviceSettings(deviceID string, log *slog.Logger) (config.DeviceConfig, string, []string) {
	device := config.DeviceConfig{Enabled: true}
	if o.devices != nil {
		dc, err := o.devices.Get(deviceID)
		if err != nil {
			log.Warn("device config unavailable, using defaults", "err", err)
		} else {
			device = dc
		}
	}
	return device, device.Persona, device.Workflows
}

// tryAcquireReply takes the per-session reply slot. It returns false when a
// reply is already in flight.
func (s *Session) tryAcquireReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyBusy {
		return false
	}
	s.replyBusy = true
	return true
}

func (s *Session) releaseReply() {
	s.mu.Lock()
	s.replyBusy = false
	s.mu.Unlock()
}

// occupiedByMedia reports whether media playback currently owns the egress
// pipeline.
func (s *Session) occupiedByMedia() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking && s.source == SourceMedia
}

// endUtteranceQuiet ends the open recognition window, ignoring errors.
func (s *Session) endUtteranceQuiet() {
	s.mu.Lock()
	utt := s.utterance
	s.mu.Unlock()
	if utt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, utteranceEndWait)
	defer cancel()
	_ = utt.End(ctx)
}

// deviceEmotions is the emotion vocabulary device firmware can display.
var deviceEmotions = map[string]bool{
	"neutral": true, "happy": true, "laughing": true, "funny": true,
	"sad": true, "angry": true, "crying": true, "loving": true,
	"embarrassed": true, "surprised": true, "shocked": true,
	"thinking": true, "winking": true, "cool": true, "relaxed": true,
	"delicious": true, "kissy": true, "confident": true, "sleepy": true,
	"silly": true, "confused": true,
}

// emotionAliases maps model-emitted emotion labels onto the device vocabulary.
var emotionAliases = map[string]string{
	"joy":       "happy",
	"joyful":    "happy",
	"excited":   "happy",
	"cheerful":  "happy",
	"laugh":     "laughing",
	"amused":    "funny",
	"unhappy":   "sad",
	"sorrow":    "sad",
	"depressed": "sad",
	"mad":       "angry",
	"furious":   "angry",
	"cry":       "crying",
	"love":      "loving",
	"affection": "loving",
	"shy":       "embarrassed",
	"surprise":  "surprised",
	"amazed":    "surprised",
	"shock":     "shocked",
	"think":     "thinking",
	"pondering": "thinking",
	"wink":      "winking",
	"calm":      "relaxed",
	"tired":     "sleepy",
	"puzzled":   "confused",
}

// normalizeEmotion maps an arbitrary emotion label onto the device's fixed
// vocabulary, defaulting to neutral.
func normalizeEmotion(emotion string) string {
	e := strings.ToLower(strings.TrimSpace(emotion))
	if e == "" {
		return "neutral"
	}
	if deviceEmotions[e] {
		return e
	}
	if alias, ok := emotionAliases[e]; ok {
		return alias
	}
	return "neutral"
}
