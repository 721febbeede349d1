// Package server implements the WebSocket session layer for speech devices:
// the per-connection state machine, voice-gated capture, paced Opus egress,
// and the reply orchestrator that ties recognition, inference, and synthesis
// together.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aweiler/calliope/internal/observe"
	"github.com/aweiler/calliope/pkg/codec"
	"github.com/aweiler/calliope/pkg/events"
	"github.com/aweiler/calliope/pkg/recog"
)

// DeviceState mirrors the device's own state machine. It is synchronised on
// every listen, tts, abort, and timeout transition so server and device never
// disagree about who is talking.
type DeviceState string

const (
	StateIdle      DeviceState = "idle"
	StateListening DeviceState = "listening"
	StateSpeaking  DeviceState = "speaking"
)

// Source identifies what is occupying the egress pipeline.
type Source int

const (
	// SourceNone means the pipeline is free.
	SourceNone Source = iota

	// SourceReply is synthesized assistant speech.
	SourceReply

	// SourceMedia is transcoded media playback. Media owns the pipeline
	// until it sends its own stop; replies must not cut it off.
	SourceMedia
)

// String returns the metric attribute value for s.
func (s Source) String() string {
	switch s {
	case SourceReply:
		return "reply"
	case SourceMedia:
		return "media"
	}
	return "none"
}

// Transport abstracts the device connection so sessions can be tested without
// a live WebSocket.
type Transport interface {
	// SendText writes a JSON control message.
	SendText(ctx context.Context, data []byte) error

	// SendBinary writes a raw Opus frame.
	SendBinary(ctx context.Context, data []byte) error

	// Close tears down the connection with a protocol-level reason.
	Close(code int, reason string) error
}

// StreamFactory builds codec streams for a session. The capture decoder turns
// device Opus packets into PCM at the device rate; the egress encoder turns
// 24 kHz PCM into 60 ms Opus frames.
type StreamFactory interface {
	NewDecoder(sampleRate int, onFrame codec.FrameFunc) (codec.Stream, error)
	NewEncoder(onFrame codec.FrameFunc) (codec.Stream, error)
}

// audioConfig captures the negotiated framing from the device hello.
type audioConfig struct {
	deviceSampleRate int
	format           string
	channels         int
	frameDurationMs  int
}

// Session is the server-side state for a single device connection. All
// mutable state is guarded by mu; the egress drain loop and codec callbacks
// run on their own goroutines and take the lock around each step.
type Session struct {
	ID       string
	DeviceID string
	ClientID string

	transport  Transport
	recognizer recog.Engine
	orch       *Orchestrator
	streams    StreamFactory
	sink       events.Sink
	metrics    *observe.Metrics
	log        *slog.Logger

	// ctx is canceled when the session closes; it bounds transport writes
	// and the drain loop.
	ctx    context.Context
	cancel context.CancelFunc

	connectedAt time.Time

	mu sync.Mutex

	helloDone   bool
	audio       audioConfig
	deviceState DeviceState
	listenMode  string

	// Capture state.
	decoder        codec.Stream
	utterance      recog.Utterance
	utteranceID    string
	utteranceOpen  time.Time
	backlog        [][]byte
	backlogBytes   int
	voiceSeen    bool
	silenceStart time.Time
	interrupted  bool

	// Egress state.
	encoder   codec.Stream
	queue     [][]byte
	sending   bool
	sentCount int
	paceStart time.Time
	speaking  bool
	source    Source

	replyBusy bool

	closed bool
}

// sessionConfig is the dependency bundle for newSession.
type sessionConfig struct {
	id         string
	deviceID   string
	clientID   string
	transport  Transport
	recognizer recog.Engine
	orch       *Orchestrator
	streams    StreamFactory
	sink       events.Sink
	metrics    *observe.Metrics
	log        *slog.Logger
}

func newSession(cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:          cfg.id,
		DeviceID:    cfg.deviceID,
		ClientID:    cfg.clientID,
		transport:   cfg.transport,
		recognizer:  cfg.recognizer,
		orch:        cfg.orch,
		streams:     cfg.streams,
		sink:        cfg.sink,
		metrics:     cfg.metrics,
		log:         cfg.log.With("device_id", cfg.deviceID, "session_id", cfg.id),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
		deviceState: StateIdle,
		listenMode:  "auto",
	}
	if cfg.sink == nil {
		s.sink = events.Discard
	}
	return s
}

// State returns the current device state.
func (s *Session) State() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceState
}

// HelloDone reports whether the device has completed its handshake. Frames
// and control messages before hello are dropped.
func (s *Session) HelloDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.helloDone
}

// Interrupted reports whether the user has barged in since the last listen
// start. The orchestrator re-checks it after every suspension point.
func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// Close releases the session: codec subprocesses are stopped, any open
// utterance is ended, and the egress loop is unblocked. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	utt := s.utterance
	s.utterance = nil
	s.utteranceID = ""
	dec := s.decoder
	s.decoder = nil
	enc := s.encoder
	s.encoder = nil
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	if utt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := utt.End(ctx); err != nil {
			s.log.Warn("session close: end utterance", "err", err)
		}
		cancel()
	}
	if dec != nil {
		dec.Close()
	}
	if enc != nil {
		enc.Close()
	}
	s.sink.Emit(events.Event{
		Kind:      events.KindDisconnected,
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		Time:      time.Now(),
	})
	s.log.Info("session closed")
}
