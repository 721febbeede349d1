package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aweiler/calliope/internal/observe"
	"github.com/aweiler/calliope/internal/protocol"
	"github.com/aweiler/calliope/pkg/codec"
	"github.com/aweiler/calliope/pkg/infer"
	"github.com/aweiler/calliope/pkg/recog"
	"github.com/aweiler/calliope/pkg/synth"
)

const (
	testSessionID = "sess-1"
	testDeviceID  = "aa:bb:cc:dd:ee:ff"
)

// fakeTransport records everything the session writes.
type fakeTransport struct {
	mu          sync.Mutex
	texts       []protocol.Outbound
	binaries    [][]byte
	binaryTimes []time.Time
	closeCode   int
	closeReason string
	textErr     error
}

func (t *fakeTransport) SendText(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.textErr != nil {
		return t.textErr
	}
	var msg protocol.Outbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	t.texts = append(t.texts, msg)
	return nil
}

func (t *fakeTransport) SendBinary(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.binaries = append(t.binaries, data)
	t.binaryTimes = append(t.binaryTimes, time.Now())
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCode = code
	t.closeReason = reason
	return nil
}

func (t *fakeTransport) sentTexts() []protocol.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Outbound(nil), t.texts...)
}

func (t *fakeTransport) sentBinaries() ([][]byte, []time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.binaries...), append([]time.Time(nil), t.binaryTimes...)
}

// lastOfType returns the most recent text message of the given type.
func (t *fakeTransport) lastOfType(typ string) (protocol.Outbound, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.texts) - 1; i >= 0; i-- {
		if t.texts[i].Type == typ {
			return t.texts[i], true
		}
	}
	return protocol.Outbound{}, false
}

func (t *fakeTransport) countType(typ, state string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.texts {
		if m.Type == typ && (state == "" || m.State == state) {
			n++
		}
	}
	return n
}

var _ Transport = (*fakeTransport)(nil)

// fakeStream is a passthrough codec stream: every fed chunk comes straight
// back out through the frame callback.
type fakeStream struct {
	mu      sync.Mutex
	onFrame codec.FrameFunc
	fed     [][]byte
	done    chan struct{}
	closed  bool
}

func newFakeStream(onFrame codec.FrameFunc) *fakeStream {
	return &fakeStream{onFrame: onFrame, done: make(chan struct{})}
}

func (f *fakeStream) Feed(chunk []byte) error {
	f.mu.Lock()
	f.fed = append(f.fed, chunk)
	f.mu.Unlock()
	f.onFrame(chunk)
	return nil
}

func (f *fakeStream) CloseInput() error {
	f.finish()
	return nil
}

func (f *fakeStream) Done() <-chan struct{} { return f.done }

func (f *fakeStream) Close() error {
	f.finish()
	return nil
}

func (f *fakeStream) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
}

func (f *fakeStream) fedChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.fed...)
}

var _ codec.Stream = (*fakeStream)(nil)

// fakeStreams hands out passthrough streams and records what was built.
type fakeStreams struct {
	mu          sync.Mutex
	decoders    []*fakeStream
	encoders    []*fakeStream
	decoderRate int
}

func (f *fakeStreams) NewDecoder(sampleRate int, onFrame codec.FrameFunc) (codec.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decoderRate = sampleRate
	st := newFakeStream(onFrame)
	f.decoders = append(f.decoders, st)
	return st, nil
}

func (f *fakeStreams) NewEncoder(onFrame codec.FrameFunc) (codec.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := newFakeStream(onFrame)
	f.encoders = append(f.encoders, st)
	return st, nil
}

func (f *fakeStreams) lastEncoder() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.encoders) == 0 {
		return nil
	}
	return f.encoders[len(f.encoders)-1]
}

var _ StreamFactory = (*fakeStreams)(nil)

// fakeUtterance records audio offered by the capture gate.
type fakeUtterance struct {
	mu     sync.Mutex
	audio  [][]byte
	refuse bool
	ends   int
}

func (u *fakeUtterance) SendAudio(pcm []byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.refuse {
		return false
	}
	u.audio = append(u.audio, pcm)
	return true
}

func (u *fakeUtterance) End(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ends++
	return nil
}

func (u *fakeUtterance) setRefuse(v bool) {
	u.mu.Lock()
	u.refuse = v
	u.mu.Unlock()
}

func (u *fakeUtterance) sentAudio() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.audio...)
}

func (u *fakeUtterance) endCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ends
}

var _ recog.Utterance = (*fakeUtterance)(nil)

type beginCall struct {
	deviceID  string
	sessionID string
	format    recog.Format
}

// fakeEngine is an in-memory recognizer backend.
type fakeEngine struct {
	mu         sync.Mutex
	begins     []beginCall
	utterances []*fakeUtterance
	results    chan recog.Result
	timeouts   chan recog.Timeout
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		results:  make(chan recog.Result, 8),
		timeouts: make(chan recog.Timeout, 8),
	}
}

func (e *fakeEngine) BeginUtterance(_ context.Context, deviceID, sessionID string, f recog.Format) (recog.Utterance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begins = append(e.begins, beginCall{deviceID: deviceID, sessionID: sessionID, format: f})
	u := &fakeUtterance{}
	e.utterances = append(e.utterances, u)
	return u, nil
}

func (e *fakeEngine) Results() <-chan recog.Result   { return e.results }
func (e *fakeEngine) Timeouts() <-chan recog.Timeout { return e.timeouts }

func (e *fakeEngine) beginCalls() []beginCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]beginCall(nil), e.begins...)
}

func (e *fakeEngine) lastUtterance() *fakeUtterance {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.utterances) == 0 {
		return nil
	}
	return e.utterances[len(e.utterances)-1]
}

var _ recog.Engine = (*fakeEngine)(nil)

// harness wires a session to fakes for white-box tests.
type harness struct {
	session   *Session
	transport *fakeTransport
	streams   *fakeStreams
	engine    *fakeEngine
}

func newHarness(t *testing.T, orch *Orchestrator) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		streams:   &fakeStreams{},
		engine:    newFakeEngine(),
	}
	h.session = newSession(sessionConfig{
		id:         testSessionID,
		deviceID:   testDeviceID,
		clientID:   "client-1",
		transport:  h.transport,
		recognizer: h.engine,
		orch:       orch,
		streams:    h.streams,
		metrics:    observe.DefaultMetrics(),
		log:        slog.New(slog.DiscardHandler),
	})
	t.Cleanup(h.session.Close)
	return h
}

// hello completes the handshake at the default device rate.
func (h *harness) hello(t *testing.T) {
	t.Helper()
	h.session.HandleMessage([]byte(`{"type":"hello","version":1,"transport":"websocket",
		"audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`))
	if !h.session.HelloDone() {
		t.Fatal("handshake did not complete")
	}
}

// listen puts the session into listening state with an open utterance.
func (h *harness) listen(t *testing.T) {
	t.Helper()
	h.session.HandleMessage([]byte(`{"type":"listen","state":"start","mode":"auto"}`))
	if got := h.session.State(); got != StateListening {
		t.Fatalf("state after listen start = %q, want %q", got, StateListening)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// loudChunk is comfortably above the capture gate's RMS floor.
func loudChunk(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		// Constant amplitude 4000, alternating sign.
		v := int16(4000)
		if i%2 == 1 {
			v = -4000
		}
		pcm[2*i] = byte(uint16(v))
		pcm[2*i+1] = byte(uint16(v) >> 8)
	}
	return pcm
}

// quietChunk is all-zero PCM, below the RMS floor.
func quietChunk(samples int) []byte {
	return make([]byte, samples*2)
}

// inferFunc adapts a function to infer.Engine for tests that only care about
// the reply text and emotion.
type inferFunc func(ctx context.Context, deviceID, text string) (string, string, error)

func (f inferFunc) Execute(ctx context.Context, deviceID, text string, _ infer.Options) (infer.Reply, error) {
	replyText, emotion, err := f(ctx, deviceID, text)
	return infer.Reply{Text: replyText, Emotion: emotion}, err
}

var _ infer.Engine = (inferFunc)(nil)

// synthFunc adapts a function to synth.Synthesizer.
type synthFunc func(ctx context.Context, text string, sink func([]byte)) error

func (f synthFunc) Synthesize(ctx context.Context, text string, _ synth.Options, sink synth.Sink) error {
	return f(ctx, text, sink)
}

var _ synth.Synthesizer = (synthFunc)(nil)

func testMetrics() *observe.Metrics {
	return observe.DefaultMetrics()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func noopOrchestrator() *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		LLM:     inferFunc(func(context.Context, string, string) (string, string, error) { return "", "", nil }),
		TTS:     synthFunc(func(context.Context, string, func([]byte)) error { return nil }),
		Metrics: testMetrics(),
		Log:     discardLogger(),
	})
}
