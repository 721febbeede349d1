package server

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aweiler/calliope/internal/protocol"
	"github.com/aweiler/calliope/pkg/audio"
	"github.com/aweiler/calliope/pkg/recog"
)

// Capture tuning. Devices run their own VAD and noise suppression; the
// server-side gate exists to stop silence and playback echo from reaching
// the recognizer.
const (
	// silenceRMS is the RMS floor below which a PCM chunk counts as silence.
	silenceRMS = 280

	// silenceEnd finalises the utterance after this much continuous silence,
	// once voice has been heard. Manual listen mode turns endpointing off;
	// the device's button release sends the stop.
	silenceEnd = 900 * time.Millisecond

	// backlogSeconds caps how much PCM is parked while the recognizer's
	// window is full. Anything past the cap is dropped oldest-intent-first
	// by simply refusing new chunks.
	backlogSeconds = 5

	// utteranceEndWait bounds End calls triggered from capture paths.
	utteranceEndWait = 2 * time.Second
)

// handleBinaryFrame accepts one raw Opus packet from the device. Packets
// before the handshake, or outside an open utterance, are dropped.
func (s *Session) handleBinaryFrame(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	if !s.helloDone || s.closed || s.utterance == nil {
		s.mu.Unlock()
		return
	}
	if s.decoder == nil {
		dec, err := s.streams.NewDecoder(s.audio.deviceSampleRate, s.handlePCM)
		if err != nil {
			s.mu.Unlock()
			s.log.Warn("capture: start decoder", "err", err)
			return
		}
		s.decoder = dec
	}
	dec := s.decoder
	s.mu.Unlock()

	s.metrics.FramesIn.Add(s.ctx, 1)
	if err := dec.Feed(data); err != nil {
		s.log.Warn("capture: decode", "err", err)
	}
}

// handlePCM runs the voice gate over one decoded PCM chunk and forwards voiced
// audio to the recognizer. It is called from the decoder callback goroutine
// in strict frame order.
func (s *Session) handlePCM(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed || s.utterance == nil {
		s.mu.Unlock()
		return
	}
	// Half-duplex: while the device plays our audio, its microphone mostly
	// hears us. Feeding that to the recognizer produces self-transcription.
	if s.speaking {
		s.mu.Unlock()
		s.metrics.RecordDroppedFrames(s.ctx, 1, "half_duplex")
		return
	}

	rms := audio.RMS(pcm)
	if rms < silenceRMS {
		s.handleSilenceLocked()
		s.mu.Unlock()
		return
	}

	s.voiceSeen = true
	s.silenceStart = time.Time{}
	utt := s.utterance
	backlog := s.backlog
	s.backlog = nil
	s.backlogBytes = 0
	s.mu.Unlock()

	// Voiced chunk: replay anything parked while the recognizer was full,
	// then the live chunk.
	for _, b := range backlog {
		utt.SendAudio(b)
	}
	if !utt.SendAudio(pcm) {
		s.parkChunk(pcm)
	}
}

// handleSilenceLocked advances the endpointing clock. Callers hold s.mu.
func (s *Session) handleSilenceLocked() {
	// No endpointing before the first voiced chunk, and none at all in
	// manual mode.
	if s.listenMode == protocol.ModeManual || !s.voiceSeen {
		return
	}
	now := time.Now()
	if s.silenceStart.IsZero() {
		s.silenceStart = now
		return
	}
	if now.Sub(s.silenceStart) < silenceEnd {
		return
	}
	s.voiceSeen = false
	s.silenceStart = time.Time{}
	utt := s.utterance
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, utteranceEndWait)
		defer cancel()
		if err := utt.End(ctx); err != nil {
			s.log.Warn("capture: endpoint utterance", "err", err)
		}
	}()
}

// parkChunk holds a voiced chunk the recognizer refused, up to the backlog
// cap. Past the cap the chunk is dropped and counted.
func (s *Session) parkChunk(pcm []byte) {
	s.mu.Lock()
	maxBytes := s.audio.deviceSampleRate * 2 * backlogSeconds
	if s.backlogBytes+len(pcm) <= maxBytes {
		s.backlog = append(s.backlog, pcm)
		s.backlogBytes += len(pcm)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.metrics.RecordDroppedFrames(s.ctx, 1, "backlog")
}

// openUtterance starts a recognition window under the given utterance ID and
// resets the capture gate. Callers must not hold s.mu.
func (s *Session) openUtterance(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	rate := s.audio.deviceSampleRate
	if rate == 0 {
		rate = protocol.DefaultDeviceSampleRate
	}
	s.mu.Unlock()

	utt, err := s.recognizer.BeginUtterance(s.ctx, s.DeviceID, id, recog.Format{
		SampleRate: rate,
		Channels:   1,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.utterance = utt
	s.utteranceID = id
	s.utteranceOpen = time.Now()
	s.backlog = nil
	s.backlogBytes = 0
	s.voiceSeen = false
	s.silenceStart = time.Time{}
	s.mu.Unlock()
	return nil
}

// resumeListening opens a fresh utterance when the device is still in
// listening state after a reply. Without this the device keeps streaming into
// a closed window and nothing is ever recognised again.
func (s *Session) resumeListening() {
	s.mu.Lock()
	if s.deviceState != StateListening || s.utteranceID != "" || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	id := uuid.NewString()
	if err := s.openUtterance(id); err != nil {
		s.log.Warn("capture: resume listening", "err", err)
		return
	}
	s.log.Debug("capture: reopened utterance", "utterance_id", id)
}

// HandleResult routes one recognizer result to this session. Partials are
// echoed to the device display; the final transcript closes the window and
// triggers a reply.
func (s *Session) HandleResult(res recog.Result) {
	s.mu.Lock()
	if res.SessionID != s.utteranceID || s.closed {
		s.mu.Unlock()
		return
	}
	if res.IsFinal {
		s.utteranceID = ""
		s.utterance = nil
	}
	opened := s.utteranceOpen
	s.mu.Unlock()

	if res.Text != "" {
		if err := s.sendJSON(protocol.STTResult(res.Text)); err != nil {
			s.log.Debug("capture: send transcript", "err", err)
		}
	}
	if !res.IsFinal {
		return
	}

	s.metrics.Utterances.Add(s.ctx, 1)
	if !opened.IsZero() {
		s.metrics.RecognizeDuration.Record(s.ctx, time.Since(opened).Seconds())
	}

	if res.Text != "" {
		s.orch.RunReply(s.ctx, s, res.Text)
	}
	s.resumeListening()
}

// HandleTimeout handles the recognizer giving up on a silent window: the
// device is told to stop listening so its indicator does not stay stuck.
func (s *Session) HandleTimeout() {
	s.mu.Lock()
	if !s.helloDone || s.closed {
		s.mu.Unlock()
		return
	}
	s.deviceState = StateIdle
	s.utteranceID = ""
	s.utterance = nil
	s.mu.Unlock()

	if err := s.sendJSON(protocol.ListenStopCommand()); err != nil {
		s.log.Debug("capture: send listen stop", "err", err)
	}
	s.log.Debug("capture: recognizer timeout, device set idle")
}
