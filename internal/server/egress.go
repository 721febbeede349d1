package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/aweiler/calliope/internal/protocol"
)

// Egress flow control. The first few frames of a stream are sent immediately
// so the device can fill its jitter buffer; after that each frame is held to
// its slot computed from a fixed anchor, which avoids the cumulative drift of
// "last send + 60ms" pacing.
const (
	frameDuration = 60 * time.Millisecond

	// preBufferReply is the burst size for synthesized replies.
	preBufferReply = 5

	// preBufferMedia is slightly larger; transcoded media arrives burstier
	// than TTS and underruns are more audible than a longer lead-in.
	preBufferMedia = 8

	// drainPoll is the poll interval for queue-drain and flush waits.
	drainPoll = 10 * time.Millisecond

	// encoderExitWait bounds how long flush waits for the encoder to emit
	// its final frames after input is closed.
	encoderExitWait = 5 * time.Second

	// tailSleep gives the device time to play out its jitter buffer before
	// the stop message; without it the tail of the audio is clipped.
	tailSleep = (preBufferReply + 2) * frameDuration
)

// sendJSON attaches the session ID and writes a control message, applying the
// state transitions coupled to it: tts start marks the session speaking, tts
// stop and listen stop return it to idle.
func (s *Session) sendJSON(msg protocol.Outbound) error {
	s.mu.Lock()
	if !s.helloDone || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("server: session %s not ready", s.ID)
	}
	msg.SessionID = s.ID
	s.applyOutboundLocked(msg)
	s.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: marshal %s message: %w", msg.Type, err)
	}
	if err := s.transport.SendText(s.ctx, data); err != nil {
		return fmt.Errorf("server: send %s message: %w", msg.Type, err)
	}
	return nil
}

func (s *Session) applyOutboundLocked(msg protocol.Outbound) {
	switch {
	case msg.Type == protocol.TypeTTS && msg.State == protocol.TTSStart:
		s.speaking = true
		if s.source == SourceNone {
			s.source = SourceReply
		}
		s.sentCount = 0
		s.paceStart = time.Time{}
		s.deviceState = StateSpeaking
		s.metrics.SpeakingSessions.Add(s.ctx, 1)
	case msg.Type == protocol.TypeTTS && msg.State == protocol.TTSStop:
		if s.speaking {
			s.metrics.SpeakingSessions.Add(s.ctx, -1)
		}
		s.speaking = false
		s.source = SourceNone
		s.deviceState = StateIdle
	case msg.Type == protocol.TypeListen && msg.State == protocol.ListenStop:
		s.deviceState = StateIdle
	}
}

// beginStream opens the egress pipeline for the given source: resets queue
// and counters, starts a fresh encoder, and announces tts start. Opening for
// media clears whatever a previous stream left behind.
func (s *Session) beginStream(source Source) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("server: session %s closed", s.ID)
	}
	s.resetEgressLocked()
	s.source = source
	enc, err := s.streams.NewEncoder(s.enqueueFrame)
	if err != nil {
		s.source = SourceNone
		s.mu.Unlock()
		return fmt.Errorf("server: start encoder: %w", err)
	}
	s.encoder = enc
	s.mu.Unlock()

	return s.sendJSON(protocol.TTSState(protocol.TTSStart, ""))
}

// resetEgressLocked drops queued frames and discards the current encoder.
// Callers hold s.mu.
func (s *Session) resetEgressLocked() {
	if n := len(s.queue); n > 0 {
		s.metrics.EgressQueueDepth.Add(s.ctx, -int64(n))
		s.metrics.RecordDroppedFrames(s.ctx, int64(n), "stale_queue")
	}
	s.queue = nil
	s.sentCount = 0
	s.paceStart = time.Time{}
	if s.encoder != nil {
		s.encoder.Close()
		s.encoder = nil
	}
}

// PushPCM feeds synthesized or transcoded 24 kHz mono PCM into the egress
// encoder. Frames come back through enqueueFrame as they fill.
func (s *Session) PushPCM(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	enc := s.encoder
	s.mu.Unlock()
	if enc == nil {
		return
	}
	if err := enc.Feed(pcm); err != nil {
		s.log.Warn("egress: encode", "err", err)
	}
}

// enqueueFrame receives one encoded Opus frame from the encoder and kicks the
// drain loop if it is not already running.
func (s *Session) enqueueFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, frame)
	s.metrics.EgressQueueDepth.Add(s.ctx, 1)
	s.startDrainLocked()
	s.mu.Unlock()
}

// startDrainLocked launches the drain goroutine unless one is active.
// Callers hold s.mu.
func (s *Session) startDrainLocked() {
	if s.sending || len(s.queue) == 0 {
		return
	}
	s.sending = true
	go s.drainLoop()
}

// drainLoop sends queued frames to the device. The first preBuffer frames go
// out immediately; after that frame N is held to anchor + (N-preBuffer)*60ms.
// It exits when the queue stays empty, leaving restart to the next enqueue.
func (s *Session) drainLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.sending = false
			s.mu.Unlock()
			return
		}
		frame := s.popFrameLocked()
		if frame == nil && s.source == SourceMedia {
			// Media PCM arrives in bursts from the transcoder; an empty
			// queue usually means the next burst is a beat away, not EOS.
			// Yield once before giving up.
			s.mu.Unlock()
			runtime.Gosched()
			time.Sleep(time.Millisecond)
			s.mu.Lock()
			frame = s.popFrameLocked()
		}
		if frame == nil {
			s.sending = false
			s.mu.Unlock()
			return
		}

		preBuffer := preBufferReply
		if s.source == SourceMedia {
			preBuffer = preBufferMedia
		}
		var wait time.Duration
		count := s.sentCount
		if count >= preBuffer {
			if s.paceStart.IsZero() {
				s.paceStart = time.Now()
			}
			slot := count - preBuffer
			due := s.paceStart.Add(time.Duration(slot) * frameDuration)
			wait = time.Until(due)
		}
		source := s.source.String()
		s.mu.Unlock()

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-s.ctx.Done():
				s.mu.Lock()
				s.sending = false
				s.mu.Unlock()
				return
			}
		}

		if err := s.transport.SendBinary(s.ctx, frame); err != nil {
			s.log.Warn("egress: send frame", "err", err)
			s.mu.Lock()
			s.sending = false
			s.mu.Unlock()
			return
		}
		s.metrics.RecordFrameOut(s.ctx, source)

		s.mu.Lock()
		s.sentCount++
		s.mu.Unlock()
	}
}

func (s *Session) popFrameLocked() []byte {
	if len(s.queue) == 0 {
		return nil
	}
	frame := s.queue[0]
	s.queue = s.queue[1:]
	s.metrics.EgressQueueDepth.Add(s.ctx, -1)
	return frame
}

// finishStream closes the egress stream: flushes the encoder, waits for the
// device-bound queue to drain, pauses for the jitter buffer to play out, and
// sends tts stop. It is the only legitimate way to end a stream that was not
// interrupted.
func (s *Session) finishStream(ctx context.Context) error {
	s.flush(ctx)
	return s.sendJSON(protocol.TTSState(protocol.TTSStop, ""))
}

// flush drives the tail of the stream out of the encoder and down the socket.
func (s *Session) flush(ctx context.Context) {
	s.mu.Lock()
	enc := s.encoder
	s.mu.Unlock()

	if enc != nil {
		if err := enc.CloseInput(); err != nil {
			s.log.Warn("egress: close encoder input", "err", err)
		}
		select {
		case <-enc.Done():
		case <-time.After(encoderExitWait):
			s.log.Warn("egress: encoder did not finish in time")
		case <-ctx.Done():
		}
	}

	// Wait for the queue to hit the wire.
	for {
		s.mu.Lock()
		idle := len(s.queue) == 0 && !s.sending
		closed := s.closed
		s.mu.Unlock()
		if idle || closed || ctx.Err() != nil {
			break
		}
		time.Sleep(drainPoll)
	}

	select {
	case <-time.After(tailSleep):
	case <-ctx.Done():
	}

	s.mu.Lock()
	if s.encoder == enc {
		s.encoder = nil
	}
	s.mu.Unlock()
	if enc != nil {
		enc.Close()
	}
}

// interrupt implements barge-in: it marks the session interrupted, clears
// all speaking state, stops the egress stream mid-flight, notifies the
// device, and ends any open utterance. The interrupted flag stays set until
// the next listen start.
func (s *Session) interrupt() {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	s.clearSpeakingState()
	s.metrics.Interruptions.Add(s.ctx, 1)
}

// clearSpeakingState forces the pipeline back to idle no matter what it was
// doing. It is idempotent and doubles as a state resync: the tts stop it
// sends is harmless when the device is already idle.
func (s *Session) clearSpeakingState() {
	s.mu.Lock()
	wasSpeaking := s.speaking
	s.speaking = false
	s.source = SourceNone
	s.deviceState = StateIdle
	s.paceStart = time.Time{}
	s.resetEgressLocked()
	utt := s.utterance
	s.mu.Unlock()

	if wasSpeaking {
		s.metrics.SpeakingSessions.Add(s.ctx, -1)
	}
	if err := s.sendJSON(protocol.TTSState(protocol.TTSStop, "")); err != nil {
		s.log.Debug("clear speaking: tts stop", "err", err)
	}
	if utt != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		if err := utt.End(ctx); err != nil {
			s.log.Debug("clear speaking: end utterance", "err", err)
		}
		cancel()
	}
}

// waitEgressIdle blocks until the egress queue is empty and the drain loop
// parked, or the deadline passes. Listen start uses it so a reply tail does
// not bleed into the next utterance.
func (s *Session) waitEgressIdle(deadline time.Duration) {
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		s.mu.Lock()
		idle := len(s.queue) == 0 && !s.sending
		s.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(drainPoll)
	}
}
