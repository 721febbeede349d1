package server

import (
	"context"
	"time"

	"github.com/aweiler/calliope/internal/protocol"
	"github.com/aweiler/calliope/pkg/events"
)

// listenDrainWait bounds how long listen start waits for a previous reply's
// tail to leave the egress queue before capture reopens.
const listenDrainWait = 3 * time.Second

// closeUnsupportedTransport is the WebSocket policy-violation close code.
const closeUnsupportedTransport = 1008

// HandleMessage dispatches one WebSocket message. Binary frames and JSON
// delivered as binary are both handled; some firmwares send the handshake as
// a binary frame.
func (s *Session) HandleMessage(data []byte) {
	msg, err := protocol.ParseInbound(data)
	if err == protocol.ErrNotJSON {
		s.handleBinaryFrame(data)
		return
	}
	if err != nil {
		s.log.Warn("handler: bad control message", "err", err)
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		s.handleHello(msg)
	case protocol.TypeListen:
		s.handleListen(msg)
	case protocol.TypeAbort:
		s.handleAbort(msg)
	case protocol.TypeMCP:
		s.handleMCP(msg)
	case protocol.TypeSystem:
		if msg.Command == "reboot" {
			s.log.Info("handler: device requested reboot")
		}
	default:
		s.log.Debug("handler: unknown message type", "type", msg.Type)
	}
}

// handleHello negotiates audio parameters and acknowledges the handshake.
// The egress format is fixed server-side; only the device's own sample rate
// is taken from the message.
func (s *Session) handleHello(msg *protocol.Inbound) {
	if msg.Transport != "websocket" {
		s.log.Warn("handler: unsupported transport", "transport", msg.Transport)
		if err := s.transport.Close(closeUnsupportedTransport, "Unsupported transport"); err != nil {
			s.log.Debug("handler: close", "err", err)
		}
		return
	}

	cfg := audioConfig{
		deviceSampleRate: protocol.DefaultDeviceSampleRate,
		format:           "opus",
		channels:         1,
		frameDurationMs:  60,
	}
	if p := msg.AudioParams; p != nil {
		if p.SampleRate > 0 {
			cfg.deviceSampleRate = p.SampleRate
		}
		if p.Format != "" {
			cfg.format = p.Format
		}
		if p.Channels > 0 {
			cfg.channels = p.Channels
		}
		if p.FrameDuration > 0 {
			cfg.frameDurationMs = p.FrameDuration
		}
	}

	s.mu.Lock()
	s.audio = cfg
	s.helloDone = true
	s.mu.Unlock()

	if err := s.sendJSON(protocol.HelloAck()); err != nil {
		s.log.Warn("handler: hello ack", "err", err)
		return
	}

	s.sink.Emit(events.Event{
		Kind:        events.KindConnected,
		SessionID:   s.ID,
		DeviceID:    s.DeviceID,
		Time:        time.Now(),
		AudioParams: cfg,
	})
	s.log.Info("device handshake complete",
		"device_rate", cfg.deviceSampleRate,
		"format", cfg.format,
	)
}

// handleListen processes listen start/stop/detect. Start resyncs speaking
// state, drains any reply tail, and opens a recognition window; detect feeds
// the wake text straight to the reply pipeline; stop ends the open window.
func (s *Session) handleListen(msg *protocol.Inbound) {
	s.mu.Lock()
	if !s.helloDone {
		s.mu.Unlock()
		return
	}
	if msg.Mode != "" {
		s.listenMode = msg.Mode
	}
	s.mu.Unlock()

	s.sink.Emit(events.Event{
		Kind:        events.KindListen,
		SessionID:   s.ID,
		DeviceID:    s.DeviceID,
		Time:        time.Now(),
		ListenState: msg.State,
		ListenMode:  msg.Mode,
		Text:        msg.Text,
	})

	switch msg.State {
	case protocol.ListenStart:
		s.mu.Lock()
		s.interrupted = false
		s.mu.Unlock()

		// Resync before listening: harmless when already idle, essential
		// when the device thinks a reply ended that we think is playing.
		s.clearSpeakingState()
		s.waitEgressIdle(listenDrainWait)

		s.mu.Lock()
		s.deviceState = StateListening
		s.mu.Unlock()

		if err := s.openUtterance(s.ID); err != nil {
			s.log.Warn("handler: open utterance", "err", err)
		}

	case protocol.ListenDetect:
		// Wake word heard on-device. The wake text is the user's first
		// sentence; push it through the pipeline so the conversation
		// starts without waiting for another utterance.
		wake := repairWakeText(msg.Text)
		if wake != "" {
			s.log.Info("wake detected", "text", wake)
			go s.orch.RunReply(s.ctx, s, wake)
		}

	case protocol.ListenStop:
		s.mu.Lock()
		utt := s.utterance
		s.mu.Unlock()
		if utt != nil {
			go func() {
				ctx, cancel := context.WithTimeout(s.ctx, utteranceEndWait)
				defer cancel()
				if err := utt.End(ctx); err != nil {
					s.log.Warn("handler: end utterance", "err", err)
				}
			}()
		}
	}
}

// handleAbort is user barge-in: stop speaking immediately and remember the
// interruption so an in-flight reply dies quietly.
func (s *Session) handleAbort(msg *protocol.Inbound) {
	s.interrupt()
	s.sink.Emit(events.Event{
		Kind:      events.KindAbort,
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		Time:      time.Now(),
		Reason:    msg.Reason,
	})
	s.log.Debug("device aborted playback", "reason", msg.Reason)
}

// handleMCP forwards a device MCP payload to the host event sink verbatim.
func (s *Session) handleMCP(msg *protocol.Inbound) {
	s.sink.Emit(events.Event{
		Kind:      events.KindMCP,
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		Time:      time.Now(),
		Payload:   msg.Payload,
	})
}
