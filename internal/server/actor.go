package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aweiler/calliope/internal/media"
	"github.com/aweiler/calliope/internal/protocol"
)

// BeginMedia opens the egress pipeline for media playback. Whatever an
// earlier stream left queued is discarded first.
func (s *Session) BeginMedia() error {
	return s.beginStream(SourceMedia)
}

// FinishMedia flushes the media stream and returns the device to idle.
func (s *Session) FinishMedia(ctx context.Context) error {
	return s.finishStream(ctx)
}

var _ media.Target = (*Session)(nil)

// DeviceActor is the host-facing handle for one device. Integrations get an
// actor from [Server.Actor] and use it to push audio, commands, and media at
// the device without touching session internals.
type DeviceActor struct {
	deviceID string
	registry *Registry
	player   *media.Player
	log      *slog.Logger
}

// ErrDeviceOffline is returned by actor methods when the device has no live
// session.
var ErrDeviceOffline = fmt.Errorf("server: device offline")

func (a *DeviceActor) session() (*Session, error) {
	s := a.registry.ByDevice(a.deviceID)
	if s == nil || !s.HelloDone() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, a.deviceID)
	}
	return s, nil
}

// SendAudioChunk feeds host-supplied 24 kHz mono PCM into the device's reply
// stream. Chunks are dropped while media playback owns the pipeline.
func (a *DeviceActor) SendAudioChunk(pcm []byte) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	if s.occupiedByMedia() {
		return nil
	}
	s.PushPCM(pcm)
	return nil
}

// SetVolume asks the device to change its speaker volume via the on-device
// MCP tool. Volume is a percentage in [0, 100].
func (a *DeviceActor) SetVolume(volume int) error {
	if volume < 0 || volume > 100 {
		return fmt.Errorf("server: volume %d out of range [0, 100]", volume)
	}
	s, err := a.session()
	if err != nil {
		return err
	}
	msg, err := protocol.MCPToolCall("self.audio_speaker.set_volume", map[string]any{"volume": volume})
	if err != nil {
		return err
	}
	return s.sendJSON(msg)
}

// SendCommand sends a named command to the device. "set_volume" is routed
// through [DeviceActor.SetVolume]; everything else goes out as a generic
// command envelope.
func (a *DeviceActor) SendCommand(cmd string, params map[string]any, priority int) error {
	if cmd == "set_volume" {
		vol, ok := params["volume"].(int)
		if !ok {
			if f, okf := params["volume"].(float64); okf {
				vol, ok = int(f), true
			}
		}
		if !ok {
			return fmt.Errorf("server: set_volume needs a numeric volume parameter")
		}
		return a.SetVolume(vol)
	}
	s, err := a.session()
	if err != nil {
		return err
	}
	return s.sendJSON(protocol.GenericCommand(cmd, params, priority))
}

// ShowEmotion updates the device's displayed emotion.
func (a *DeviceActor) ShowEmotion(code string) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	return s.sendJSON(protocol.Emotion(normalizeEmotion(code)))
}

// Display shows text on the device without speaking it.
func (a *DeviceActor) Display(text string) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	return s.sendJSON(protocol.TTSState(protocol.TTSSentenceStart, text))
}

// PlayMediaURL streams the audio at url to the device, transcoded to the
// egress format. It returns once playback has started; the player finishes
// the stream in the background.
func (a *DeviceActor) PlayMediaURL(ctx context.Context, url string) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	if a.player == nil {
		return fmt.Errorf("server: media playback not configured")
	}
	return a.player.Play(ctx, a.deviceID, s, url)
}
