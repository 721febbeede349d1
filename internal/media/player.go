package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"sync"
	"time"
)

const (
	// debounceWindow suppresses repeated play requests per device. Voice
	// commands tend to arrive twice when the wake phrase is re-recognized.
	debounceWindow = 15 * time.Second

	fetchTimeout  = 30 * time.Second
	maxFetchBytes = 64 << 20
	pcmChunkSize  = 4096
	finishTimeout = 30 * time.Second
)

// browserUA is sent on media fetches. Several public media hosts reject
// requests without a browser user agent.
const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// ErrDebounced is returned when a play request arrives inside the per-device
// debounce window.
var ErrDebounced = errors.New("media: play request debounced")

// PlayerConfig configures a [Player]. The zero value is usable; FFmpegPath
// defaults to "ffmpeg" on PATH.
type PlayerConfig struct {
	FFmpegPath string
	HTTPClient *http.Client
	Log        *slog.Logger
}

// Player fetches remote audio and streams it to device sessions.
type Player struct {
	ffmpeg string
	client *http.Client
	log    *slog.Logger

	mu       sync.Mutex
	lastPlay map[string]time.Time
}

// NewPlayer builds a Player from cfg.
func NewPlayer(cfg PlayerConfig) *Player {
	p := &Player{
		ffmpeg:   cfg.FFmpegPath,
		client:   cfg.HTTPClient,
		log:      cfg.Log,
		lastPlay: make(map[string]time.Time),
	}
	if p.ffmpeg == "" {
		p.ffmpeg = "ffmpeg"
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: fetchTimeout}
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Play fetches rawURL, validates it as audio, and streams it to target. It
// returns once the stream has started; transcoding and delivery continue in
// the background. A second request for the same device inside the debounce
// window returns [ErrDebounced].
func (p *Player) Play(ctx context.Context, deviceID string, target Target, rawURL string) error {
	if !p.acquire(deviceID) {
		return fmt.Errorf("%w: %s", ErrDebounced, deviceID)
	}

	body, err := p.fetch(ctx, rawURL)
	if err != nil {
		return err
	}

	if err := target.BeginMedia(); err != nil {
		return fmt.Errorf("media: begin stream: %w", err)
	}

	log := p.log.With("device_id", deviceID, "url", rawURL, "bytes", len(body))
	log.Info("media playback started")

	go func() {
		if err := p.transcode(context.WithoutCancel(ctx), body, target); err != nil {
			log.Warn("media transcode failed", "error", err)
		}
		finishCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
		if err := target.FinishMedia(finishCtx); err != nil {
			log.Debug("media finish", "error", err)
		}
		log.Info("media playback finished")
	}()
	return nil
}

// acquire records a play attempt for deviceID and reports whether it is
// outside the debounce window.
func (p *Player) acquire(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if last, ok := p.lastPlay[deviceID]; ok && now.Sub(last) < debounceWindow {
		return false
	}
	p.lastPlay[deviceID] = now
	return true
}

// fetch downloads the source into memory and validates it with [SniffAudio].
func (p *Player) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("media: build request: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		req.Header.Set("Referer", u.Scheme+"://"+u.Host+"/")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("media: read body: %w", err)
	}

	if err := SniffAudio(resp.Header.Get("Content-Type"), body); err != nil {
		return nil, fmt.Errorf("media: %s: %w", rawURL, err)
	}
	return body, nil
}

// transcode runs ffmpeg over body and pushes the resulting PCM to target in
// fixed-size chunks.
func (p *Player) transcode(ctx context.Context, body []byte, target Target) error {
	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", "24000",
		"-ac", "1",
		"-")
	cmd.Stdin = bytes.NewReader(body)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("media: ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("media: start ffmpeg: %w", err)
	}

	buf := make([]byte, pcmChunkSize)
	for {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			target.PushPCM(chunk)
		}
		if err != nil {
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("media: ffmpeg: %w", err)
	}
	return nil
}
