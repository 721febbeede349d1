// Package deepgram provides a Deepgram-backed recognition engine using the
// Deepgram streaming WebSocket API. It implements the recog.Engine interface,
// opening one streaming connection per utterance.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aweiler/calliope/pkg/recog"
)

const (
	endpoint          = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultNoSpeech   = 15 * time.Second
	audioQueueSize    = 256
	eventQueueSize    = 64
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(e *Engine) { e.language = language }
}

// WithNoSpeechTimeout sets how long an utterance may stay open without any
// recognition result before a timeout event is emitted.
func WithNoSpeechTimeout(d time.Duration) Option {
	return func(e *Engine) { e.noSpeech = d }
}

// Engine implements recog.Engine backed by the Deepgram streaming API.
type Engine struct {
	apiKey   string
	model    string
	language string
	noSpeech time.Duration

	results  chan recog.Result
	timeouts chan recog.Timeout
}

// New creates a Deepgram Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		noSpeech: defaultNoSpeech,
		results:  make(chan recog.Result, eventQueueSize),
		timeouts: make(chan recog.Timeout, eventQueueSize),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Results returns the engine-wide result stream.
func (e *Engine) Results() <-chan recog.Result { return e.results }

// Timeouts returns the engine-wide timeout stream.
func (e *Engine) Timeouts() <-chan recog.Timeout { return e.timeouts }

// BeginUtterance dials a streaming session and returns the open utterance.
func (e *Engine) BeginUtterance(ctx context.Context, deviceID, sessionID string, f recog.Format) (recog.Utterance, error) {
	wsURL, err := e.buildURL(f)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	u := &utterance{
		engine:    e,
		conn:      conn,
		deviceID:  deviceID,
		sessionID: sessionID,
		audio:     make(chan []byte, audioQueueSize),
		done:      make(chan struct{}),
	}

	u.wg.Add(2)
	go u.readLoop()
	go u.writeLoop()

	return u, nil
}

// buildURL constructs the streaming endpoint URL for the given format.
func (e *Engine) buildURL(f recog.Format) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", e.model)
	q.Set("language", e.language)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(f.SampleRate))
	if f.Channels > 0 {
		q.Set("channels", strconv.Itoa(f.Channels))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// response is the JSON structure Deepgram returns for a Results event.
type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// utterance is one live streaming session. It implements recog.Utterance.
type utterance struct {
	engine    *Engine
	conn      *websocket.Conn
	deviceID  string
	sessionID string

	audio chan []byte
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu       sync.Mutex
	gotEvent bool
}

// SendAudio queues a PCM chunk without blocking. Returns false when the
// ingest queue is full.
func (u *utterance) SendAudio(pcm []byte) bool {
	select {
	case <-u.done:
		return false
	default:
	}
	select {
	case u.audio <- pcm:
		return true
	default:
		return false
	}
}

// End closes the utterance and asks the backend to flush pending audio.
func (u *utterance) End(ctx context.Context) error {
	u.once.Do(func() {
		close(u.done)
		_ = u.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		u.wg.Wait()
		u.conn.Close(websocket.StatusNormalClosure, "utterance ended")
	})
	return nil
}

// writeLoop ships queued audio chunks to the backend.
func (u *utterance) writeLoop() {
	defer u.wg.Done()
	ctx := context.Background()
	for {
		select {
		case chunk := <-u.audio:
			if err := u.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-u.done:
			// Drain whatever is still queued before the close frame.
			for {
				select {
				case chunk := <-u.audio:
					_ = u.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop forwards backend results to the engine stream and arms the
// no-speech timeout.
func (u *utterance) readLoop() {
	defer u.wg.Done()

	timeout := time.AfterFunc(u.engine.noSpeech, func() {
		u.mu.Lock()
		quiet := !u.gotEvent
		u.mu.Unlock()
		if quiet {
			select {
			case u.engine.timeouts <- recog.Timeout{DeviceID: u.deviceID}:
			default:
			}
		}
	})
	defer timeout.Stop()

	ctx := context.Background()
	for {
		_, msg, err := u.conn.Read(ctx)
		if err != nil {
			return
		}

		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil || resp.Type != "Results" {
			continue
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}
		text := resp.Channel.Alternatives[0].Transcript
		if text == "" && !resp.IsFinal {
			continue
		}

		u.mu.Lock()
		u.gotEvent = true
		u.mu.Unlock()

		select {
		case u.engine.results <- recog.Result{
			SessionID: u.sessionID,
			DeviceID:  u.deviceID,
			Text:      text,
			IsFinal:   resp.IsFinal,
		}:
		default:
			// Event stream full: drop rather than stall the socket.
		}
	}
}

var _ recog.Engine = (*Engine)(nil)
