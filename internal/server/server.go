package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aweiler/calliope/internal/media"
	"github.com/aweiler/calliope/internal/observe"
	"github.com/aweiler/calliope/pkg/codec"
	"github.com/aweiler/calliope/pkg/codec/opus"
	"github.com/aweiler/calliope/pkg/events"
	"github.com/aweiler/calliope/pkg/recog"
)

// wsReadLimit bounds one inbound frame. Control messages are small and Opus
// packets are a few kilobytes; anything larger is a misbehaving client.
const wsReadLimit = 1 << 20

// ServerConfig assembles the dependencies for a [Server]. Registry, Streams,
// Sink, Metrics, and Log fall back to usable defaults; Recognizer and Orch
// are required.
type ServerConfig struct {
	Registry   *Registry
	Recognizer recog.Engine
	Orch       *Orchestrator
	Streams    StreamFactory
	Player     *media.Player
	Sink       events.Sink
	Metrics    *observe.Metrics
	AuthToken  string
	Log        *slog.Logger
}

// Server accepts device WebSocket connections and runs one [Session] per
// connection. It also pumps recognizer results back into the owning session.
type Server struct {
	registry   *Registry
	recognizer recog.Engine
	orch       *Orchestrator
	streams    StreamFactory
	player     *media.Player
	sink       events.Sink
	metrics    *observe.Metrics
	authToken  string
	log        *slog.Logger
}

// NewServer builds a Server from cfg.
func NewServer(cfg ServerConfig) *Server {
	srv := &Server{
		registry:   cfg.Registry,
		recognizer: cfg.Recognizer,
		orch:       cfg.Orch,
		streams:    cfg.Streams,
		player:     cfg.Player,
		sink:       cfg.Sink,
		metrics:    cfg.Metrics,
		authToken:  cfg.AuthToken,
		log:        cfg.Log,
	}
	if srv.registry == nil {
		srv.registry = NewRegistry()
	}
	if srv.streams == nil {
		srv.streams = OpusStreams{}
	}
	if srv.sink == nil {
		srv.sink = events.Discard
	}
	if srv.metrics == nil {
		srv.metrics = observe.DefaultMetrics()
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	return srv
}

// Registry exposes the live session registry for status endpoints.
func (srv *Server) Registry() *Registry { return srv.registry }

// Actor returns a host-facing handle for deviceID. The actor resolves the
// device's session per call, so it stays valid across reconnects.
func (srv *Server) Actor(deviceID string) *DeviceActor {
	return &DeviceActor{
		deviceID: deviceID,
		registry: srv.registry,
		player:   srv.player,
		log:      srv.log.With("device_id", deviceID),
	}
}

// Run pumps recognizer results and timeouts into their sessions until ctx is
// canceled. Results for devices that disconnected mid-utterance are dropped.
func (srv *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-srv.recognizer.Results():
			if !ok {
				return nil
			}
			if s := srv.registry.ByDevice(res.DeviceID); s != nil {
				s.HandleResult(res)
			}
		case to, ok := <-srv.recognizer.Timeouts():
			if !ok {
				return nil
			}
			if s := srv.registry.ByDevice(to.DeviceID); s != nil && s.HelloDone() {
				s.HandleTimeout()
			}
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the session until
// the peer disconnects. It is mounted on the configured device path.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if srv.authToken != "" && !srv.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	deviceID := headerOrQuery(r, "device-id", "x-device-id")
	if deviceID == "" {
		deviceID = "anon-" + uuid.NewString()
	}
	clientID := headerOrQuery(r, "client-id", "x-client-id")

	// Devices are embedded firmware, not browsers; there is no origin to
	// verify.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		srv.log.Warn("websocket accept failed", "device_id", deviceID, "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	s := newSession(sessionConfig{
		id:         uuid.NewString(),
		deviceID:   deviceID,
		clientID:   clientID,
		transport:  &wsTransport{conn: conn},
		recognizer: srv.recognizer,
		orch:       srv.orch,
		streams:    srv.streams,
		sink:       srv.sink,
		metrics:    srv.metrics,
		log:        srv.log,
	})

	srv.registry.Add(s)
	srv.metrics.ActiveSessions.Add(r.Context(), 1)
	s.log.Info("device connected", "client_id", clientID, "remote", r.RemoteAddr)

	defer func() {
		srv.registry.Remove(s.ID)
		s.Close()
		srv.metrics.ActiveSessions.Add(context.Background(), -1)
		s.log.Info("device disconnected")
	}()

	srv.readLoop(r.Context(), conn, s)
	_ = conn.Close(websocket.StatusNormalClosure, "session ended")
}

// readLoop feeds inbound frames into the session until the connection drops
// or the session closes itself.
func (srv *Server) readLoop(ctx context.Context, conn *websocket.Conn, s *Session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.log.Debug("websocket read ended", "err", err)
			}
			return
		}
		s.HandleMessage(data)
	}
}

func (srv *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token == srv.authToken {
		return true
	}
	return r.URL.Query().Get("token") == srv.authToken
}

// headerOrQuery looks names up in the request headers first, then the query
// string, using the first non-empty value.
func headerOrQuery(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	for _, name := range names {
		if v := r.URL.Query().Get(name); v != "" {
			return v
		}
	}
	return ""
}

// wsTransport adapts a websocket connection to the session's [Transport].
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) SendText(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) SendBinary(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

var _ Transport = (*wsTransport)(nil)

// OpusStreams builds in-process Opus codec streams. The egress encoder is
// pinned to the server's fixed output format.
type OpusStreams struct{}

func (OpusStreams) NewDecoder(sampleRate int, onFrame codec.FrameFunc) (codec.Stream, error) {
	return opus.NewDecoder(sampleRate, 1, 60, onFrame)
}

func (OpusStreams) NewEncoder(onFrame codec.FrameFunc) (codec.Stream, error) {
	return opus.NewEncoder(24000, 1, 60, onFrame)
}

var _ StreamFactory = OpusStreams{}
