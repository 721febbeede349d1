package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/aweiler/calliope/internal/protocol"
	"github.com/aweiler/calliope/pkg/recog"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer runs a Server over httptest with fakes behind it.
func startServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Recognizer == nil {
		cfg.Recognizer = newFakeEngine()
	}
	if cfg.Orch == nil {
		cfg.Orch = noopOrchestrator()
	}
	if cfg.Streams == nil {
		cfg.Streams = &fakeStreams{}
	}
	cfg.Log = discardLogger()
	srv := NewServer(cfg)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, hs
}

func dialDevice(t *testing.T, hs *httptest.Server, deviceID string, header http.Header) *websocket.Conn {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if deviceID != "" {
		header.Set("device-id", deviceID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(hs), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendText(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg protocol.Outbound
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

const helloPayload = `{"type":"hello","version":1,"transport":"websocket",
	"audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`

func TestServer_HandshakeOverWebSocket(t *testing.T) {
	t.Parallel()

	srv, hs := startServer(t, ServerConfig{})
	conn := dialDevice(t, hs, "11:22:33:44:55:66", nil)

	sendText(t, conn, helloPayload)
	ack := readMessage(t, conn)

	if ack.Type != protocol.TypeHello {
		t.Fatalf("first message type = %q, want hello", ack.Type)
	}
	if ack.SessionID == "" {
		t.Error("hello ack has no session_id")
	}
	if ack.AudioParams == nil || *ack.AudioParams != protocol.ServerAudioParams {
		t.Errorf("ack audio_params = %+v", ack.AudioParams)
	}

	waitFor(t, 2*time.Second, func() bool {
		s := srv.Registry().ByDevice("11:22:33:44:55:66")
		return s != nil && s.HelloDone()
	}, "device never registered")
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	t.Parallel()

	srv, hs := startServer(t, ServerConfig{})
	conn := dialDevice(t, hs, "dd:ee:ff:00:11:22", nil)
	sendText(t, conn, helloPayload)
	readMessage(t, conn)

	waitFor(t, 2*time.Second, func() bool { return srv.Registry().Count() == 1 },
		"session never registered")

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, 2*time.Second, func() bool { return srv.Registry().Count() == 0 },
		"session never unregistered after disconnect")
}

func TestServer_RejectsBadToken(t *testing.T) {
	t.Parallel()

	_, hs := startServer(t, ServerConfig{AuthToken: "secret"})

	header := http.Header{}
	header.Set("device-id", "aa:aa:aa:aa:aa:aa")
	header.Set("Authorization", "Bearer wrong")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, wsURL(hs), &websocket.DialOptions{HTTPHeader: header})
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("dial succeeded with a bad token")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_AcceptsBearerToken(t *testing.T) {
	t.Parallel()

	_, hs := startServer(t, ServerConfig{AuthToken: "secret"})

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	conn := dialDevice(t, hs, "bb:bb:bb:bb:bb:bb", header)
	sendText(t, conn, helloPayload)
	if ack := readMessage(t, conn); ack.Type != protocol.TypeHello {
		t.Errorf("ack type = %q, want hello", ack.Type)
	}
}

func TestServer_RunRoutesResultsToSession(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	srv, hs := startServer(t, ServerConfig{Recognizer: engine})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx) }()

	conn := dialDevice(t, hs, "cc:cc:cc:cc:cc:cc", nil)
	sendText(t, conn, helloPayload)
	readMessage(t, conn)
	sendText(t, conn, `{"type":"listen","state":"start","mode":"auto"}`)

	waitFor(t, 2*time.Second, func() bool { return len(engine.beginCalls()) == 1 },
		"listen start never opened an utterance")
	utteranceID := engine.beginCalls()[0].sessionID

	engine.results <- recog.Result{
		SessionID: utteranceID,
		DeviceID:  "cc:cc:cc:cc:cc:cc",
		Text:      "hello world",
		IsFinal:   false,
	}

	msg := readMessage(t, conn)
	if msg.Type != protocol.TypeSTT || msg.Text != "hello world" {
		t.Errorf("device received %+v, want stt transcript", msg)
	}
}

func TestServer_RunRoutesTimeouts(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	srv, hs := startServer(t, ServerConfig{Recognizer: engine})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx) }()

	conn := dialDevice(t, hs, "ee:ee:ee:ee:ee:ee", nil)
	sendText(t, conn, helloPayload)
	readMessage(t, conn)
	sendText(t, conn, `{"type":"listen","state":"start","mode":"auto"}`)

	waitFor(t, 2*time.Second, func() bool { return len(engine.beginCalls()) == 1 },
		"listen start never opened an utterance")

	engine.timeouts <- recog.Timeout{DeviceID: "ee:ee:ee:ee:ee:ee"}

	msg := readMessage(t, conn)
	if msg.Type != protocol.TypeListen || msg.State != protocol.ListenStop {
		t.Errorf("device received %+v, want listen stop", msg)
	}
}

func TestHeaderOrQuery(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/ws?device-id=from-query", nil)
	if got := headerOrQuery(r, "device-id", "x-device-id"); got != "from-query" {
		t.Errorf("query lookup = %q", got)
	}

	r.Header.Set("x-device-id", "from-header")
	if got := headerOrQuery(r, "device-id", "x-device-id"); got != "from-header" {
		t.Errorf("header lookup = %q, headers must win", got)
	}
}
