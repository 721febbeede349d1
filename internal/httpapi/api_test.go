package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aweiler/calliope/internal/config"
	"github.com/aweiler/calliope/internal/health"
	"github.com/aweiler/calliope/internal/httpapi"
	"github.com/aweiler/calliope/internal/server"
	"github.com/aweiler/calliope/internal/store"
)

type fakeHistory struct {
	exchanges []store.Exchange
	err       error
}

func (f *fakeHistory) Recent(_ context.Context, deviceID string, _ int) ([]store.Exchange, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []store.Exchange
	for _, e := range f.exchanges {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestAPI(t *testing.T, cfg httpapi.APIConfig) *httptest.Server {
	t.Helper()
	if cfg.WSServer == nil {
		cfg.WSServer = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusSwitchingProtocols)
		})
	}
	srv := httptest.NewServer(httpapi.New(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestOTACheck_ReturnsWebsocketURL(t *testing.T) {
	t.Parallel()
	srv := newTestAPI(t, httpapi.APIConfig{WSPath: "/ws", AuthToken: "tok"})

	resp, err := http.Post(srv.URL+"/provision/ota", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		ServerTime struct {
			Timestamp int64 `json:"timestamp"`
		} `json:"server_time"`
		Firmware struct {
			Version string `json:"version"`
		} `json:"firmware"`
		Websocket struct {
			URL     string `json:"url"`
			Token   string `json:"token"`
			Version int    `json:"version"`
		} `json:"websocket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	wantURL := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/ws"
	if body.Websocket.URL != wantURL {
		t.Errorf("websocket url = %q, want %q", body.Websocket.URL, wantURL)
	}
	if body.Websocket.Token != "tok" {
		t.Errorf("token = %q, want tok", body.Websocket.Token)
	}
	if body.Firmware.Version == "" {
		t.Error("firmware version is empty")
	}
	if body.ServerTime.Timestamp == 0 {
		t.Error("server time is zero")
	}
}

func TestDeviceEndpoint_PlainGETGetsHint(t *testing.T) {
	t.Parallel()
	srv := newTestAPI(t, httpapi.APIConfig{WSPath: "/ws"})

	for _, path := range []string{"/ws", "/xiaozhi/v1"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("GET %s content type = %q, want text/plain", path, ct)
		}
	}
}

func TestStatus_ListsConnections(t *testing.T) {
	t.Parallel()
	registry := server.NewRegistry()
	srv := newTestAPI(t, httpapi.APIConfig{WSPath: "/ws", Registry: registry})

	var body struct {
		Enabled     bool  `json:"enabled"`
		Connections []any `json:"connections"`
		Count       int   `json:"count"`
	}
	resp := getJSON(t, srv.URL+"/api/status", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !body.Enabled {
		t.Error("enabled = false")
	}
	if body.Count != 0 || len(body.Connections) != 0 {
		t.Errorf("count = %d, connections = %v, want empty", body.Count, body.Connections)
	}
}

func TestDeviceConfig_RoundTrip(t *testing.T) {
	t.Parallel()

	devices, err := config.NewDeviceStore(config.DevicesConfig{
		Dir: t.TempDir(),
		Defaults: config.DeviceConfig{
			Enabled: true,
			Volume:  config.VolumeConfig{Default: 70, Min: 0, Max: 100, Step: 10},
		},
	})
	if err != nil {
		t.Fatalf("NewDeviceStore: %v", err)
	}
	srv := newTestAPI(t, httpapi.APIConfig{WSPath: "/ws", Devices: devices})

	// First read auto-creates the defaults.
	var dc config.DeviceConfig
	resp := getJSON(t, srv.URL+"/api/config/aa:bb:cc:dd:ee:ff", &dc)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	if !dc.Enabled || dc.Volume.Default != 70 {
		t.Errorf("default config = %+v", dc)
	}

	dc.Persona = "a calm librarian"
	body, _ := json.Marshal(dc)
	post, err := http.Post(srv.URL+"/api/config/aa:bb:cc:dd:ee:ff", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", post.StatusCode)
	}

	var back config.DeviceConfig
	getJSON(t, srv.URL+"/api/config/aa:bb:cc:dd:ee:ff", &back)
	if back.Persona != "a calm librarian" {
		t.Errorf("persona after write = %q", back.Persona)
	}
}

func TestDeviceConfig_RejectsBadVolume(t *testing.T) {
	t.Parallel()

	devices, err := config.NewDeviceStore(config.DevicesConfig{
		Dir: t.TempDir(),
		Defaults: config.DeviceConfig{
			Enabled: true,
			Volume:  config.VolumeConfig{Default: 70, Min: 0, Max: 100, Step: 10},
		},
	})
	if err != nil {
		t.Fatalf("NewDeviceStore: %v", err)
	}
	srv := newTestAPI(t, httpapi.APIConfig{WSPath: "/ws", Devices: devices})

	resp, err := http.Post(srv.URL+"/api/config/aa:bb", "application/json",
		strings.NewReader(`{"enabled":true,"volume":{"default":300,"min":0,"max":100,"step":10}}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	hist := &fakeHistory{exchanges: []store.Exchange{
		{DeviceID: "aa:bb", UserText: "hi", ReplyText: "hello"},
		{DeviceID: "cc:dd", UserText: "other", ReplyText: "device"},
	}}
	srv := newTestAPI(t, httpapi.APIConfig{WSPath: "/ws", History: hist})

	var got []store.Exchange
	resp := getJSON(t, srv.URL+"/api/history/aa:bb", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(got) != 1 || got[0].UserText != "hi" {
		t.Errorf("history = %+v", got)
	}
}

func TestHistory_NotConfigured(t *testing.T) {
	t.Parallel()
	srv := newTestAPI(t, httpapi.APIConfig{WSPath: "/ws"})

	resp, err := http.Get(srv.URL + "/api/history/aa:bb")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndMetricsMounted(t *testing.T) {
	t.Parallel()
	srv := newTestAPI(t, httpapi.APIConfig{WSPath: "/ws", Health: health.New()})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
