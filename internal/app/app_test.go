package app_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aweiler/calliope/internal/app"
	"github.com/aweiler/calliope/internal/config"
	infermock "github.com/aweiler/calliope/pkg/infer/mock"
	recogmock "github.com/aweiler/calliope/pkg/recog/mock"
	synthmock "github.com/aweiler/calliope/pkg/synth/mock"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:    "127.0.0.1:0",
			WebsocketPath: "/ws",
		},
		Devices: config.DevicesConfig{
			Dir: t.TempDir(),
			Defaults: config.DeviceConfig{
				Enabled: true,
				Volume:  config.VolumeConfig{Default: 70, Min: 0, Max: 100, Step: 10},
			},
		},
		Media: config.MediaConfig{FFmpegPath: "true"},
	}
}

func testProviders() *app.Providers {
	return &app.Providers{
		STT: recogmock.New(),
		LLM: &infermock.Engine{},
		TTS: &synthmock.Synthesizer{},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, testProviders(),
		app.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	cases := []struct {
		name      string
		providers *app.Providers
		wantSub   string
	}{
		{"nil providers", nil, "recognition"},
		{"missing stt", &app.Providers{LLM: &infermock.Engine{}, TTS: &synthmock.Synthesizer{}}, "recognition"},
		{"missing llm", &app.Providers{STT: recogmock.New(), TTS: &synthmock.Synthesizer{}}, "inference"},
		{"missing tts", &app.Providers{STT: recogmock.New(), LLM: &infermock.Engine{}}, "synthesis"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := app.New(context.Background(), cfg, tc.providers)
			if err == nil {
				t.Fatal("New succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error = %q, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestNew_WiresHTTPSurface(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/api/status"} {
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

func TestNew_SearcherOptional(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	if a.Searcher() != nil {
		t.Error("Searcher() != nil without search_url")
	}

	cfg := testConfig(t)
	cfg.Media.SearchURL = "http://search.example"
	b := newTestApp(t, cfg)
	if b.Searcher() == nil {
		t.Error("Searcher() == nil with search_url set")
	}
}

func TestActor_OfflineDevice(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))

	actor := a.Actor("aa:bb:cc:dd:ee:ff")
	if actor == nil {
		t.Fatal("Actor returned nil")
	}
	if err := actor.Display("hi"); err == nil {
		t.Error("Display to offline device succeeded, want error")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the listener a moment to come up before stopping it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, testConfig(t))

	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
