package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type recordTarget struct {
	began    atomic.Bool
	finished chan struct{}
	pcm      atomic.Int64
}

func newRecordTarget() *recordTarget {
	return &recordTarget{finished: make(chan struct{})}
}

func (t *recordTarget) BeginMedia() error { t.began.Store(true); return nil }

func (t *recordTarget) PushPCM(pcm []byte) { t.pcm.Add(int64(len(pcm))) }

func (t *recordTarget) FinishMedia(context.Context) error {
	close(t.finished)
	return nil
}

func audioServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := make([]byte, minAudioBytes+512)
	copy(body, "ID3")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPlayer_Play_StreamsAndFinishes(t *testing.T) {
	t.Parallel()

	srv := audioServer(t)
	// "true" exits immediately with no output, standing in for the real
	// transcoder so the test does not depend on ffmpeg being installed.
	p := NewPlayer(PlayerConfig{FFmpegPath: "true", HTTPClient: srv.Client()})

	target := newRecordTarget()
	if err := p.Play(context.Background(), "aa:bb", target, srv.URL); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if !target.began.Load() {
		t.Error("Play() returned without claiming the stream")
	}

	select {
	case <-target.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was never finished")
	}
}

func TestPlayer_Play_Debounces(t *testing.T) {
	t.Parallel()

	srv := audioServer(t)
	p := NewPlayer(PlayerConfig{FFmpegPath: "true", HTTPClient: srv.Client()})

	first := newRecordTarget()
	if err := p.Play(context.Background(), "cc:dd", first, srv.URL); err != nil {
		t.Fatalf("first Play() error = %v", err)
	}
	err := p.Play(context.Background(), "cc:dd", newRecordTarget(), srv.URL)
	if !errors.Is(err, ErrDebounced) {
		t.Fatalf("second Play() error = %v, want ErrDebounced", err)
	}

	// A different device is not affected by the first device's window.
	other := newRecordTarget()
	if err := p.Play(context.Background(), "ee:ff", other, srv.URL); err != nil {
		t.Fatalf("Play() for second device error = %v", err)
	}

	<-first.finished
	<-other.finished
}

func TestPlayer_Play_RejectsErrorPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>not found</body></html>"))
	}))
	t.Cleanup(srv.Close)

	p := NewPlayer(PlayerConfig{FFmpegPath: "true", HTTPClient: srv.Client()})
	target := newRecordTarget()
	if err := p.Play(context.Background(), "11:22", target, srv.URL); err == nil {
		t.Fatal("Play() = nil error for an HTML body, want error")
	}
	if target.began.Load() {
		t.Error("stream was claimed despite failed validation")
	}
}

func TestPlayer_Play_RejectsNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	p := NewPlayer(PlayerConfig{FFmpegPath: "true", HTTPClient: srv.Client()})
	if err := p.Play(context.Background(), "33:44", newRecordTarget(), srv.URL); err == nil {
		t.Fatal("Play() = nil error for status 403, want error")
	}
}

func TestPlayer_SendsBrowserHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotReferer string
	body := make([]byte, minAudioBytes)
	copy(body, "ID3")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	p := NewPlayer(PlayerConfig{FFmpegPath: "true", HTTPClient: srv.Client()})
	target := newRecordTarget()
	if err := p.Play(context.Background(), "55:66", target, srv.URL); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	<-target.finished

	if gotUA != browserUA {
		t.Errorf("User-Agent = %q, want the browser UA", gotUA)
	}
	if gotReferer != srv.URL+"/" {
		t.Errorf("Referer = %q, want %q", gotReferer, srv.URL+"/")
	}
}
