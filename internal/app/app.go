// Package app wires the Calliope subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is canceled, and Shutdown tears
// everything down in order.
//
// Providers (speech recognition, inference, synthesis) are constructed by
// main via the config registry and passed in; App owns everything it creates
// itself (conversation store, device config store, media player, HTTP
// server).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aweiler/calliope/internal/config"
	"github.com/aweiler/calliope/internal/health"
	"github.com/aweiler/calliope/internal/httpapi"
	"github.com/aweiler/calliope/internal/media"
	"github.com/aweiler/calliope/internal/observe"
	"github.com/aweiler/calliope/internal/server"
	"github.com/aweiler/calliope/internal/store"
	"github.com/aweiler/calliope/pkg/events"
	"github.com/aweiler/calliope/pkg/infer"
	"github.com/aweiler/calliope/pkg/recog"
	"github.com/aweiler/calliope/pkg/synth"
)

// shutdownGrace bounds how long Run waits for in-flight HTTP requests when
// the context is canceled.
const shutdownGrace = 10 * time.Second

// Providers holds the three pipeline stages. All are required; main
// constructs them from the configured provider entries.
type Providers struct {
	STT recog.Engine
	LLM infer.Engine
	TTS synth.Synthesizer
}

// closer is one teardown step with a name for error reporting.
type closer struct {
	name  string
	close func(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	store    *store.Store
	devices  *config.DeviceStore
	player   *media.Player
	searcher *media.Searcher
	srv      *server.Server
	httpSrv  *http.Server

	sink    events.Sink
	metrics *observe.Metrics

	closers  []closer
	stopOnce sync.Once
}

// Option customises construction, mainly to inject test doubles.
type Option func(*App)

// WithConversationStore injects a pre-built conversation log, bypassing the
// DSN-based setup. The App does not close an injected store.
func WithConversationStore(s *store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDeviceStore injects a pre-built device configuration store.
func WithDeviceStore(d *config.DeviceStore) Option {
	return func(a *App) { a.devices = d }
}

// WithEventSink routes session lifecycle events to sink.
func WithEventSink(s events.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New assembles the application from cfg and providers. All subsystems are
// created here; nothing listens until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: speech recognition provider is required")
	}
	if providers.LLM == nil {
		return nil, errors.New("app: inference provider is required")
	}
	if providers.TTS == nil {
		return nil, errors.New("app: synthesis provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}

	// 1. Conversation log (optional, by DSN).
	if a.store == nil && cfg.Store.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: conversation store: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, closer{"store", func(context.Context) error {
			st.Close()
			return nil
		}})
	}

	// 2. Per-device configuration.
	if a.devices == nil {
		devices, err := config.NewDeviceStore(cfg.Devices)
		if err != nil {
			a.closeAll(ctx)
			return nil, fmt.Errorf("app: device store: %w", err)
		}
		a.devices = devices
	}

	// 3. Media playback and song search.
	a.player = media.NewPlayer(media.PlayerConfig{
		FFmpegPath: cfg.Media.FFmpegPath,
		Log:        a.log,
	})
	if cfg.Media.SearchURL != "" {
		searcher, err := media.NewSearcher(cfg.Media.SearchURL, cfg.Media.SearchAPIKey, nil)
		if err != nil {
			a.closeAll(ctx)
			return nil, fmt.Errorf("app: song search: %w", err)
		}
		a.searcher = searcher
	}

	// 4. Conversation orchestrator. The store interface is nil-tolerant but
	// a typed-nil *store.Store is not, hence the indirection.
	var convStore server.ConversationStore
	if a.store != nil {
		convStore = a.store
	}
	orch := server.NewOrchestrator(server.OrchestratorConfig{
		LLM:     providers.LLM,
		TTS:     providers.TTS,
		Devices: a.devices,
		Store:   convStore,
		Metrics: a.metrics,
		Log:     a.log,
		Voice:   ttsVoice(cfg.Providers.TTS),
	})

	// 5. Device WebSocket server.
	a.srv = server.NewServer(server.ServerConfig{
		Recognizer: providers.STT,
		Orch:       orch,
		Player:     a.player,
		Sink:       a.sink,
		Metrics:    a.metrics,
		AuthToken:  cfg.Server.AuthToken,
		Log:        a.log,
	})

	// 6. HTTP surface: provisioning, config API, status, health, metrics.
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "store", Check: a.store.Ping})
	}
	api := httpapi.New(httpapi.APIConfig{
		WSPath:    cfg.Server.WebsocketPath,
		AuthToken: cfg.Server.AuthToken,
		WSServer:  a.srv,
		Registry:  a.srv.Registry(),
		Devices:   a.devices,
		History:   historyReader(a.store),
		Health:    health.New(checkers...),
		Metrics:   a.metrics,
	})
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Run serves HTTP and pumps recognizer events until ctx is canceled or a
// subsystem fails. It returns nil on a clean context-driven stop.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.srv.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		a.log.Info("listening", "addr", a.httpSrv.Addr, "ws_path", a.cfg.Server.WebsocketPath)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.httpSrv.Shutdown(shCtx)
	})

	return g.Wait()
}

// Shutdown tears down subsystems created in New. It is idempotent and
// respects the deadline on ctx: once the deadline passes, remaining closers
// are skipped and a deadline error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		err = a.closeAll(ctx)
	})
	return err
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("app: shutdown interrupted before %s: %w", c.name, ctx.Err()))
			break
		}
		if cerr := c.close(ctx); cerr != nil {
			errs = append(errs, fmt.Errorf("app: close %s: %w", c.name, cerr))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Actor returns a host-facing handle for sending commands, emotions, text,
// and media to the given device. The handle stays valid across reconnects.
func (a *App) Actor(deviceID string) *server.DeviceActor {
	return a.srv.Actor(deviceID)
}

// Searcher returns the song search client, or nil when search is not
// configured.
func (a *App) Searcher() *media.Searcher { return a.searcher }

// Handler exposes the full HTTP surface, for serving through a custom
// listener or in tests.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// historyReader adapts the optional store to the API's interface without
// handing it a typed-nil.
func historyReader(s *store.Store) httpapi.HistoryReader {
	if s == nil {
		return nil
	}
	return s
}

// ttsVoice pulls the optional voice name out of the synthesis provider's
// free-form options.
func ttsVoice(entry config.ProviderEntry) string {
	if v, ok := entry.Options["voice"].(string); ok {
		return v
	}
	return ""
}
