// Package httpapi serves the HTTP surface next to the device WebSocket:
// provisioning endpoints queried by device firmware before it connects, the
// device configuration API, a status view over live sessions, and the
// Prometheus metrics endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aweiler/calliope/internal/config"
	"github.com/aweiler/calliope/internal/health"
	"github.com/aweiler/calliope/internal/observe"
	"github.com/aweiler/calliope/internal/server"
	"github.com/aweiler/calliope/internal/store"
)

// FirmwareVersion is reported to devices asking for OTA updates. The server
// does not host firmware images; devices on this version stay put.
const FirmwareVersion = "1.0.0"

// legacyWSPath is the mount point older firmware builds are flashed with.
const legacyWSPath = "/xiaozhi/v1/"

// HistoryReader is the slice of the conversation log the API exposes.
type HistoryReader interface {
	Recent(ctx context.Context, deviceID string, limit int) ([]store.Exchange, error)
}

// APIConfig assembles the dependencies for [New].
type APIConfig struct {
	WSPath    string
	AuthToken string
	WSServer  http.Handler
	Registry  *server.Registry
	Devices   *config.DeviceStore
	History   HistoryReader
	Health    *health.Handler
	Metrics   *observe.Metrics
}

// API is the assembled HTTP handler.
type API struct {
	wsPath    string
	authToken string
	ws        http.Handler
	registry  *server.Registry
	devices   *config.DeviceStore
	history   HistoryReader
	router    chi.Router
}

// New builds the router. The WebSocket handler is mounted on both the
// configured path and the legacy path so re-flashed and stock firmware can
// share one server.
func New(cfg APIConfig) *API {
	a := &API{
		wsPath:    cfg.WSPath,
		authToken: cfg.AuthToken,
		ws:        cfg.WSServer,
		registry:  cfg.Registry,
		devices:   cfg.Devices,
		history:   cfg.History,
	}
	if a.wsPath == "" {
		a.wsPath = "/ws"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	r := chi.NewRouter()
	r.Use(observe.Middleware(cfg.Metrics))

	if cfg.Health != nil {
		cfg.Health.Register(r)
	}
	r.Handle("/metrics", promhttp.Handler())

	for _, path := range a.mountPaths() {
		r.HandleFunc(path, a.deviceEndpoint)
	}

	r.Get("/provision/ota", a.otaInfo)
	r.Post("/provision/ota", a.otaCheck)
	r.Post("/provision/ota/activate", a.otaCheck)

	r.Get("/api/status", a.status)
	r.Get("/api/config/{deviceID}", a.getDeviceConfig)
	r.Post("/api/config/{deviceID}", a.putDeviceConfig)
	r.Get("/api/history/{deviceID}", a.deviceHistory)

	a.router = r
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// mountPaths returns the distinct WebSocket mount points.
func (a *API) mountPaths() []string {
	paths := []string{a.wsPath}
	if strings.TrimSuffix(a.wsPath, "/") != strings.TrimSuffix(legacyWSPath, "/") {
		paths = append(paths, strings.TrimSuffix(legacyWSPath, "/"))
	}
	return paths
}

// deviceEndpoint hands upgrade requests to the WebSocket server and answers
// plain HTTP probes with a hint, which is what a device misconfigured with
// http:// instead of ws:// sees.
func (a *API) deviceEndpoint(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		a.ws.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "This endpoint speaks WebSocket. Connect to %s\n", a.wsURL(r))
}

// wsURL derives the externally visible WebSocket URL from the request.
func (a *API) wsURL(r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + a.wsPath
}

type otaResponse struct {
	ServerTime struct {
		Timestamp      int64 `json:"timestamp"`
		TimezoneOffset int   `json:"timezone_offset"`
	} `json:"server_time"`
	Firmware struct {
		Version string `json:"version"`
		URL     string `json:"url"`
	} `json:"firmware"`
	Websocket struct {
		URL     string `json:"url"`
		Token   string `json:"token"`
		Version int    `json:"version"`
	} `json:"websocket"`
}

// otaInfo answers the plain GET some firmwares issue first.
func (a *API) otaInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "OTA endpoint. Devices connect via %s\n", a.wsURL(r))
}

// otaCheck is the provisioning handshake: the device posts its state and gets
// back the current time, firmware pin, and the WebSocket endpoint to use.
func (a *API) otaCheck(w http.ResponseWriter, r *http.Request) {
	var resp otaResponse
	now := time.Now()
	resp.ServerTime.Timestamp = now.UnixMilli()
	_, offsetSec := now.Zone()
	resp.ServerTime.TimezoneOffset = offsetSec / 60
	resp.Firmware.Version = FirmwareVersion
	resp.Websocket.URL = a.wsURL(r)
	resp.Websocket.Token = a.authToken
	resp.Websocket.Version = 1

	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Enabled     bool                 `json:"enabled"`
	WSPath      string               `json:"ws_path"`
	Connections []server.SessionInfo `json:"connections"`
	Count       int                  `json:"count"`
}

func (a *API) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Enabled: true,
		WSPath:  a.wsPath,
	}
	if a.registry != nil {
		resp.Connections = a.registry.Snapshot()
		resp.Count = len(resp.Connections)
	}
	if resp.Connections == nil {
		resp.Connections = []server.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getDeviceConfig(w http.ResponseWriter, r *http.Request) {
	if a.devices == nil {
		http.Error(w, "device store not configured", http.StatusNotFound)
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	dc, err := a.devices.Get(deviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dc)
}

func (a *API) putDeviceConfig(w http.ResponseWriter, r *http.Request) {
	if a.devices == nil {
		http.Error(w, "device store not configured", http.StatusNotFound)
		return
	}
	deviceID := chi.URLParam(r, "deviceID")

	var dc config.DeviceConfig
	if err := json.NewDecoder(r.Body).Decode(&dc); err != nil {
		http.Error(w, "invalid device config: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.devices.Put(deviceID, dc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, dc)
}

func (a *API) deviceHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		http.Error(w, "conversation log not configured", http.StatusNotFound)
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	exchanges, err := a.history.Recent(r.Context(), deviceID, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, exchanges)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
