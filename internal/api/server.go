// Package api exposes the daemon's control surface over HTTP: device
// inventory, output configuration and a live preview of the frame bus.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/broadify/bridge/internal/config"
	"github.com/broadify/bridge/internal/device"
	"github.com/broadify/bridge/internal/helper"
	"github.com/broadify/bridge/internal/logger"
	"github.com/broadify/bridge/internal/output"
)

// Server is the HTTP API server.
type Server struct {
	router   *mux.Router
	cache    *device.Cache
	orch     *output.Orchestrator
	cfgMgr   *config.Manager
	version  string
	upgrader websocket.Upgrader
	log      zerolog.Logger

	// configMu serializes output reconfiguration; the orchestrator
	// documents that callers must not run ConfigureOutput concurrently.
	configMu sync.Mutex

	httpSrv *http.Server
}

// NewServer wires the API around the device cache and the orchestrator.
func NewServer(cache *device.Cache, orch *output.Orchestrator, cfgMgr *config.Manager, version string) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		cache:   cache,
		orch:    orch,
		cfgMgr:  cfgMgr,
		version: version,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // localhost tooling, any origin may connect
			},
		},
		log: *logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/devices", s.handleDevices).Methods("GET")
	api.HandleFunc("/devices/stream", s.handleDeviceStream)

	api.HandleFunc("/output", s.handleOutputStatus).Methods("GET")
	api.HandleFunc("/output", s.handleOutputConfigure).Methods("POST")
	api.HandleFunc("/output", s.handleOutputTeardown).Methods("DELETE")

	api.HandleFunc("/preview.mjpeg", s.handlePreview).Methods("GET")

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the full middleware-wrapped handler, for tests and
// embedding.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves until Shutdown.
func (s *Server) Start(port int) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	s.log.Info().Int("port", port).Msg("API server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}

// deviceEntry is a cached device plus its derived addressable ports.
type deviceEntry struct {
	helper.Device
	Ports []device.Port `json:"ports"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.cache.Devices()
	entries := make([]deviceEntry, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, deviceEntry{Device: d, Ports: device.PortsOf(d)})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// streamEvent is one websocket frame on /api/devices/stream, shaped like
// the helper wire events so clients parse one schema.
type streamEvent struct {
	Type    string          `json:"type"`
	Devices []helper.Device `json:"devices,omitempty"`
	Device  *helper.Device  `json:"device,omitempty"`
}

func (s *Server) handleDeviceStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	changes := s.cache.Subscribe()
	defer s.cache.Unsubscribe(changes)

	// Full snapshot first, then deltas.
	if err := conn.WriteJSON(streamEvent{Type: "devices", Devices: s.cache.Devices()}); err != nil {
		return
	}

	// Reads only serve to notice the peer going away.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			ev := streamEvent{Type: "device_added", Device: &change.Device}
			if change.Kind == device.Removed {
				ev.Type = "device_removed"
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-disconnected:
			return
		}
	}
}

func (s *Server) handleOutputStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.Status())
}

// configureRequest is the POST /api/output body.
type configureRequest struct {
	Target output.Target `json:"target"`
	Format output.Format `json:"format"`
}

func (s *Server) handleOutputConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.configMu.Lock()
	err := s.orch.ConfigureOutput(r.Context(), req.Target, req.Format)
	s.configMu.Unlock()

	if err != nil {
		var ce *output.ConfigError
		if errors.As(err, &ce) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{
				"error": ce.Error(),
				"stage": string(ce.Stage),
			})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.Status())
}

func (s *Server) handleOutputTeardown(w http.ResponseWriter, r *http.Request) {
	s.configMu.Lock()
	s.orch.Teardown()
	s.configMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Broadify Bridge</title>
    <style>
        body { font-family: -apple-system, sans-serif; max-width: 700px; margin: 50px auto; padding: 20px; }
        code { background: #f5f5f5; padding: 2px 6px; border-radius: 3px; }
        li { margin: 6px 0; }
    </style>
</head>
<body>
    <h1>Broadify Bridge</h1>
    <p>Hardware video output daemon.</p>
    <ul>
        <li><a href="/api/health">/api/health</a></li>
        <li><a href="/api/devices">/api/devices</a></li>
        <li><code>ws://…/api/devices/stream</code> — hotplug events</li>
        <li><a href="/api/output">/api/output</a> — active output status</li>
        <li><a href="/api/preview.mjpeg">/api/preview.mjpeg</a> — live preview</li>
    </ul>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
