package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maozhuey/speech-to-text-service/internal/observe"
)

// Handler returns the service's HTTP routes:
//
//	GET /ws             — WebSocket audio streaming endpoint
//	GET /api/v1/health  — service status, active connections, loaded models
//	GET /api/v1/info    — service metadata and model catalog
//	GET /metrics        — Prometheus exposition
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.metrics == nil {
		return mux
	}
	return observe.Middleware(s.metrics)(mux)
}

// healthResponse is the JSON body for /api/v1/health.
type healthResponse struct {
	Status            string   `json:"status"`
	Timestamp         int64    `json:"timestamp"`
	Service           string   `json:"service"`
	Version           string   `json:"version"`
	ActiveConnections int      `json:"active_connections"`
	MaxConnections    int      `json:"max_connections"`
	LoadedModels      []string `json:"loaded_models"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	loaded := s.cache.LoadedModels()
	if loaded == nil {
		loaded = []string{}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "healthy",
		Timestamp:         time.Now().Unix(),
		Service:           serviceName,
		Version:           Version,
		ActiveConnections: s.ActiveConnections(),
		MaxConnections:    s.cfg.Server.MaxConnections,
		LoadedModels:      loaded,
	})
}

// modelInfo describes one configured model in /api/v1/info.
type modelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Enabled     bool   `json:"enabled"`
	Default     bool   `json:"default"`
}

// audioFormat describes the expected inbound PCM format.
type audioFormat struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	Format     string `json:"format"`
}

// infoResponse is the JSON body for /api/v1/info.
type infoResponse struct {
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	MaxConnections int               `json:"max_connections"`
	AudioFormat    audioFormat       `json:"audio_format"`
	Models         []modelInfo       `json:"models"`
	Endpoints      map[string]string `json:"endpoints"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	models := make([]modelInfo, 0, len(s.cfg.Models.Available))
	for _, m := range s.cfg.Models.Available {
		models = append(models, modelInfo{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Kind:        string(m.Kind),
			Enabled:     m.IsEnabled(),
			Default:     m.ID == s.cfg.Models.Default,
		})
	}

	writeJSON(w, http.StatusOK, infoResponse{
		Name:           serviceName,
		Version:        Version,
		MaxConnections: s.cfg.Server.MaxConnections,
		AudioFormat: audioFormat{
			SampleRate: s.cfg.Audio.SampleRate,
			Channels:   1,
			BitDepth:   16,
			Format:     "PCM",
		},
		Models: models,
		Endpoints: map[string]string{
			"websocket": "/ws",
			"health":    "/api/v1/health",
			"info":      "/api/v1/info",
			"metrics":   "/metrics",
		},
	})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
