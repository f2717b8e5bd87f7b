package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"pastebox/svc/util"
)

type CacheHealth struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

type HealthResponse struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Cache     CacheHealth `json:"cache"`
}

type ReadyResponse struct {
	Ready        bool   `json:"ready"`
	Degraded     bool   `json:"degraded"`
	Database     string `json:"database"`
	Cache        string `json:"cache"`
	CachedPastes *int   `json:"cachedPastes,omitempty"`
}

// Health is a liveness probe; it never touches the store.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	enabled, connected := s.paste.CacheStatus()
	json.NewEncoder(w).Encode(HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Cache:     CacheHealth{Enabled: enabled, Connected: connected},
	})
}

// Ready fails only when the store is unreachable. A missing or broken
// cache marks the service degraded but still ready.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	resp := ReadyResponse{
		Ready:    true,
		Database: "up",
		Cache:    "up",
	}
	if err := s.paste.Ping(ctx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Ready = false
	}
	switch enabled, connected := s.paste.CacheStatus(); {
	case !enabled:
		resp.Cache = "disabled"
	case !connected:
		resp.Cache = "down"
		resp.Degraded = true
	default:
		if n, ok := s.paste.CachedPastes(ctx); ok {
			resp.CachedPastes = &n
		}
	}
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
