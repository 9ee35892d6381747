package api

import (
	"net/http"
	"time"

	"nemtdispatch/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	c := s.Config
	storage := "memory"
	switch {
	case c.Storage.DatabaseURL != "":
		storage = "postgres"
	case c.Storage.SQLitePath != "":
		storage = "sqlite"
	}
	authMode := ""
	if s.Auth != nil {
		authMode = s.Auth.Mode
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"addr":            c.Server.Addr,
			"authMode":        authMode,
			"dispatchEnabled": c.Dispatch.Enabled,
			"shadowMode":      c.Dispatch.ShadowMode,
			"algorithm":       c.Solver.Algorithm,
			"storage":         storage,
			"hasRedisUrl":     c.Storage.RedisURL != "",
			"hasLiveEndpoint": c.LiveDispatch.WebhookURL != "",
			"rateRps":         c.Server.RateRPS,
			"rateBurst":       c.Server.RateBurst,
			"webhookAttempts": c.LiveDispatch.MaxAttempts,
		},
	})
}
