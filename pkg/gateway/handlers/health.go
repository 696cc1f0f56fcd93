package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-transcribe/pkg/gateway/config"
	"github.com/vango-go/vai-transcribe/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		SpeechProvider string   `json:"speech_provider"`
		TextProvider   string   `json:"textgen_provider"`
		Connections    int      `json:"connections"`
		UptimeSeconds  int64    `json:"uptime_seconds"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := h.Config.Issues()
	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		SpeechProvider: h.Config.SpeechProvider,
		TextProvider:   h.Config.TextgenProvider,
		Connections:    h.Sessions.Count(),
		UptimeSeconds:  int64(h.Lifecycle.Uptime().Seconds()),
		Issues:         issues,
	})
}
