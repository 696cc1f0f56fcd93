package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-transcribe/pkg/gateway/config"
	"github.com/vango-go/vai-transcribe/pkg/gateway/lifecycle"
)

func readyConfig() config.Config {
	return config.Config{
		SpeechProvider:  config.SpeechGoogle,
		TextgenProvider: config.TextgenGemini,
		TextgenAPIKey:   "test-key",
	}
}

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	h := ReadyHandler{Config: readyConfig(), Lifecycle: lifecycle.New()}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, body=%s", rr.Body.String())
	}
	if resp["speech_provider"] != "google" {
		t.Fatalf("speech_provider=%v", resp["speech_provider"])
	}
	if up, ok := resp["uptime_seconds"].(float64); !ok || up < 0 {
		t.Fatalf("uptime_seconds=%v", resp["uptime_seconds"])
	}
}

func TestReadyHandler_MissingKey_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.TextgenAPIKey = ""
	h := ReadyHandler{Config: cfg}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK || len(resp.Issues) != 1 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	lc := lifecycle.New()
	lc.SetDraining(true)
	h := ReadyHandler{Config: readyConfig(), Lifecycle: lc}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
}
