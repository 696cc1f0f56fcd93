package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
	"github.com/vango-go/vai-transcribe/pkg/core/textgen"
	"github.com/vango-go/vai-transcribe/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		WSPath:             "/api/transcribe",
		MaxMessageBytes:    512 * 1024,
		MaxAudioFrameBytes: 256 * 1024,
		MaxContextChars:    50000,
		MaxQuestionChars:   1000,
		RestartAfter:       time.Minute,
		RestartDelay:       10 * time.Millisecond,
		MaxBackoff:         20 * time.Millisecond,
		SpeechProvider:     config.SpeechGoogle,
		SpeechEncoding:     "WEBM_OPUS",
		SpeechLanguage:     "en-US",
		SpeechSampleRateHz: 48000,
		TextgenProvider:    config.TextgenGemini,
		TextgenAPIKey:      "test",
		WSPingInterval:     time.Minute,
		WSWriteTimeout:     time.Second,
		WSOutboundQueue:    16,
		MetricsEnabled:     true,
	}
}

func testProviders() Providers {
	return Providers{
		Speech:    speech.Unavailable{Provider: "google"},
		Generator: textgen.Unavailable{Provider: "gemini"},
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := New(testConfig(), testProviders(), logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.CancelSessions()
		ts.Close()
	})
	return s, ts
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := New(testConfig(), testProviders(), logger)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestServer_HealthAndMetricsRoutes(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := New(testConfig(), testProviders(), logger)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%q", path, rr.Code, rr.Body.String())
		}
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /healthz status=%d", rr.Code)
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	s := New(cfg, testProviders(), slog.New(slog.NewJSONHandler(io.Discard, nil)))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rr.Code)
	}
}

func TestServer_DrainingFailsReadinessAndUpgrades(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetDraining()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d, want 503", resp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/transcribe"
	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected upgrade refusal while draining")
	}
	if wsResp == nil || wsResp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("upgrade resp=%v", wsResp)
	}
}

func TestServer_ShutdownSequence(t *testing.T) {
	s, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/transcribe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The unavailable provider reports its open failure first.
	if msg := readEvent(t, conn); msg["type"] != "error" || !strings.HasPrefix(msg["message"].(string), "Failed to start transcription: ") {
		t.Fatalf("first event=%v", msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.ActiveSessions() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection never registered")
		}
		time.Sleep(time.Millisecond)
	}

	s.SetDraining()
	if n := s.NotifySessionsDraining(); n != 1 {
		t.Fatalf("notified=%d, want 1", n)
	}
	if msg := readEvent(t, conn); msg["message"] != "Server is shutting down" {
		t.Fatalf("shutdown event=%v", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if s.WaitSessions(ctx) {
		t.Fatalf("WaitSessions returned true with an open connection")
	}
	if n := s.CancelSessions(); n != 1 {
		t.Fatalf("canceled=%d, want 1", n)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if !s.WaitSessions(waitCtx) {
		t.Fatalf("sessions did not finish after cancel")
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return out
}
