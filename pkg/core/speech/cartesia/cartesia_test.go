package cartesia

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
)

type sttServer struct {
	*httptest.Server
	queries chan url.Values
	frames  chan []byte
	gotDone chan struct{}
}

func newSTTServer(t *testing.T) *sttServer {
	t.Helper()
	s := &sttServer{
		queries: make(chan url.Values, 1),
		frames:  make(chan []byte, 8),
		gotDone: make(chan struct{}, 1),
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stt/websocket" || r.Header.Get("X-API-Key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && string(data) == "done" {
				s.gotDone <- struct{}{}
				_ = conn.WriteJSON(map[string]any{"type": "done"})
				continue
			}
			s.frames <- data
			_ = conn.WriteJSON(map[string]any{"type": "transcript", "text": "hel", "is_final": false})
			_ = conn.WriteJSON(map[string]any{"type": "transcript", "text": "hello", "is_final": true, "probability": 0.9})
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func TestStreamRoundTrip(t *testing.T) {
	srv := newSTTServer(t)
	p := New(Options{APIKey: "test-key", BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")})

	cfg := speech.StreamConfig{Encoding: "PCM_S16LE", SampleRateHertz: 16000, LanguageCode: "en-US"}
	s, err := p.OpenStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	q := <-srv.queries
	if q.Get("language") != "en" || q.Get("encoding") != "pcm_s16le" || q.Get("sample_rate") != "16000" || q.Get("model") != defaultModel {
		t.Fatalf("query=%v", q)
	}

	if err := s.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case frame := <-srv.frames:
		if len(frame) != 3 {
			t.Fatalf("frame len=%d, want 3", len(frame))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for audio frame")
	}

	var got []speech.Result
	for len(got) < 2 {
		select {
		case r := <-s.Results():
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transcripts")
		}
	}
	if got[0].IsFinal || got[0].Alternatives[0].Transcript != "hel" {
		t.Fatalf("interim=%+v", got[0])
	}
	if !got[1].IsFinal || got[1].Alternatives[0].Confidence == nil || *got[1].Alternatives[0].Confidence != 0.9 {
		t.Fatalf("final=%+v", got[1])
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-srv.gotDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received done")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenStreamRequiresAPIKey(t *testing.T) {
	if _, err := New(Options{}).OpenStream(context.Background(), speech.DefaultStreamConfig()); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestOpenStreamReportsHandshakeStatus(t *testing.T) {
	srv := newSTTServer(t)
	p := New(Options{APIKey: "wrong", BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	_, err := p.OpenStream(context.Background(), speech.DefaultStreamConfig())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err=%v, want status 401", err)
	}
}

func TestStalledUpstreamFailsStreamAfterWriteTimeout(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never read, so the client's socket buffers fill up.
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	p := New(Options{
		APIKey:       "test-key",
		BaseURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		SendBuffer:   4,
		WriteTimeout: 100 * time.Millisecond,
	})
	s, err := p.OpenStream(context.Background(), speech.DefaultStreamConfig())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer s.Close()

	frame := make([]byte, 1<<20)
	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-s.Results():
			if ok {
				continue
			}
			if err := s.Err(); err == nil || !strings.Contains(err.Error(), "cartesia write") {
				t.Fatalf("Err=%v, want write failure", err)
			}
			start := time.Now()
			_ = s.Close()
			if d := time.Since(start); d > time.Second {
				t.Fatalf("Close took %v after write failure", d)
			}
			return
		case <-deadline:
			t.Fatal("stream never failed while upstream stalled")
		default:
			_ = s.Write(frame)
			time.Sleep(time.Millisecond)
		}
	}
}
