// Package cartesia implements speech.Provider over Cartesia's streaming STT
// websocket.
package cartesia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
)

const (
	defaultBaseURL = "wss://api.cartesia.ai"
	apiVersion     = "2025-04-16"
	defaultModel   = "ink-whisper"

	defaultWriteTimeout = 5 * time.Second
)

// Options configures the provider.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	// SendBuffer is the audio queue depth per stream.
	SendBuffer int
	// WriteTimeout bounds each audio frame write. Zero means 5s.
	WriteTimeout time.Duration
}

// Provider opens Cartesia streaming STT sessions.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	sendBuffer   int
	writeTimeout time.Duration
	dialer       websocket.Dialer
}

// New creates a Cartesia provider.
func New(opts Options) *Provider {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Provider{
		apiKey:       opts.APIKey,
		baseURL:      baseURL,
		model:        model,
		sendBuffer:   opts.SendBuffer,
		writeTimeout: writeTimeout,
		dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (p *Provider) Name() string { return "cartesia" }

func (p *Provider) streamURL(cfg speech.StreamConfig) (string, error) {
	u, err := url.Parse(p.baseURL + "/stt/websocket")
	if err != nil {
		return "", fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("model", p.model)

	language := cfg.LanguageCode
	if i := strings.IndexByte(language, '-'); i > 0 {
		language = language[:i]
	}
	if language == "" {
		language = "en"
	}
	q.Set("language", strings.ToLower(language))

	encoding := strings.ToLower(cfg.Encoding)
	if encoding == "" {
		encoding = "pcm_s16le"
	}
	q.Set("encoding", encoding)

	sampleRate := cfg.SampleRateHertz
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	q.Set("min_volume", "0.01")

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OpenStream dials a new STT websocket session.
func (p *Provider) OpenStream(ctx context.Context, cfg speech.StreamConfig) (speech.Stream, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return nil, errors.New("cartesia api key is not set")
	}
	target, err := p.streamURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("X-API-Key", p.apiKey)
	headers.Set("Cartesia-Version", apiVersion)

	conn, resp, err := p.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		Pipe:         speech.NewPipe(p.sendBuffer),
		conn:         conn,
		writeTimeout: p.writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		closed:       make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

type stream struct {
	*speech.Pipe

	conn         *websocket.Conn
	writeTimeout time.Duration
	// writeErr is set before the write loop closes conn on a failed frame.
	writeErr atomic.Pointer[error]
	ctx      context.Context
	cancel   context.CancelFunc
	closed   chan struct{}
}

type sttMessage struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	IsFinal bool    `json:"is_final"`
	Error   string  `json:"error"`
	Message string  `json:"message"`
	Prob    float64 `json:"probability,omitempty"`
}

// writeLoop owns every write on conn.
func (s *stream) writeLoop() {
	defer close(s.closed)
	for {
		select {
		case <-s.Done():
			deadline := time.Now().Add(time.Second)
			_ = s.conn.SetWriteDeadline(deadline)
			_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case <-s.ctx.Done():
			return
		case frame := <-s.Frames():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				// Closing conn unblocks readLoop, which reports the failure.
				s.writeErr.Store(&err)
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *stream) readLoop() {
	defer s.cancel()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if werr := s.writeErr.Load(); werr != nil {
				s.Finish(fmt.Errorf("cartesia write: %w", *werr))
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Finish(nil)
				return
			}
			select {
			case <-s.Done():
				s.Finish(nil)
			default:
				s.Finish(fmt.Errorf("cartesia read: %w", err))
			}
			return
		}

		var msg sttMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "transcript":
			r := speech.Result{
				IsFinal:      msg.IsFinal,
				Alternatives: []speech.Alternative{{Transcript: msg.Text}},
			}
			if msg.IsFinal && msg.Prob > 0 {
				c := msg.Prob
				r.Alternatives[0].Confidence = &c
			}
			if !s.Emit(s.ctx, r) {
				s.Finish(nil)
				return
			}
		case "done":
			s.Finish(nil)
			return
		case "error":
			reason := msg.Error
			if reason == "" {
				reason = msg.Message
			}
			if reason == "" {
				reason = "cartesia stream error"
			}
			s.Finish(errors.New(reason))
			return
		}
	}
}

// Close sends "done" and closes the socket. Errors are not reported.
func (s *stream) Close() error {
	if !s.Shutdown() {
		return nil
	}
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
	}
	s.cancel()
	_ = s.conn.Close()
	return nil
}
