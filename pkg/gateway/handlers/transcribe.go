package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-transcribe/pkg/core"
	"github.com/vango-go/vai-transcribe/pkg/core/speech"
	"github.com/vango-go/vai-transcribe/pkg/core/textgen"
	"github.com/vango-go/vai-transcribe/pkg/gateway/config"
	"github.com/vango-go/vai-transcribe/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/answer"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/outbound"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/session"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-transcribe/pkg/gateway/metrics"
	"github.com/vango-go/vai-transcribe/pkg/gateway/mw"
)

// Messages over the message limit are drained and answered with an error
// event, but only up to this multiple of the limit. Past it the websocket
// read limit closes the connection with 1009, a hard cap on how much one
// message can make the relay read.
const hardReadLimitFactor = 8

const notifyTimeout = time.Second

// Rejection reasons recorded in metrics.
const (
	rejectMessageTooLarge = "message_too_large"
	rejectFrameTooLarge   = "audio_frame_too_large"
	rejectRateLimited     = "audio_rate_limited"
)

// TranscribeHandler handles the transcription websocket. Each connection gets
// one recognition session and any number of answer tasks, all writing through
// one outbound writer.
type TranscribeHandler struct {
	Config    config.Config
	Speech    speech.Provider
	Generator textgen.Generator
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker

	// Now is used by the inbound audio limiter. Nil means time.Now.
	Now func() time.Time
}

func (h TranscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, http.StatusMethodNotAllowed, core.NewInvalidRequestError("method not allowed", "method_not_allowed").WithRequestID(reqID))
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		h.Metrics.Rejected("draining")
		mw.WriteJSONError(w, http.StatusServiceUnavailable, core.NewOverloadedError("server is draining", "draining").WithRequestID(reqID))
		return
	}
	if !h.originAllowed(r) {
		h.Metrics.Rejected("origin")
		mw.WriteJSONError(w, http.StatusForbidden, core.NewPermissionError("origin is not allowed", "Origin").WithRequestID(reqID))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.serve(r.Context(), conn, reqID)
}

func (h TranscribeHandler) serve(parent context.Context, conn *websocket.Conn, reqID string) {
	startAt := time.Now()
	sessionID := uuid.NewString()
	logger := h.logger().With("session_id", sessionID, "request_id", reqID)

	h.Metrics.ConnectionOpened()
	defer h.Metrics.ConnectionClosed(startAt)

	maxMessage := h.Config.MaxMessageBytes
	if maxMessage > 0 {
		conn.SetReadLimit(maxMessage * hardReadLimitFactor)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	out := outbound.New(conn, outbound.Config{
		PingInterval: h.Config.WSPingInterval,
		WriteTimeout: h.Config.WSWriteTimeout,
		QueueSize:    h.Config.WSOutboundQueue,
	})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = out.Run(ctx)
		if err := out.Err(); err != nil {
			logger.Debug("outbound writer stopped", "error", err)
			cancel()
			_ = conn.Close()
		}
	}()

	sess, err := session.New(ctx, session.Config{
		Stream: speech.StreamConfig{
			Encoding:             h.Config.SpeechEncoding,
			SampleRateHertz:      h.Config.SpeechSampleRateHz,
			LanguageCode:         h.Config.SpeechLanguage,
			Model:                h.Config.SpeechModel,
			AutomaticPunctuation: h.Config.SpeechPunctuation,
			InterimResults:       true,
		},
		RestartAfter: h.Config.RestartAfter,
		RestartDelay: h.Config.RestartDelay,
		MaxBackoff:   h.Config.MaxBackoff,
	}, session.Dependencies{
		Provider: h.speechProvider(),
		Out:      out,
		Logger:   logger,
		Recorder: h.Metrics,
	})
	if err != nil {
		logger.Error("failed to create recognition session", "error", err)
		cancel()
		<-writerDone
		return
	}

	runner := answer.New(answer.Dependencies{
		Generator: h.Generator,
		Out:       out,
		Limits: protocol.Limits{
			MaxContextChars:  h.Config.MaxContextChars,
			MaxQuestionChars: h.Config.MaxQuestionChars,
		},
		Logger:   logger,
		Recorder: h.Metrics,
	})

	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		Cancel: cancel,
		Notify: func(message string) error {
			nctx, ncancel := context.WithTimeout(ctx, notifyTimeout)
			defer ncancel()
			return out.Send(nctx, protocol.NewError(message))
		},
	})

	logger.Info("client connected")
	sess.Start()

	err = h.readLoop(ctx, conn, sess, runner, out, logger)
	switch {
	case err == nil, ctx.Err() != nil:
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
	default:
		logger.Debug("read loop ended", "error", err)
	}

	sess.Stop()
	cancel()
	runner.Wait()
	<-writerDone
	unregister()

	final, _ := sess.Transcript()
	logger.Info("client disconnected", "duration", time.Since(startAt).Round(time.Millisecond), "transcript_chars", len(final))
}

// readLoop processes inbound messages strictly in arrival order until the
// connection fails or ctx ends.
func (h TranscribeHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, runner *answer.Runner, out outbound.Sender, logger *slog.Logger) error {
	if h.Config.WSReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.Config.WSReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(h.Config.WSReadTimeout))
		})
	}

	limiter := newAudioLimiter(h.Now, h.Config.AudioFPS, h.Config.AudioBPS, h.Config.AudioBurstSeconds)
	maxFrame := h.Config.MaxAudioFrameBytes

	for {
		if ctx.Err() != nil {
			return nil
		}
		data, tooLarge, err := h.readMessage(conn)
		if err != nil {
			return err
		}
		if h.Config.WSReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(h.Config.WSReadTimeout))
		}
		if tooLarge {
			logger.Warn("rejected oversized message", "max", h.Config.MaxMessageBytes)
			h.Metrics.Rejected(rejectMessageTooLarge)
			_ = out.Send(ctx, protocol.NewError(protocol.MsgMessageTooLarge))
			continue
		}

		frame := protocol.Classify(data)
		if frame.Kind == protocol.FrameControl {
			runner.Dispatch(ctx, *frame.Control)
			continue
		}

		if maxFrame > 0 && len(frame.Audio) > maxFrame {
			logger.Warn("dropped oversized audio frame", "bytes", len(frame.Audio), "max", maxFrame)
			h.Metrics.Rejected(rejectFrameTooLarge)
			continue
		}
		if !limiter.Allow(len(frame.Audio)) {
			h.Metrics.Rejected(rejectRateLimited)
			continue
		}
		outcome := sess.WriteAudio(frame.Audio)
		h.Metrics.AudioFrame(outcome.String(), len(frame.Audio), outcome == session.Forwarded)
	}
}

// readMessage reads one message of either type. Messages above the
// configured limit are drained and reported as tooLarge.
func (h TranscribeHandler) readMessage(conn *websocket.Conn) (data []byte, tooLarge bool, err error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, false, err
	}
	limit := h.Config.MaxMessageBytes
	if limit <= 0 {
		data, err = io.ReadAll(r)
		return data, false, err
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if n > limit {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, true, err
		}
		return nil, true, nil
	}
	return buf.Bytes(), false, nil
}

func (h TranscribeHandler) originAllowed(r *http.Request) bool {
	if len(h.Config.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}

func (h TranscribeHandler) speechProvider() speech.Provider {
	if h.Speech != nil {
		return h.Speech
	}
	return speech.Unavailable{Provider: h.Config.SpeechProvider, Err: errors.New("speech provider is not configured")}
}

func (h TranscribeHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
