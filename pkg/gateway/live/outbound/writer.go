// Package outbound serializes every write to one client websocket.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send once the writer has stopped.
var ErrClosed = errors.New("outbound: writer closed")

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultQueueSize    = 256
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Config tunes a Writer. Zero values use defaults.
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	QueueSize    int
}

// Sender is the write side shared by a connection's producers.
type Sender interface {
	Send(ctx context.Context, v any) error
}

// Writer owns ws writes. Each Send produces exactly one text message, so
// events from concurrent producers never interleave on the wire.
type Writer struct {
	ws    wsWriter
	cfg   Config
	queue chan []byte
	done  chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

// New returns a Writer for ws. Run must be called to start writing.
func New(ws wsWriter, cfg Config) *Writer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Writer{
		ws:    ws,
		cfg:   cfg,
		queue: make(chan []byte, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// Send marshals v and queues it, waiting for queue space if needed.
func (w *Writer) Send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.queue <- payload:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err reports the write error that stopped the writer, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Run writes queued events and keepalive pings until ctx ends or a write
// fails. On ctx end, already-queued events are flushed briefly before the
// close frame is sent.
func (w *Writer) Run(ctx context.Context) error {
	err := w.run(ctx)
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	return err
}

func (w *Writer) run(ctx context.Context) error {
	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushOnShutdown()
			_ = w.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.cfg.WriteTimeout))
			_ = w.ws.Close()
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				return err
			}
		case payload := <-w.queue:
			if err := w.write(payload); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) flushOnShutdown() {
	flushTimeout := 100 * time.Millisecond
	if w.cfg.WriteTimeout < flushTimeout {
		flushTimeout = w.cfg.WriteTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for time.Now().Before(deadline) {
		select {
		case payload := <-w.queue:
			if err := w.write(payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *Writer) write(payload []byte) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}
