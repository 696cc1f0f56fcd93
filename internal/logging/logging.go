// Package logging builds the process logger. Components log through
// log/slog; the handler behind it is charmbracelet/log.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json|logfmt
	Writer io.Writer

	// Prefix is shown before every text line. Optional.
	Prefix string
}

// New returns a slog.Logger backed by a charm logger.
func New(opts Options) (*slog.Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level := log.InfoLevel
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		parsed, err := log.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", raw, err)
		}
		level = parsed
	}

	charmOpts := log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          opts.Prefix,
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		charmOpts.Formatter = log.TextFormatter
	case "json":
		charmOpts.Formatter = log.JSONFormatter
	case "logfmt":
		charmOpts.Formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	return slog.New(&handler{logger: log.NewWithOptions(w, charmOpts)}), nil
}

// handler feeds slog records to the charm logger with attribute values
// resolved to their Go values, so JSON output keeps numbers and bools typed.
type handler struct {
	logger *log.Logger
	attrs  []any
	group  string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.GetLevel() <= log.Level(level)
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	keyvals := make([]any, 0, len(h.attrs)+2*r.NumAttrs())
	keyvals = append(keyvals, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		keyvals = appendAttr(keyvals, h.group, a)
		return true
	})
	h.logger.Log(log.Level(r.Level), r.Message, keyvals...)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]any(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = appendAttr(next.attrs, h.group, a)
	}
	return &next
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = joinKey(h.group, name)
	return &next
}

func appendAttr(keyvals []any, group string, a slog.Attr) []any {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		prefix := joinKey(group, a.Key)
		for _, ga := range v.Group() {
			keyvals = appendAttr(keyvals, prefix, ga)
		}
		return keyvals
	}
	if a.Key == "" {
		return keyvals
	}
	return append(keyvals, joinKey(group, a.Key), v.Any())
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	if key == "" {
		return group
	}
	return group + "." + key
}
