// Package logging sets up the process-wide slog.Logger and a per-session
// fan-out hub, grounded on the reference engine's cmd/amass_engine/main.go (slog.New
// over a JSON handler) and pubsub/logger.go (a channel-backed io.Writer that
// subscribers can read logs from).
package logging

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// NewJSON builds the process logger, matching
// slog.New(slog.NewJSONHandler(f, nil)) from cmd/amass_engine/main.go.
func NewJSON(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Hub fans a session's log lines out to subscribers, the same role
// pubsub.Logger plays for amass sessions, but keyed so multiple sessions
// share one process logger while still supporting per-session taps (e.g. an
// operator console attached to one CITM).
type Hub struct {
	mu sync.Mutex
	subs map[chan string]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan string]struct{})}
}

func (h *Hub) Write(p []byte) (int, error) {
	line := string(p)
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- line:
		default:
		}
	}
	h.mu.Unlock()
	return len(p), nil
}

// Subscribe returns a channel receiving every future log line. Call the
// returned cancel func to stop receiving and release the channel.
func (h *Hub) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}
}

// ctxKey is a context key type for attaching a session/account id to a
// logger's attributes uniformly, the role samber/slog-common plays for
// request-scoped structured attributes.
type ctxKey struct{}

// WithAttrs returns a logger annotated with the given key/value pairs,
// usable at every call site that needs session/account/peer identifiers on
// every line it emits.
func WithAttrs(l *slog.Logger, kv ...any) *slog.Logger {
	return l.With(kv...)
}

// Attach stores a logger on a context for handlers that only receive a
// context.Context (mirrors how the reference engine threads handler context through
// engine.Handler.Handle).
func Attach(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From extracts a logger attached with Attach, falling back to slog.Default.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
