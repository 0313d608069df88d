// The DNS/kvpsync daemon usually runs detached from a terminal under a
// process supervisor rather than systemd-journald, so it gets an optional
// syslog sink instead of the JSON file handler used by cmd/citmd.
package logging

import (
	"context"
	"log/slog"
	"log/syslog"

	slogcommon "github.com/samber/slog-common"
	slogsyslog "github.com/samber/slog-syslog/v2"
)

// redactKeys never leave this process's logs, even toward syslog, since
// kvpsync values and account secrets can end up in attrs by accident.
var redactKeys = map[string]struct{}{
	"password": {},
	"dsn": {},
	"pubkey": {},
}

func redactAttrs(groups []string, a slog.Attr) slog.Attr {
	if _, found := redactKeys[a.Key]; found {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// NewSyslog builds a slog.Logger that writes to the local syslog daemon
// under the given tag, redacting sensitive attribute keys before they
// leave the process.
func NewSyslog(tag string, level slog.Level) (*slog.Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, err
	}
	h := slogsyslog.Option{
		Level: level,
		Writer: w,
		ReplaceAttr: redactAttrs,
	}.NewSyslogHandler()
	return slog.New(h), nil
}

// attrsForExport flattens a record's attributes into a map suitable for
// handing to an external sink (used by the badbadbad alert path, which
// wants a flat payload rather than nested slog groups).
func attrsForExport(r slog.Record) map[string]any {
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return slogcommon.AttrsToMap(attrs...)
}

// AlertSink is the badbadbad contract: a one-line-summary alert path for genuine internal bugs,
// distinct from ordinary structured logging.
type AlertSink interface {
	Alert(summary string, fields map[string]any) error
}

// AlertHandler wraps an slog.Handler so that any record at or above
// slog.LevelError is additionally forwarded to an AlertSink with its
// attributes flattened, on top of whatever the wrapped handler already does
// with the record.
type AlertHandler struct {
	slog.Handler
	Sink AlertSink
}

func (h AlertHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError && h.Sink != nil {
		_ = h.Sink.Alert(r.Message, attrsForExport(r))
	}
	return h.Handler.Handle(ctx, r)
}
