// Package errs implements a closed error kind carrying an optional wrapped cause
// and trace string, queryable with errors.Is/As instead of string matching.
package errs

import (
	"fmt"
	"strings"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
)

// E is the error type returned from every package in this module.
type E struct {
	Kind errkind.Kind
	Msg string
	Cause error
	Trace string
}

func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *E) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, Kind(k)) work without exposing Kind comparisons
// in calling code.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Msg == ""
}

// New constructs an *E of the given kind.
func New(k errkind.Kind, msg string, args ...any) *E {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &E{Kind: k, Msg: msg}
}

// Wrap attaches a kind to an existing error, preserving it as Cause.
func Wrap(k errkind.Kind, cause error, msg string, args ...any) *E {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &E{Kind: k, Msg: msg, Cause: cause}
}

// Kind is a sentinel usable with errors.Is(err, Kind(errkind.Sql)).
func Kind(k errkind.Kind) error { return &E{Kind: k} }

// KindOf extracts the Kind carried by err, or errkind.Unknown if err is not
// an *E (or is nil).
func KindOf(err error) errkind.Kind {
	if e, ok := err.(*E); ok {
		return e.Kind
	}
	return errkind.Unknown
}

// UserMsg builds a user-facing error. The first line (minus the
// "ERROR: " prefix) is the only part ever surfaced to an IMAP client.
func UserMsg(format string, args ...any) *E {
	line := fmt.Sprintf(format, args...)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return &E{Kind: errkind.UserMsg, Msg: "ERROR: " + line}
}

// UserFacing returns the single-line user-presentable text of a UserMsg
// error, stripped of its "ERROR: " prefix, or "" if err is not a UserMsg.
func UserFacing(err error) string {
	e, ok := err.(*E)
	if !ok || e.Kind != errkind.UserMsg {
		return ""
	}
	return strings.TrimPrefix(e.Msg, "ERROR: ")
}

// IsSqlDup reports whether err is a duplicate-key collision, the one
// SQL-layer error kind callers branch on directly (alias creation).
func IsSqlDup(err error) bool {
	return errkind.Group(KindOf(err), errkind.SqlDup)
}

// Fatal reports whether a kind represents a connection-terminating failure
// as opposed to a per-command error.
func Fatal(err error) bool {
	k := KindOf(err)
	return errkind.Group(k, errkind.Sock, errkind.Conn, errkind.Internal, errkind.Os, errkind.Fixedsize)
}
