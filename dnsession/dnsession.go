// Package dnsession implements the "downwards" (client-facing) half of a
// CITM connection. A Session owns one TLS-terminated client connection,
// drives the greeting, and feeds bytes through imapwire's codec,
// enqueuing parsed commands onto its Controller rather than ever
// blocking the I/O reactor.
//
// The deadline-wrapped net.Conn pattern is grounded on
// lorduskordus-aerion's internal/imap/client.go deadlineConn, generalized
// from a client-side IMAP dialer to a server-side listener connection.
package dnsession

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
	"github.com/Splintermail/splintermail-client-sub000/imapwire"
)

// State is the DN state machine:
// Connecting -> Greeting -> (Unauth|Auth|Selected) -> Closing -> Closed.
type State int

const (
	Connecting State = iota
	Greeting
	Unauth
	Auth
	Selected
	Closing
	Closed
)

// Controller is implemented by the CITM instance that owns this Session.
// Keeping it as an interface (rather than importing package citm directly)
// mirrors engine.Handler in the reference engine's engine.go: the session drives
// I/O and hands fully-formed events to whoever is listening, without
// knowing the listener's concrete type.
type Controller interface {
	// EnqueueUnhandledCmd is called once per fully-parsed client command.
	EnqueueUnhandledCmd(cmd *imapwire.Command)
	// EnqueueRawLine is called once per bare line while the session is in
	// raw-line mode.
	EnqueueRawLine(line string)
	// NotifyDNClosed reports a fatal DN-side error (or nil on a clean
	// close) so the CITM can tear down the paired UP session.
	NotifyDNClosed(err error)
}

const deadlineDuration = 5 * time.Minute

type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(b)
}

// Session is one client TCP(+TLS) connection.
type Session struct {
	mu sync.Mutex

	conn net.Conn
	dec *imapwire.Decoder
	ctrl Controller
	log *slog.Logger
	state State

	xkeyLoaded bool
	closed bool
	rawLineMode bool
}

// SetRawLineMode switches OnBytes between parsing tagged commands (the
// default) and reading bare lines, used while an XKEYSYNC stream is open
// and the client may send a bare "DONE" with no tag.
func (s *Session) SetRawLineMode(on bool) {
	s.mu.Lock()
	s.rawLineMode = on
	s.mu.Unlock()
}

// New wraps an accepted connection. TLS termination, if any, must already
// be applied to conn by the caller (implicit TLS) before New is called;
// STARTTLS upgrades are out of scope.
func New(conn net.Conn, ctrl Controller, log *slog.Logger, xkeyLoaded bool) *Session {
	return &Session{
		conn: &deadlineConn{Conn: conn, timeout: deadlineDuration},
		dec: imapwire.NewDecoder(),
		ctrl: ctrl,
		log: log,
		state: Connecting,
		xkeyLoaded: xkeyLoaded,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start sends the initial greeting.
func (s *Session) Start() error {
	s.setState(Greeting)
	greeting := &imapwire.Response{
		Kind: imapwire.RespUntagged,
		Text: fmt.Sprintf("OK [CAPABILITY %s] splintermail ready", imapwire.Capability(s.xkeyLoaded)),
	}
	if err := s.write(imapwire.EncodeResponse(greeting)); err != nil {
		return err
	}
	s.setState(Unauth)
	return nil
}

// OnBytes feeds newly-read bytes through the codec. Every fully-parsed
// command is handed to the Controller; the DN never answers a
// structurally valid command itself except a parse error,
// which is structurally invalid and gets a synchronous BAD.
func (s *Session) OnBytes(buf []byte) {
	s.dec.Feed(buf)

	s.mu.Lock()
	raw := s.rawLineMode
	s.mu.Unlock()
	if raw {
		for {
			line, ok := s.dec.NextRawLine()
			if !ok {
				return
			}
			s.ctrl.EnqueueRawLine(line)
		}
	}

	for {
		cmd, ok, err := s.dec.NextCommand()
		if err != nil {
			s.log.Warn("malformed command from client", "err", err)
			// A structurally invalid command cannot carry a reliable tag;
			// synthesize "* BAD" so the client at least sees a diagnostic
			// rather than silence.
			_ = s.write(imapwire.EncodeResponse(&imapwire.Response{
				Kind: imapwire.RespUntagged,
				Text: "BAD " + err.Error(),
			}))
			// Drop the offending line so the next call starts at the
			// following command instead of failing on the same bytes.
			if _, ok := s.dec.NextRawLine(); !ok {
				return
			}
			continue
		}
		if s.dec.NeedsContinuationPrompt() {
			_ = s.write(imapwire.EncodeResponse(imapwire.PlusOK()))
			s.dec.AckContinuationPrompt()
		}
		if !ok {
			return
		}
		s.ctrl.EnqueueUnhandledCmd(cmd)
	}
}

// NextRawLine exposes the decoder's raw-line reader for the XKEYSYNC
// continuation phase, where the client sends bare
// lines rather than tagged commands.
func (s *Session) NextRawLine() (string, bool) { return s.dec.NextRawLine() }

// SendResp serializes and writes one response. This never blocks the
// reactor for long; the caller is expected to run it from the CITM
// worker, not the I/O reactor goroutine.
func (s *Session) SendResp(resp *imapwire.Response) error {
	return s.write(imapwire.EncodeResponse(resp))
}

func (s *Session) write(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errs.New(errkind.Conn, "write to closed DN session")
	}
	if _, err := s.conn.Write(p); err != nil {
		return errs.Wrap(errkind.Sock, err, "DN write failed")
	}
	return nil
}

// Close shuts the session down, sending a BYE first unless it has already
// been sent. Idempotent.
func (s *Session) Close(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = Closing
	s.mu.Unlock()

	// closed is already set, so s.write would refuse; write the BYE directly.
	_, _ = s.conn.Write(imapwire.EncodeResponse(&imapwire.Response{Kind: imapwire.RespUntagged, Text: "BYE " + reason}))
	err := s.conn.Close()
	s.setState(Closed)
	if s.ctrl != nil {
		s.ctrl.NotifyDNClosed(nil)
	}
	return err
}
