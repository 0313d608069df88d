// Package upsession implements the "upwards" (store-facing) half of a
// CITM connection. A Session owns one outbound TLS connection to the
// real IMAP store, rewrites tags on every forwarded command, and tracks
// in-flight tags so that a completing tagged response can be matched
// back to the DN tag that originated it.
//
// Grounded on the same deadlineConn idiom as dnsession (itself taken from
// lorduskordus-aerion's internal/imap/client.go), since both halves of a
// CITM instance wrap a net.Conn the same way; the inflight-tag table is a
// hand-rolled per-command tag bookkeeping scheme, there being no library
// for it.
package upsession

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
	"github.com/Splintermail/splintermail-client-sub000/imapwire"
)

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

// Callback is invoked once for each untagged response that arrives while a
// command is in flight, and once more (with done=true) when the command's
// own tagged response arrives.
type Callback func(resp *imapwire.Response, done bool)

// inflight records one forwarded command awaiting completion.
type inflight struct {
	dnTag string
	cb Callback
}

// Session is one outbound connection to the real mailbox store.
type Session struct {
	mu sync.Mutex

	conn net.Conn
	dec *imapwire.Decoder
	log *slog.Logger

	nextTag atomic.Uint64
	tagTable map[string]*inflight // up-tag -> inflight
	// order lists in-flight up-tags oldest-first, so an untagged response
	// that arrives while more than one command is in flight (pipelining)
	// is attributed to the longest-outstanding command rather than an
	// arbitrary one, preserving the untagged-response/tagged-completion
	// ordering §4.4 requires.
	order []string

	closed bool
	onUntagged func(resp *imapwire.Response) // relayed when no command is in flight
}

// Config mirrors lorduskordus-aerion's ClientConfig: host/port plus a TLS
// policy, since the UP connection to the real store always needs a dial
// step the DN side (an accepted listener conn) does not.
type Config struct {
	Addr string
	TLSConfig *tls.Config // nil => plaintext, used only in tests
}

// Dial opens the upstream connection. The caller supplies onUntagged to
// receive untagged responses that arrive with no command in flight (e.g.
// unsolicited EXISTS/EXPUNGE updates).
func Dial(cfg Config, log *slog.Logger, onUntagged func(*imapwire.Response)) (*Session, error) {
	var conn net.Conn
	var err error
	if cfg.TLSConfig != nil {
		conn, err = tls.Dial("tcp", cfg.Addr, cfg.TLSConfig)
	} else {
		conn, err = net.Dial("tcp", cfg.Addr)
	}
	if err != nil {
		return nil, errs.Wrap(errkind.Conn, err, "UP dial failed: %s", cfg.Addr)
	}
	s := &Session{
		conn: &deadlineConn{Conn: conn, timeout: deadlineDuration},
		dec: imapwire.NewDecoder(),
		log: log,
		tagTable: make(map[string]*inflight),
		onUntagged: onUntagged,
	}
	return s, nil
}

// nextUpTag generates the next monotonically-increasing upstream tag,
// independent of whatever tag scheme the DN client used.
func (s *Session) nextUpTag() string {
	return fmt.Sprintf("U%d", s.nextTag.Add(1))
}

// SendCmd rewrites cmd's tag, forwards it upstream, and records cb to
// receive the eventual response stream. dnTag is the tag the DN client
// used; CancelAll tags the synthetic failure it hands cb with it.
func (s *Session) SendCmd(cmd *imapwire.Command, dnTag string, cb Callback) error {
	upTag := s.nextUpTag()
	rewritten := &imapwire.Command{Tag: upTag, Verb: cmd.Verb, Args: cmd.Args}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.New(errkind.Conn, "SendCmd on closed UP session")
	}
	s.tagTable[upTag] = &inflight{dnTag: dnTag, cb: cb}
	s.order = append(s.order, upTag)
	s.mu.Unlock()

	if _, err := s.conn.Write(imapwire.EncodeCommand(rewritten)); err != nil {
		s.mu.Lock()
		delete(s.tagTable, upTag)
		s.removeOrder(upTag)
		s.mu.Unlock()
		return errs.Wrap(errkind.Sock, err, "UP write failed")
	}
	return nil
}

// removeOrder drops upTag from s.order, wherever it sits (a tagged
// completion need not arrive in issue order even though untagged
// attribution always targets the head). Caller holds s.mu.
func (s *Session) removeOrder(upTag string) {
	for i, t := range s.order {
		if t == upTag {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// OnBytes feeds bytes read from the upstream connection through the
// codec, routing each parsed response to the inflight command it
// completes, or to onUntagged if nothing is in flight for it.
func (s *Session) OnBytes(buf []byte) {
	s.dec.Feed(buf)
	for {
		resp, ok, err := s.dec.NextResponse()
		if err != nil {
			s.log.Warn("malformed response from store", "err", err)
			s.CancelAll(errs.Wrap(errkind.Response, err, "upstream sent malformed response"))
			return
		}
		if !ok {
			return
		}
		s.route(resp)
	}
}

// ReadLoop drives OnBytes from the upstream connection itself until a read
// fails or the session is closed, returning the terminal error. The caller
// runs this in its own goroutine and reacts to its return (e.g. tearing
// down the paired DN session), the same split dnsession leaves to its
// caller for the client-facing connection.
func (s *Session) ReadLoop() error {
	buf := make([]byte, 16384)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.OnBytes(buf[:n])
		}
		if err != nil {
			s.CancelAll(errs.Wrap(errkind.Conn, err, "upstream read failed"))
			return err
		}
	}
}

func (s *Session) route(resp *imapwire.Response) {
	if resp.Kind != imapwire.RespTagged {
		// Untagged responses are attributed to the longest-outstanding
		// in-flight command (the head of s.order), not an arbitrary one,
		// so that with several commands pipelined the untagged stream
		// stays ordered relative to the next tagged completion; with
		// nothing in flight they are unsolicited mailbox updates.
		s.mu.Lock()
		var any *inflight
		if len(s.order) > 0 {
			any = s.tagTable[s.order[0]]
		}
		s.mu.Unlock()
		if any != nil {
			any.cb(resp, false)
			return
		}
		if s.onUntagged != nil {
			s.onUntagged(resp)
		}
		return
	}

	s.mu.Lock()
	in, found := s.tagTable[resp.Tag]
	if found {
		delete(s.tagTable, resp.Tag)
		s.removeOrder(resp.Tag)
	}
	s.mu.Unlock()

	if !found {
		s.log.Warn("tagged response for unknown tag", "tag", resp.Tag)
		return
	}
	in.cb(resp, true)
}

// CancelAll delivers a synthetic failure to every in-flight command,
// used when the upstream connection dies.
func (s *Session) CancelAll(cause error) {
	s.mu.Lock()
	table := s.tagTable
	s.tagTable = make(map[string]*inflight)
	s.order = nil
	s.mu.Unlock()

	fail := imapwire.TaggedNO("", "upstream connection lost: "+cause.Error())
	for _, in := range table {
		fail.Tag = in.dnTag
		in.cb(fail, true)
	}
}

// Close shuts the connection down and fails any remaining in-flight
// commands.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAll(errs.New(errkind.Conn, "UP session closed"))
	return s.conn.Close()
}
