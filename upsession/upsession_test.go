package upsession

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Splintermail/splintermail-client-sub000/imapwire"
)

// fakeConn is a minimal net.Conn double that discards writes; tests drive
// response routing directly through OnBytes rather than over a real
// socket.
type fakeConn struct {
	mu sync.Mutex
	written [][]byte
}

func (c *fakeConn) Read(b []byte) (int, error)  { return 0, net.ErrClosed }
func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), b...)
	c.written = append(c.written, cp)
	return len(b), nil
}
func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return nil }
func (c *fakeConn) RemoteAddr() net.Addr               { return nil }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func newTestSession() *Session {
	return &Session{
		conn: &fakeConn{},
		dec: imapwire.NewDecoder(),
		tagTable: make(map[string]*inflight),
	}
}

// recorder captures the (resp, done) pairs delivered to one command's
// callback, tagged with a label so assertions can tell commands apart.
type recorder struct {
	mu sync.Mutex
	label string
	events []struct {
		resp *imapwire.Response
		done bool
	}
}

func (r *recorder) cb(resp *imapwire.Response, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, struct {
		resp *imapwire.Response
		done bool
	}{resp, done})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// TestUntaggedAttributedToOldestInFlight pipelines two commands and checks
// that an untagged response arriving before either completes is routed to
// the first (oldest) command, not whichever happens to be first in map
// iteration order.
func TestUntaggedAttributedToOldestInFlight(t *testing.T) {
	s := newTestSession()
	first := &recorder{label: "first"}
	second := &recorder{label: "second"}

	if err := s.SendCmd(&imapwire.Command{Tag: "a1", Verb: "SELECT"}, "a1", first.cb); err != nil {
		t.Fatalf("SendCmd first failed: %v", err)
	}
	if err := s.SendCmd(&imapwire.Command{Tag: "a2", Verb: "FETCH"}, "a2", second.cb); err != nil {
		t.Fatalf("SendCmd second failed: %v", err)
	}

	s.route(&imapwire.Response{Kind: imapwire.RespUntagged, Text: "1 EXISTS"})

	if first.count() != 1 {
		t.Fatalf("expected the untagged response to go to the oldest in-flight command, first got %d events", first.count())
	}
	if second.count() != 0 {
		t.Fatalf("expected the untagged response not to reach the newer in-flight command, got %d events", second.count())
	}
}

// TestUntaggedFollowsHeadAsCommandsComplete checks that once the oldest
// command's tagged response arrives, the next untagged response attributes
// to whichever command is now oldest, even though it completed
// out of order relative to issue order wouldn't apply here directly — this
// exercises the head advancing correctly as the in-flight set shrinks.
func TestUntaggedFollowsHeadAsCommandsComplete(t *testing.T) {
	s := newTestSession()
	first := &recorder{label: "first"}
	second := &recorder{label: "second"}

	_ = s.SendCmd(&imapwire.Command{Tag: "a1", Verb: "SELECT"}, "a1", first.cb)
	_ = s.SendCmd(&imapwire.Command{Tag: "a2", Verb: "FETCH"}, "a2", second.cb)

	s.route(&imapwire.Response{Kind: imapwire.RespTagged, Tag: "U1", Stat: imapwire.OK, Text: "SELECT completed"})

	s.route(&imapwire.Response{Kind: imapwire.RespUntagged, Text: "2 EXISTS"})

	if second.count() != 1 {
		t.Fatalf("expected the untagged response to attribute to the new head once the old head completed, got %d events", second.count())
	}
	if first.count() != 1 {
		t.Fatalf("expected the first command to have received only its own tagged completion, got %d events", first.count())
	}
}

// TestUntaggedWithNothingInFlightGoesToOnUntagged checks the fallback path
// when no command is outstanding.
func TestUntaggedWithNothingInFlightGoesToOnUntagged(t *testing.T) {
	s := newTestSession()
	var got *imapwire.Response
	s.onUntagged = func(resp *imapwire.Response) { got = resp }

	s.route(&imapwire.Response{Kind: imapwire.RespUntagged, Text: "* OK idling"})

	if got == nil || got.Text != "* OK idling" {
		t.Fatalf("expected the unsolicited untagged response to reach onUntagged, got %+v", got)
	}
}

// TestTaggedCompletionRemovesFromOrder checks that a tagged completion
// removes its up-tag from the FIFO order list, not just the tag table,
// so a stale entry can't keep soaking up untagged responses after its
// command finished.
func TestTaggedCompletionRemovesFromOrder(t *testing.T) {
	s := newTestSession()
	first := &recorder{}
	_ = s.SendCmd(&imapwire.Command{Tag: "a1", Verb: "SELECT"}, "a1", first.cb)

	s.route(&imapwire.Response{Kind: imapwire.RespTagged, Tag: "U1", Stat: imapwire.OK, Text: "done"})

	s.mu.Lock()
	n := len(s.order)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected the completed tag to be removed from the FIFO order, got %d remaining", n)
	}
}

// TestCancelAllClearsOrder checks that CancelAll resets the FIFO order
// alongside the tag table so a dead upstream doesn't leave stale
// attribution state behind.
func TestCancelAllClearsOrder(t *testing.T) {
	s := newTestSession()
	first := &recorder{}
	_ = s.SendCmd(&imapwire.Command{Tag: "a1", Verb: "SELECT"}, "a1", first.cb)

	s.CancelAll(errUpstreamGone())

	s.mu.Lock()
	n := len(s.order)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected CancelAll to clear the FIFO order, got %d remaining", n)
	}
	if first.count() != 1 {
		t.Fatalf("expected CancelAll to deliver a synthetic failure to the in-flight command, got %d events", first.count())
	}
}

func errUpstreamGone() error {
	return &net.OpError{Op: "read", Err: net.ErrClosed}
}
