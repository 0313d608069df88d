package dnsession

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/Splintermail/splintermail-client-sub000/imapwire"
)

// fakeController records every call dnsession.Session makes on its
// Controller.
type fakeController struct {
	mu sync.Mutex
	cmds []*imapwire.Command
	rawLines []string
	closedErr error
	closedCalled bool
}

func (c *fakeController) EnqueueUnhandledCmd(cmd *imapwire.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, cmd)
}

func (c *fakeController) EnqueueRawLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rawLines = append(c.rawLines, line)
}

func (c *fakeController) NotifyDNClosed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedCalled = true
	c.closedErr = err
}

// newTestSession returns a Session wired to one end of an in-process
// net.Pipe, with the other end returned so tests can read what the
// session wrote back to its "client".
func newTestSession(xkeyLoaded bool) (*Session, net.Conn, *fakeController) {
	clientEnd, serverEnd := net.Pipe()
	ctrl := &fakeController{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(serverEnd, ctrl, log, xkeyLoaded)
	return s, clientEnd, ctrl
}

func TestStartSendsGreetingWithCapability(t *testing.T) {
	s, clientEnd, _ := newTestSession(true)
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := clientEnd.Read(buf)
		got <- buf[:n]
	}()

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	line := string(<-got)
	if !strings.Contains(line, "CAPABILITY") || !strings.Contains(line, "XKEY") {
		t.Fatalf("expected greeting to advertise XKEY capability, got %q", line)
	}
	if s.State() != Unauth {
		t.Fatalf("expected state Unauth after greeting, got %v", s.State())
	}
}

func TestOnBytesEnqueuesParsedCommand(t *testing.T) {
	s, _, ctrl := newTestSession(false)

	s.OnBytes([]byte("a1 NOOP\r\n"))

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.cmds) != 1 {
		t.Fatalf("expected exactly one enqueued command, got %d", len(ctrl.cmds))
	}
	if ctrl.cmds[0].Tag != "a1" || ctrl.cmds[0].Verb != "NOOP" {
		t.Fatalf("unexpected command: %+v", ctrl.cmds[0])
	}
}

func TestOnBytesInRawLineModeBypassesCommandParsing(t *testing.T) {
	s, _, ctrl := newTestSession(false)
	s.SetRawLineMode(true)

	s.OnBytes([]byte("DONE\r\n"))

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.cmds) != 0 {
		t.Fatalf("expected no parsed commands while in raw line mode, got %d", len(ctrl.cmds))
	}
	if len(ctrl.rawLines) != 1 || ctrl.rawLines[0] != "DONE" {
		t.Fatalf("expected exactly one raw line \"DONE\", got %+v", ctrl.rawLines)
	}
}

func TestOnBytesMalformedCommandGetsUntaggedBad(t *testing.T) {
	s, clientEnd, ctrl := newTestSession(false)
	got := make(chan []byte, 1)
	go readOnce(clientEnd, got)

	s.OnBytes([]byte("a1 \r\n")) // verb missing

	line := string(<-got)
	if !strings.Contains(line, "BAD") {
		t.Fatalf("expected a synthesized BAD response for a malformed command, got %q", line)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.cmds) != 0 {
		t.Fatal("expected no command to be enqueued for malformed input")
	}
}

func TestCloseSendsByeAndNotifiesController(t *testing.T) {
	s, clientEnd, ctrl := newTestSession(false)
	got := make(chan []byte, 1)
	go readOnce(clientEnd, got)

	if err := s.Close("shutting down"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	line := string(<-got)
	if !strings.Contains(line, "BYE") || !strings.Contains(line, "shutting down") {
		t.Fatalf("expected a BYE with the close reason, got %q", line)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if !ctrl.closedCalled {
		t.Fatal("expected NotifyDNClosed to be called")
	}
	if s.State() != Closed {
		t.Fatalf("expected state Closed, got %v", s.State())
	}
}

func readOnce(conn net.Conn, out chan []byte) {
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	out <- buf[:n]
}
