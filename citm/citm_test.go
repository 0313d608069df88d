package citm

import (
	"strings"
	"sync"
	"testing"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
	"github.com/Splintermail/splintermail-client-sub000/imapwire"
	"github.com/Splintermail/splintermail-client-sub000/upsession"
)

// fakeDN is a minimal DN double that records every response it is sent
// and satisfies the SetRawLineMode side interface citm type-asserts for.
type fakeDN struct {
	mu sync.Mutex
	sent []*imapwire.Response
	rawLineMode bool
	closedReason string
}

func (d *fakeDN) SendResp(resp *imapwire.Response) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, resp)
	return nil
}

func (d *fakeDN) Close(reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closedReason = reason
	return nil
}

func (d *fakeDN) NextRawLine() (string, bool) { return "", false }

func (d *fakeDN) SetRawLineMode(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rawLineMode = on
}

func (d *fakeDN) last() *imapwire.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return nil
	}
	return d.sent[len(d.sent)-1]
}

// fakeUP records every command handed to it and never forwards anything
// upstream for real; SendCmd always succeeds, and tests that must not see
// the local-only branch leak upstream check how many commands it recorded.
type fakeUP struct {
	mu sync.Mutex
	cmds []*imapwire.Command
}

func (u *fakeUP) SendCmd(cmd *imapwire.Command, dnTag string, cb upsession.Callback) error {
	u.mu.Lock()
	u.cmds = append(u.cmds, cmd)
	u.mu.Unlock()
	return nil
}

func (u *fakeUP) CancelAll(cause error) {}
func (u *fakeUP) Close() error { return nil }

func (u *fakeUP) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.cmds)
}

func newTestInstance(dn *fakeDN, up *fakeUP, xkeyLoaded bool) *Instance {
	return New("test", "acct1", dn, up, &fakeKeyStore{}, xkeyLoaded, nil)
}

func TestHandleCmdLocalOnlyNeverReachesUpstream(t *testing.T) {
	dn := &fakeDN{}
	up := &fakeUP{}
	ci := newTestInstance(dn, up, true)

	for _, verb := range []string{"CAPABILITY", "NOOP", "ENABLE XKEY", "LOGOUT"} {
		parts := strings.SplitN(verb, " ", 2)
		cmd := &imapwire.Command{Tag: "a1", Verb: parts[0]}
		if len(parts) == 2 {
			cmd.Args = []imapwire.Arg{{Kind: imapwire.ArgAtom, Val: []byte(parts[1])}}
		}
		ci.EnqueueUnhandledCmd(cmd)
	}
	ci.advance()

	if n := up.count(); n != 0 {
		t.Fatalf("expected zero commands forwarded upstream, got %d", n)
	}
}

func TestHandleCmdCapabilityAnswersLocally(t *testing.T) {
	dn := &fakeDN{}
	up := &fakeUP{}
	ci := newTestInstance(dn, up, true)

	ci.EnqueueUnhandledCmd(&imapwire.Command{Tag: "a1", Verb: "CAPABILITY"})
	ci.advance()

	if len(dn.sent) != 2 {
		t.Fatalf("expected an untagged CAPABILITY plus a tagged OK, got %d responses", len(dn.sent))
	}
	if dn.sent[0].Kind != imapwire.RespUntagged || !strings.Contains(dn.sent[0].Text, "XKEY") {
		t.Fatalf("expected untagged CAPABILITY advertising XKEY, got %+v", dn.sent[0])
	}
	if dn.sent[1].Stat != imapwire.OK || dn.sent[1].Tag != "a1" {
		t.Fatalf("expected tagged OK for a1, got %+v", dn.sent[1])
	}
}

func TestHandleCmdEnableOnlyAcksXkeyWhenLoaded(t *testing.T) {
	dn := &fakeDN{}
	up := &fakeUP{}
	ci := newTestInstance(dn, up, false)

	ci.EnqueueUnhandledCmd(&imapwire.Command{Tag: "a1", Verb: "ENABLE", Args: []imapwire.Arg{{Kind: imapwire.ArgAtom, Val: []byte("XKEY")}}})
	ci.advance()

	if len(dn.sent) != 1 {
		t.Fatalf("expected no ENABLED line when xkey isn't loaded, got %d responses", len(dn.sent))
	}
	if dn.sent[0].Stat != imapwire.OK {
		t.Fatalf("expected a tagged OK, got %+v", dn.sent[0])
	}
}

func TestHandleCmdLogoutClosesDN(t *testing.T) {
	dn := &fakeDN{}
	up := &fakeUP{}
	ci := newTestInstance(dn, up, true)

	ci.EnqueueUnhandledCmd(&imapwire.Command{Tag: "a1", Verb: "LOGOUT"})
	ci.advance()

	if dn.closedReason == "" {
		t.Fatal("expected LOGOUT to close the DN session")
	}
}

func TestHandleCmdUnknownVerbForwardsUpstream(t *testing.T) {
	dn := &fakeDN{}
	up := &fakeUP{}
	ci := newTestInstance(dn, up, true)

	ci.EnqueueUnhandledCmd(&imapwire.Command{Tag: "a1", Verb: "SELECT", Args: []imapwire.Arg{{Kind: imapwire.ArgAtom, Val: []byte("INBOX")}}})
	ci.advance()

	if up.count() != 1 {
		t.Fatalf("expected SELECT to be forwarded upstream, got %d forwarded commands", up.count())
	}
}

// fakeKeyStore is a minimal devicekeys.Store double.
type fakeKeyStore struct {
	mu sync.Mutex
	fprs []string
	pubkeys map[string][]byte
	listErr error
	getErr error
}

func (s *fakeKeyStore) ListFingerprints(accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]string(nil), s.fprs...), nil
}

func (s *fakeKeyStore) GetPubkey(accountID, fingerprint string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	pub, ok := s.pubkeys[fingerprint]
	if !ok {
		return nil, errs.New(errkind.Value, "no such device key")
	}
	return pub, nil
}

func (s *fakeKeyStore) Count(accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fprs), nil
}

func (s *fakeKeyStore) Add(accountID string, pem []byte) (string, error) { return "", nil }
func (s *fakeKeyStore) Remove(accountID, fingerprint string) error { return nil }
