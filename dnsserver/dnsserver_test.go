package dnsserver

import (
	"net"
	"testing"

	"github.com/miekg/dns"

	"github.com/Splintermail/splintermail-client-sub000/kvpsync"
)

type stubLookup struct {
	found bool
	a []net.IP
}

func (s stubLookup) ResolveUser(label string) (a, aaaa []net.IP, found bool) {
	return s.a, nil, s.found
}

// packetSink discards the ACKs a kvpsync.Receiver sends back to its peer.
type packetSink struct{ net.PacketConn }

func (packetSink) WriteTo(b []byte, addr net.Addr) (int, error) { return len(b), nil }

// liveZone returns a Receiver whose single peer has flushed a snapshot
// that stays trusted for the lifetime of the test.
func liveZone() *kvpsync.Receiver {
	peer := "127.0.0.1:9000"
	z := kvpsync.NewReceiver(packetSink{}, []string{peer}, nil, func() uint64 { return 0 })
	z.HandleDatagram(peer, kvpsync.Encode(&kvpsync.Message{Type: kvpsync.MsgUpdateStart, ResyncID: 1}))
	z.HandleDatagram(peer, kvpsync.Encode(&kvpsync.Message{Type: kvpsync.MsgUpdateFlush, SyncID: 1, UpdateID: 1, OkExpiry: 1 << 62}))
	return z
}

func newTestResponder(zone *kvpsync.Receiver, lookup AccountLookup) *Responder {
	root := RootRecords{Apex: "user.splintermail.com"}
	return New(nil, nil, root, zone, lookup, 1000, nil)
}

// TestClassificationTable checks the query classification table with a
// live replicated zone.
func TestClassificationTable(t *testing.T) {
	r := newTestResponder(liveZone(), stubLookup{found: true, a: []net.IP{net.ParseIP("127.0.0.1")}})

	cases := []struct {
		name string
		qtype uint16
		want rcode
	}{
		{"x.user.splintermail.com.", dns.TypeA, rcodeNoError},
		{"evil.example.com.", dns.TypeA, rcodeRefused},
		{"user.splintermail.com.", dns.TypeMX, rcodeNotImpl},
		{"nobody.user.splintermail.com.", dns.TypeA, rcodeNXDomain},
	}

	for _, c := range cases {
		if c.name == "nobody.user.splintermail.com." {
			r = newTestResponder(liveZone(), stubLookup{found: false})
		}
		q := dns.Question{Name: c.name, Qtype: c.qtype, Qclass: dns.ClassINET}
		got, _ := r.classify(q)
		if got != c.want {
			t.Fatalf("classify(%s, %d) = %v, want %v", c.name, c.qtype, got, c.want)
		}
	}
}

func TestAcmeChallengeBeforeSyncIsServfail(t *testing.T) {
	r := newTestResponder(nil, stubLookup{})
	q := dns.Question{Name: "_acme-challenge.x.user.splintermail.com.", Qtype: dns.TypeTXT, Qclass: dns.ClassINET}
	got, _ := r.classify(q)
	if got != rcodeServfail {
		t.Fatalf("expected SERVFAIL with no live peer, got %v", got)
	}
}
