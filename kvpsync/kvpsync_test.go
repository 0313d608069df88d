package kvpsync

import (
	"net"
	"testing"
)

// fakeConn satisfies the slice of net.PacketConn Receiver actually uses;
// WriteTo is a no-op since these tests drive HandleDatagram directly and
// don't care about the ACKs sent back out.
type fakeConn struct{ net.PacketConn }

func (fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) { return len(b), nil }
func (fakeConn) Close() error { return nil }

func newTestReceiver(now uint64) *Receiver {
	return NewReceiver(fakeConn{}, []string{"127.0.0.1:9000"}, nil, func() uint64 { return now })
}

// TestCommittedness checks that keys are visible only after FLUSH.
func TestCommittedness(t *testing.T) {
	r := newTestReceiver(1000)
	addr := "127.0.0.1:9000"

	r.HandleDatagram(addr, Encode(&Message{Type: MsgUpdateStart, SyncID: 0, ResyncID: 10}))
	r.HandleDatagram(addr, Encode(&Message{Type: MsgUpdateInsert, SyncID: 10, UpdateID: 1, Key: []byte("x"), Val: []byte("abcd")}))

	if _, live := r.Zone().Lookup("x", 1000); live {
		t.Fatal("expected key invisible before FLUSH")
	}

	r.HandleDatagram(addr, Encode(&Message{Type: MsgUpdateFlush, SyncID: 10, UpdateID: 2, OkExpiry: 1000 + uint64(100e9)}))

	val, live := r.Zone().Lookup("x", 1000)
	if !live || string(val) != "abcd" {
		t.Fatalf("expected key visible after FLUSH, got live=%v val=%q", live, val)
	}
}

// TestExpiry checks that once ok_expiry elapses with no further FLUSH,
// the snapshot is no longer trusted.
func TestExpiry(t *testing.T) {
	r := newTestReceiver(0)
	addr := "127.0.0.1:9000"

	r.HandleDatagram(addr, Encode(&Message{Type: MsgUpdateStart, SyncID: 0, ResyncID: 5}))
	r.HandleDatagram(addr, Encode(&Message{Type: MsgUpdateInsert, SyncID: 5, UpdateID: 1, Key: []byte("x"), Val: []byte("abcd")}))
	r.HandleDatagram(addr, Encode(&Message{Type: MsgUpdateFlush, SyncID: 5, UpdateID: 2, OkExpiry: 100}))

	if _, live := r.Zone().Lookup("x", 50); !live {
		t.Fatal("expected live before expiry")
	}
	if _, live := r.Zone().Lookup("x", 200); live {
		t.Fatal("expected stale after ok_expiry elapsed")
	}
}

// TestMismatchedSyncIDIgnored checks that an UPDATE whose sync_id doesn't
// match the receiver's current state does not mutate the pending
// snapshot.
func TestMismatchedSyncIDIgnored(t *testing.T) {
	r := newTestReceiver(0)
	addr := "127.0.0.1:9000"

	r.HandleDatagram(addr, Encode(&Message{Type: MsgUpdateStart, SyncID: 0, ResyncID: 7}))
	r.HandleDatagram(addr, Encode(&Message{Type: MsgUpdateInsert, SyncID: 999, UpdateID: 1, Key: []byte("x"), Val: []byte("bad")}))
	r.HandleDatagram(addr, Encode(&Message{Type: MsgUpdateFlush, SyncID: 7, UpdateID: 1, OkExpiry: 1e9}))

	if val, _ := r.Zone().Lookup("x", 0); val != nil {
		t.Fatal("mismatched sync_id INSERT should not have been applied")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []*Message{
		{Type: MsgAck, SyncID: 1, UpdateID: 2},
		{Type: MsgUpdateStart, SyncID: 1, UpdateID: 0, ResyncID: 99},
		{Type: MsgUpdateInsert, SyncID: 1, UpdateID: 2, Key: []byte("k"), Val: []byte("v")},
		{Type: MsgUpdateFlush, SyncID: 1, UpdateID: 3, OkExpiry: 123456789},
	}
	for _, m := range cases {
		got, err := Decode(Encode(m))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if got.Type != m.Type || got.SyncID != m.SyncID || got.UpdateID != m.UpdateID {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
		}
	}
}
