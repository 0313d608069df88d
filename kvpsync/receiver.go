package kvpsync

import (
	"log/slog"
	"net"
	"sync"
)

// PeerPhase is the per-peer state machine:
// Unsynced -> Syncing -> Live(ok_expiry).
type PeerPhase int

const (
	Unsynced PeerPhase = iota
	Syncing
	Live
)

// peerState tracks one producer peer's replication progress, including
// the pending (not-yet-flushed) snapshot being built from UPDATE_INSERTs.
type peerState struct {
	addr string
	phase PeerPhase

	syncID uint64
	updateID uint64
	okExpiry uint64

	pending map[string][]byte
}

// Receiver is the DNS server's half of kvpsync: it owns one live zone
// snapshot, built from whichever peer most recently completed a FLUSH.
// A query is answered from synced data only if any peer is Live and its
// ok_expiry has not elapsed.
type Receiver struct {
	mu sync.Mutex
	peers map[string]*peerState
	zone snapshotHolder

	conn net.PacketConn
	log *slog.Logger

	nowNanos func() uint64
}

// NewReceiver constructs a Receiver bound to conn, with configured peer
// addresses. nowNanos supplies the monotonic clock (injectable for
// testing the expiry property without sleeping in real time).
func NewReceiver(conn net.PacketConn, peerAddrs []string, log *slog.Logger, nowNanos func() uint64) *Receiver {
	r := &Receiver{
		peers: make(map[string]*peerState),
		conn: conn,
		log: log,
		nowNanos: nowNanos,
	}
	r.zone.Store(NewZone())
	for _, addr := range peerAddrs {
		r.peers[addr] = &peerState{addr: addr, phase: Unsynced, pending: map[string][]byte{}}
	}
	return r
}

// Zone returns the current read-only snapshot.
func (r *Receiver) Zone() *DnsZone { return r.zone.Load() }

// Bootstrap sends the initial ACK{sync_id: own recv_id, update_id: 0} to
// every configured peer, prompting each to respond with UPDATE_START.
func (r *Receiver) Bootstrap(recvID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, p := range r.peers {
		p.syncID = recvID
		r.sendAck(addr, recvID, 0)
	}
}

func (r *Receiver) sendAck(addr string, syncID, updateID uint64) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return
	}
	msg := Encode(&Message{Type: MsgAck, SyncID: syncID, UpdateID: updateID})
	_, _ = r.conn.WriteTo(msg, raddr)
}

// HandleDatagram processes one inbound kvpsync packet from addr. An
// unparseable packet is dropped silently and never closes the server.
func (r *Receiver) HandleDatagram(addr string, buf []byte) {
	msg, err := Decode(buf)
	if err != nil {
		if r.log != nil {
			r.log.Debug("dropping unparseable kvpsync datagram", "peer", addr, "err", err)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr]
	if !ok {
		return // unconfigured source; silently ignored
	}

	switch msg.Type {
	case MsgUpdateStart:
		p.phase = Syncing
		p.syncID = msg.ResyncID
		p.updateID = 0
		p.pending = map[string][]byte{}
		r.sendAck(addr, p.syncID, 0)

	case MsgUpdateInsert:
		if msg.SyncID != p.syncID {
			r.sendAck(addr, p.syncID, p.updateID)
			return
		}
		p.pending[string(msg.Key)] = msg.Val
		p.updateID = msg.UpdateID
		r.sendAck(addr, msg.SyncID, msg.UpdateID)

	case MsgUpdateFlush:
		if msg.SyncID != p.syncID {
			r.sendAck(addr, p.syncID, p.updateID)
			return
		}
		p.phase = Live
		p.okExpiry = msg.OkExpiry
		p.updateID = msg.UpdateID
		r.commit(p)
		r.sendAck(addr, msg.SyncID, msg.UpdateID)
	}
}

// commit installs p's pending snapshot as the new live zone. Any Live
// peer with an unexpired window satisfies the "any peer is Live" rule,
// so the newest FLUSH always wins.
func (r *Receiver) commit(p *peerState) {
	z := &DnsZone{data: p.pending, okExpiry: p.okExpiry}
	r.zone.Store(z)
}

// AnyLive reports whether at least one peer's trust window has not
// elapsed, gating whether synced-zone answers are trustworthy independent of which peer's data ended
// up in the snapshot.
func (r *Receiver) AnyLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowNanos()
	for _, p := range r.peers {
		if p.phase == Live && now < p.okExpiry {
			return true
		}
	}
	return false
}
