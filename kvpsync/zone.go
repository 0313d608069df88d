package kvpsync

import "sync/atomic"

// DnsZone is the immutable key->value snapshot a Receiver builds from a
// committed UPDATE_FLUSH and dnsserver queries against read-only. Swapped
// atomically on every FLUSH.
type DnsZone struct {
	data map[string][]byte
	okExpiry uint64 // monotonic ns; 0 means "never live"
}

// NewZone builds an empty, never-live zone, the state before any peer has
// ever completed a sync.
func NewZone() *DnsZone {
	return &DnsZone{data: map[string][]byte{}}
}

// Lookup returns the value bound to key and whether the zone is currently
// considered trusted (nowNanos has not passed okExpiry). A query is
// answered from synced data only if the snapshot backing it is still
// live.
func (z *DnsZone) Lookup(key string, nowNanos uint64) (val []byte, live bool) {
	val, ok := z.data[key]
	if !ok {
		return nil, nowNanos < z.okExpiry
	}
	return val, nowNanos < z.okExpiry
}

// Live reports whether this snapshot's trust window has not yet elapsed.
func (z *DnsZone) Live(nowNanos uint64) bool { return nowNanos < z.okExpiry }

// snapshotHolder lets a Receiver swap DnsZone pointers atomically without
// a lock on the read path: a single-writer atomic pointer, readers never
// block.
type snapshotHolder struct {
	p atomic.Pointer[DnsZone]
}

func (h *snapshotHolder) Load() *DnsZone { return h.p.Load() }
func (h *snapshotHolder) Store(z *DnsZone) { h.p.Store(z) }
