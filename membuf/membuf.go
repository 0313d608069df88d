// Package membuf implements a fixed-count, fixed-size buffer pool,
// grounded on mem/engine.go's maxConcurrentReceives
// semaphore channel (a fixed-capacity chan used to bound concurrent work)
// generalized to carry the buffer itself rather than an empty token, since
// membuf.Buf needs real backing storage for both recv and send retention.
package membuf

import (
	"sync/atomic"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
)

// MTU bounds a single datagram/read chunk. The DNS responder and the
// DN/UP read loops both use buffers of this size.
const MTU = 65507

// Buf is a fixed base/response pair reused across its lifetime, never
// allocated per-message.
type Buf struct {
	Base [MTU]byte
	Resp [MTU]byte

	// N is the number of valid bytes currently held in Base (set by the
	// reader that filled it).
	N int

	// Addr is set by UDP consumers (dnsserver, kvpsync) to the peer that
	// this buffer's datagram came from or is destined to.
	Addr any

	pool *Pool
	inUse atomic.Bool
}

// Pool is a free-list of NMEMBUFS equally-sized buffers. Acquire never
// blocks: it returns (nil, false) when empty, and callers must suspend
// reception until the next Release.
type Pool struct {
	free chan *Buf
	// DebugAsserts, when true, panics on double-release instead of only
	// returning an error — wired on in test builds.
	DebugAsserts bool
}

// NewPool allocates n fixed-size buffers up front and seeds the free list.
func NewPool(n int) *Pool {
	p := &Pool{free: make(chan *Buf, n)}
	for i := 0; i < n; i++ {
		b := &Buf{pool: p}
		b.inUse.Store(false)
		p.free <- b
	}
	return p
}

// Cap returns the pool's fixed capacity (NMEMBUFS).
func (p *Pool) Cap() int { return cap(p.free) }

// Len returns the number of buffers currently on the free list.
func (p *Pool) Len() int { return len(p.free) }

// Acquire takes one buffer off the free list, or reports ok=false if the
// pool is exhausted. The recv loop must suspend reception in that case.
func (p *Pool) Acquire() (*Buf, bool) {
	select {
	case b := <-p.free:
		b.inUse.Store(true)
		b.N = 0
		b.Addr = nil
		return b, true
	default:
		return nil, false
	}
}

// Release returns buf to the free list. It is a fatal programming error
// (debug assert) to release a buffer that is not currently held, since the
// MemBuf invariant requires a buffer to be on exactly one of
// {free list, pending recv, pending send} at a time.
func (b *Buf) Release() error {
	if !b.inUse.CompareAndSwap(true, false) {
		err := errs.New(errkind.Internal, "double release of membuf.Buf")
		if b.pool != nil && b.pool.DebugAsserts {
			panic(err)
		}
		return err
	}
	select {
	case b.pool.free <- b:
		return nil
	default:
		// Can only happen if more buffers are released than were ever
		// acquired, which is the same invariant violation as above.
		err := errs.New(errkind.Internal, "membuf.Buf released beyond pool capacity")
		if b.pool.DebugAsserts {
			panic(err)
		}
		return err
	}
}
