package membuf

import "testing"

// TestPoolAccounting checks that the union of (free list, pending recvs,
// pending sends) equals the initial pool at all times, and that
// double-release is detected.
func TestPoolAccounting(t *testing.T) {
	p := NewPool(4)
	if p.Cap() != 4 || p.Len() != 4 {
		t.Fatalf("expected a fresh pool of 4, got cap=%d len=%d", p.Cap(), p.Len())
	}

	var held []*Buf
	for i := 0; i < 4; i++ {
		b, ok := p.Acquire()
		if !ok {
			t.Fatalf("acquire %d: pool unexpectedly empty", i)
		}
		held = append(held, b)
	}

	if _, ok := p.Acquire(); ok {
		t.Fatal("expected pool exhaustion to return ok=false")
	}

	for _, b := range held {
		if err := b.Release(); err != nil {
			t.Fatalf("unexpected release error: %v", err)
		}
	}
	if p.Len() != 4 {
		t.Fatalf("expected pool to be full again, got len=%d", p.Len())
	}

	// double release must be detected, not silently accepted.
	if err := held[0].Release(); err == nil {
		t.Fatal("expected double-release to report an error")
	}
}

func TestDebugAssertsPanicsOnDoubleRelease(t *testing.T) {
	p := NewPool(1)
	p.DebugAsserts = true

	b, _ := p.Acquire()
	_ = b.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release under DebugAsserts")
		}
	}()
	_ = b.Release()
}
