// ABOUTME: Tests for stream buffer leases.
// ABOUTME: Unlock must release exactly once no matter how often it is called.
package stream

import "testing"

func TestBufferUnlockIdempotent(t *testing.T) {
	released := 0
	b := NewBuffer(100, 50, make([]float32, 100), func() { released++ })
	if b.End() != 150 {
		t.Errorf("End = %d, want 150", b.End())
	}
	b.Unlock()
	b.Unlock()
	b.Unlock()
	if released != 1 {
		t.Errorf("lease released %d times, want exactly once", released)
	}
}

func TestBufferNilUnlock(t *testing.T) {
	b := NewBuffer(0, 10, nil, nil)
	b.Unlock() // must not panic
}

func TestWriteBufferUnlockIdempotent(t *testing.T) {
	released := 0
	b := NewWriteBuffer(0, 4, make([]byte, 16), func() { released++ })
	b.Unlock()
	b.Unlock()
	if released != 1 {
		t.Errorf("lease released %d times, want exactly once", released)
	}
}
