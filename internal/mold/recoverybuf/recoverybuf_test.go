package recoverybuf

import (
	"bytes"
	"testing"

	"github.com/alxayo/moldpublisher/internal/mold/wire"
)

func enc(s string) wire.EncodedMessage {
	m, _ := wire.EncodeMessage([]byte(s))
	return m
}

func TestInsertAndLookup(t *testing.T) {
	b := New(4)
	b.Insert(1, enc("a"))
	b.Insert(2, enc("b"))
	b.Insert(3, enc("c"))

	low, high, ok := b.Bounds()
	if !ok || low != 1 || high != 3 {
		t.Fatalf("expected bounds [1,3], got [%d,%d] ok=%v", low, high, ok)
	}

	m, ok := b.Lookup(2)
	if !ok {
		t.Fatalf("expected seq 2 to be present")
	}
	if !bytes.Equal(m.Payload, []byte("b")) {
		t.Fatalf("expected payload 'b', got %q", m.Payload)
	}

	if _, ok := b.Lookup(5); ok {
		t.Fatalf("expected seq 5 to be absent")
	}
}

func TestEvictionMaintainsContiguity(t *testing.T) {
	b := New(3)
	for i := uint64(1); i <= 5; i++ {
		b.Insert(i, enc(string(rune('a'+i))))
	}

	low, high, ok := b.Bounds()
	if !ok {
		t.Fatalf("expected non-empty buffer")
	}
	if low != 3 || high != 5 {
		t.Fatalf("expected bounds [3,5] after eviction, got [%d,%d]", low, high)
	}
	if b.Len() != 3 {
		t.Fatalf("expected len=3, got %d", b.Len())
	}

	if _, ok := b.Lookup(1); ok {
		t.Fatalf("expected seq 1 to have been evicted")
	}
	if _, ok := b.Lookup(2); ok {
		t.Fatalf("expected seq 2 to have been evicted")
	}
	m, ok := b.Lookup(5)
	if !ok {
		t.Fatalf("expected seq 5 to be present")
	}
	if !bytes.Equal(m.Payload, []byte(string(rune('a'+5)))) {
		t.Fatalf("unexpected payload for seq 5: %q", m.Payload)
	}
}

func TestLookupRangePartialHit(t *testing.T) {
	b := New(3)
	for i := uint64(1); i <= 5; i++ {
		b.Insert(i, enc(string(rune('a'+i))))
	}
	// buffer now holds [3,5]; request [1,5) should only return [3,5)
	got := b.LookupRange(1, 4)
	if len(got) != 2 {
		t.Fatalf("expected 2 in-buffer messages, got %d", len(got))
	}
}

func TestLookupRangeBeyondHighTruncates(t *testing.T) {
	b := New(10)
	b.Insert(1, enc("a"))
	b.Insert(2, enc("b"))

	got := b.LookupRange(1, 100)
	if len(got) != 2 {
		t.Fatalf("expected truncation to 2 messages, got %d", len(got))
	}
}

func TestLookupRangeEntirelyOutOfWindow(t *testing.T) {
	b := New(3)
	for i := uint64(1); i <= 5; i++ {
		b.Insert(i, enc("x"))
	}
	// buffer holds [3,5]; request entirely below window
	got := b.LookupRange(1, 2)
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d entries", len(got))
	}
}

func TestEmptyBufferLookup(t *testing.T) {
	b := New(10)
	if _, ok := b.Lookup(1); ok {
		t.Fatalf("expected empty buffer lookup to miss")
	}
	if got := b.LookupRange(1, 5); got != nil {
		t.Fatalf("expected nil range from empty buffer, got %v", got)
	}
	if _, _, ok := b.Bounds(); ok {
		t.Fatalf("expected ok=false for empty buffer bounds")
	}
}

func TestDefaultCapacity(t *testing.T) {
	b := New(0)
	if b.cap != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, b.cap)
	}
}
