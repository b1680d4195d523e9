package utterance

import (
	"bytes"
	"testing"
)

func TestLookback_FlushReturnsInsertionOrder(t *testing.T) {
	l := NewLookback(3)
	l.Push([]byte{1})
	l.Push([]byte{2})
	l.Push([]byte{3})

	got := l.Flush()
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	for i, want := range [][]byte{{1}, {2}, {3}} {
		if !bytes.Equal(got[i], want) {
			t.Errorf("chunk %d = %v, want %v", i, got[i], want)
		}
	}
	if l.Len() != 0 {
		t.Errorf("expected empty buffer after Flush, got %d", l.Len())
	}
}

func TestLookback_TruncatesOldestPastCapacity(t *testing.T) {
	l := NewLookback(2)
	l.Push([]byte{1})
	l.Push([]byte{2})
	l.Push([]byte{3})

	got := l.Flush()
	if len(got) != 2 || !bytes.Equal(got[0], []byte{2}) || !bytes.Equal(got[1], []byte{3}) {
		t.Fatalf("expected the newest two chunks [2 3], got %v", got)
	}
}

func TestLookback_PushCopiesCallerBuffer(t *testing.T) {
	l := NewLookback(2)
	buf := []byte{7}
	l.Push(buf)
	buf[0] = 99

	got := l.Flush()
	if got[0][0] != 7 {
		t.Errorf("expected the buffered chunk to be an owned copy, got %v", got[0])
	}
}

func TestLookback_ZeroCapacityHoldsNothing(t *testing.T) {
	l := NewLookback(0)
	l.Push([]byte{1})
	if l.Len() != 0 {
		t.Errorf("expected zero-capacity lookback to stay empty")
	}
	if got := l.Flush(); got != nil {
		t.Errorf("expected nil flush from zero-capacity lookback, got %v", got)
	}
}

func TestLookback_Clear(t *testing.T) {
	l := NewLookback(2)
	l.Push([]byte{1})
	l.Clear()
	if l.Len() != 0 {
		t.Errorf("expected empty buffer after Clear")
	}
}
