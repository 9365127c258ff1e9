package backoff

import (
	"testing"
	"time"
)

func TestDoubling(t *testing.T) {
	b := New(100*time.Millisecond, 5*time.Second)

	expect := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		5 * time.Second,
		5 * time.Second, // saturated
	}

	for i, want := range expect {
		if got := b.Next(); got != want {
			t.Fatalf("attempt %d: got %v, want %v", i, got, want)
		}
	}

	if b.Attempts() != len(expect) {
		t.Fatalf("got %d attempts, want %d", b.Attempts(), len(expect))
	}
}

func TestReset(t *testing.T) {
	b := New(100*time.Millisecond, 5*time.Second)

	for i := 0; i < 10; i++ {
		if d := b.Next(); d > 5*time.Second {
			t.Fatalf("delay %v exceeds ceiling", d)
		}
	}

	b.Reset()

	if d := b.Next(); d != 100*time.Millisecond {
		t.Fatalf("got %v after reset, want base delay", d)
	}
}

func TestZeroValue(t *testing.T) {
	var b Backoff
	b.Min = 100 * time.Millisecond
	b.Max = 5 * time.Second

	if d := b.Next(); d != 100*time.Millisecond {
		t.Fatalf("zero-value backoff returned %v", d)
	}
}
