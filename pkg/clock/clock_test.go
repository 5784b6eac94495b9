package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceMovesNow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(90 * time.Second)
	if got := f.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now = %v, want %v", got, start.Add(90*time.Second))
	}
}

func TestFakeAfterFiresWhenDue(t *testing.T) {
	f := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ch := f.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("timer fired before the clock advanced")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case at := <-ch:
		want := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
		if !at.Equal(want) {
			t.Fatalf("timer fired at %v, want %v", at, want)
		}
	default:
		t.Fatal("timer should have fired")
	}
}

func TestFakeAfterZeroDurationFiresImmediately(t *testing.T) {
	f := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	select {
	case <-f.After(0):
	default:
		t.Fatal("zero duration timer should be ready")
	}
}
