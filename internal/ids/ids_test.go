package ids

import (
	"testing"
	"time"
)

func TestAtIsMonotonicWithinMillisecond(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := At(now)
	for i := 0; i < 100; i++ {
		next := At(now)
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, ok := Time(At(now))
	if !ok {
		t.Fatal("expected valid id")
	}
	if !got.Equal(now) {
		t.Fatalf("time mismatch: got %v want %v", got, now)
	}
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatal("expected invalid id to be rejected")
	}
}
