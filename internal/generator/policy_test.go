package generator

import (
	"testing"
	"time"
)

func TestPolicyDelayIsNonDecreasingAndCapped(t *testing.T) {
	t.Parallel()

	p := RestartPolicy{Base: 100 * time.Millisecond, Max: 1 * time.Second, MinUptime: time.Minute}

	var prev time.Duration
	for count := 0; count < 12; count++ {
		d := p.Delay(count)
		if d < prev {
			t.Fatalf("delay decreased at count %d: %v < %v", count, d, prev)
		}
		if d > p.Max {
			t.Fatalf("delay %v exceeds cap %v", d, p.Max)
		}
		prev = d
	}
	if p.Delay(0) != p.Base {
		t.Fatalf("Delay(0) = %v, want base %v", p.Delay(0), p.Base)
	}
	if p.Delay(20) != p.Max {
		t.Fatalf("Delay(20) = %v, want cap %v", p.Delay(20), p.Max)
	}
}

func TestPolicyNextCountIncrementsOnFastCrash(t *testing.T) {
	t.Parallel()

	p := RestartPolicy{Base: time.Millisecond, Max: time.Second, MinUptime: 10 * time.Second}

	count := 0
	for i := 1; i <= 4; i++ {
		count = p.NextCount(50*time.Millisecond, count)
		if count != i {
			t.Fatalf("cycle %d: count = %d", i, count)
		}
	}
}

func TestPolicyNextCountResetsAfterMinUptime(t *testing.T) {
	t.Parallel()

	p := RestartPolicy{Base: time.Millisecond, Max: time.Second, MinUptime: 10 * time.Second}

	if got := p.NextCount(11*time.Second, 7); got != 0 {
		t.Fatalf("NextCount after long run = %d, want 0", got)
	}
}
