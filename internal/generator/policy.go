package generator

import "time"

// RestartPolicy decides the delay before a terminated generator is
// respawned. Generators wrap external, often flaky processes; the policy
// always restarts, but backs off exponentially so a crash loop cannot
// monopolize the log with start/stop pairs.
type RestartPolicy struct {
	// Base is the delay after a clean or first failure.
	Base time.Duration
	// Max caps the exponential growth.
	Max time.Duration
	// MinUptime is how long a run must last for the crash counter to reset.
	MinUptime time.Duration
}

// NextCount returns the restart counter after a run that lasted uptime.
func (p RestartPolicy) NextCount(uptime time.Duration, count int) int {
	if uptime >= p.MinUptime {
		return 0
	}
	return count + 1
}

// Delay returns the backoff before restart number count.
func (p RestartPolicy) Delay(count int) time.Duration {
	d := p.Base
	for i := 0; i < count; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
