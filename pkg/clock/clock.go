// Package clock abstracts wall-clock time so that polling loops, traffic
// shift delays and retry backoff can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the scheduler and the
// deployment controller. Production code uses Real(); tests use Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }
