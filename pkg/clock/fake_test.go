package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v, want %v", got, epoch.Add(5*time.Second))
		}
	default:
		t.Fatal("waiter did not fire at its deadline")
	}

	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestFakeClock_NonPositiveDurationIsImmediate(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should be ready immediately")
	}
	if c.PendingCount() != 0 {
		t.Errorf("After(0) registered a waiter")
	}
}

func TestFakeClock_WaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})

	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine was not released by Advance")
	}
}

func TestAutoAdvance(t *testing.T) {
	c := AutoAdvance(epoch)

	<-c.After(30 * time.Second)
	<-c.After(90 * time.Second)

	if got := c.Since(epoch); got != 2*time.Minute {
		t.Errorf("Since = %v, want 2m", got)
	}
}

func TestAutoAdvance_FiresRegisteredWaiters(t *testing.T) {
	c := Fake(epoch)
	pending := c.After(10 * time.Second)
	c.autoAdvance = true

	<-c.After(15 * time.Second)

	select {
	case <-pending:
	default:
		t.Fatal("earlier waiter should fire when auto-advance passes its deadline")
	}
}
