package client

import (
	"testing"
	"time"
)

// Five unplanned closures back off 2s,4s,6s,8s,10s; the sixth is
// terminal, not another timer.
func TestBackoffSequence(t *testing.T) {
	r := reconnector{baseDelay: 2 * time.Second, maxAttempts: 5}

	want := []time.Duration{2, 4, 6, 8, 10}
	for i, w := range want {
		delay, ok := r.next()
		if !ok {
			t.Fatalf("attempt %d refused, want delay", i+1)
		}
		if delay != w*time.Second {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, delay, w*time.Second)
		}
	}

	if _, ok := r.next(); ok {
		t.Fatal("sixth attempt granted, want exhaustion")
	}
}

func TestBackoffResetRestoresBudget(t *testing.T) {
	r := reconnector{baseDelay: time.Second, maxAttempts: 5}
	for i := 0; i < 5; i++ {
		r.next()
	}
	if _, ok := r.next(); ok {
		t.Fatal("budget not exhausted")
	}

	r.reset()
	delay, ok := r.next()
	if !ok || delay != time.Second {
		t.Fatalf("after reset: delay=%v ok=%v, want 1s true", delay, ok)
	}
}

func TestCancelWithoutTimerIsSafe(t *testing.T) {
	r := reconnector{baseDelay: time.Second, maxAttempts: 5}
	r.cancel()
	r.timer = time.AfterFunc(time.Hour, func() { t.Error("cancelled timer fired") })
	r.cancel()
	if r.timer != nil {
		t.Fatal("timer handle not cleared")
	}
}
