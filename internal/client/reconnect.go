package client

import "time"

// reconnector owns the retry counter and the pending backoff timer.
// All access happens under the SessionManager mutex, so a manual
// Disconnect and a firing timer can never race on the handle.
type reconnector struct {
	baseDelay   time.Duration
	maxAttempts int

	attempts int
	timer    *time.Timer
}

// next advances the attempt counter and returns the linear backoff delay
// for it. Returns false when the attempt budget is exhausted.
func (r *reconnector) next() (time.Duration, bool) {
	if r.attempts >= r.maxAttempts {
		return 0, false
	}
	r.attempts++
	return time.Duration(r.attempts) * r.baseDelay, true
}

func (r *reconnector) reset() {
	r.attempts = 0
}

// cancel stops a pending timer, if any.
func (r *reconnector) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
