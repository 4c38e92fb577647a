package ratelimit

import "time"

// window is the counter state one actor owns.
type window struct {
	policy Policy
	count  int
	start  time.Time
	active bool
}

func newWindow(p Policy) *window {
	return &window{policy: p}
}

// admit applies one request at now. The window rolls over (fixed, not
// sliding) once its full duration has elapsed.
func (w *window) admit(now time.Time) Decision {
	if !w.active {
		w.count = 0
		w.start = now
		w.active = true
	}

	elapsed := w.elapsed(now)
	if elapsed >= w.policy.Window {
		w.count = 0
		w.start = now
		elapsed = 0
	}

	d := Decision{
		Limit:   w.policy.Limit,
		ResetIn: ceilSeconds(w.policy.Window - elapsed),
	}
	if w.count < w.policy.Limit {
		w.count++
		d.Allowed = true
		d.Remaining = w.policy.Limit - w.count
	}
	return d
}

// expired reports whether the next request would start a fresh window.
func (w *window) expired(now time.Time) bool {
	return !w.active || w.elapsed(now) >= w.policy.Window
}

// A clock that steps backwards counts as no time elapsed.
func (w *window) elapsed(now time.Time) time.Duration {
	if e := now.Sub(w.start); e > 0 {
		return e
	}
	return 0
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
