package sensor

// StepTracker turns cumulative counts into a per-session delta.
// It is not safe for concurrent use; the owner serializes access.
type StepTracker struct {
	baseline int64
	latest   int64
	hasBase  bool
}

// Reset invalidates the baseline; the next reading becomes the new baseline.
func (t *StepTracker) Reset() {
	*t = StepTracker{}
}

// Observe records a raw reading and returns the current delta.
// Only the first reading after Reset sets the baseline.
func (t *StepTracker) Observe(raw int64) int64 {
	if !t.hasBase {
		t.baseline = raw
		t.hasBase = true
	}
	t.latest = raw
	return t.Delta()
}

// Delta is max(0, latest - baseline), or 0 before any reading.
func (t *StepTracker) Delta() int64 {
	if !t.hasBase {
		return 0
	}
	if d := t.latest - t.baseline; d > 0 {
		return d
	}
	return 0
}
