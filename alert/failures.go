package alert

import "sync"

// FailureTracker counts consecutive failures per subject and reports when a
// subject crosses the alerting threshold.
type FailureTracker struct {
	threshold int

	mu     sync.Mutex
	counts map[string]int
}

// NewFailureTracker creates a tracker that fires on the threshold-th
// consecutive failure. Thresholds below 1 are treated as 1.
func NewFailureTracker(threshold int) *FailureTracker {
	return &FailureTracker{threshold: max(threshold, 1), counts: map[string]int{}}
}

// Failed records a failure and returns the consecutive count and whether
// it just reached the threshold.
func (t *FailureTracker) Failed(subject string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[subject]++
	n := t.counts[subject]
	return n, n == t.threshold
}

// Succeeded resets the subject's count.
func (t *FailureTracker) Succeeded(subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, subject)
}
