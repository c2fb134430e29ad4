package agent

// loopDetector keeps a ring of recent invocation fingerprints and trips when
// the same fingerprint recurs often enough within the window.
type loopDetector struct {
	window    []string
	size      int
	threshold int
	next      int
	count     int
}

func newLoopDetector(size, threshold int) *loopDetector {
	if size <= 0 {
		size = 5
	}
	if threshold <= 1 {
		threshold = 3
	}
	return &loopDetector{
		window:    make([]string, size),
		size:      size,
		threshold: threshold,
	}
}

// Observe records one fingerprint and reports whether the loop condition now
// holds: the fingerprint appears at least threshold times in the window, or
// the full window is a single repeating fingerprint.
func (d *loopDetector) Observe(fingerprint string) bool {
	d.window[d.next] = fingerprint
	d.next = (d.next + 1) % d.size
	if d.count < d.size {
		d.count++
	}

	occurrences := 0
	uniform := true
	for i := 0; i < d.count; i++ {
		if d.window[i] == fingerprint {
			occurrences++
		} else {
			uniform = false
		}
	}
	if occurrences >= d.threshold {
		return true
	}
	return uniform && d.count == d.size
}
