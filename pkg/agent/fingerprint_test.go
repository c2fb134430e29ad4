package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopDetectorThreshold(t *testing.T) {
	d := newLoopDetector(5, 3)

	assert.False(t, d.Observe("a"))
	assert.False(t, d.Observe("b"))
	assert.False(t, d.Observe("a"))
	assert.True(t, d.Observe("a"), "third occurrence within the window trips")
}

func TestLoopDetectorWindowEviction(t *testing.T) {
	d := newLoopDetector(3, 3)

	assert.False(t, d.Observe("a"))
	assert.False(t, d.Observe("b"))
	assert.False(t, d.Observe("c"))
	// "a" was evicted; two fresh occurrences do not trip.
	assert.False(t, d.Observe("a"))
	assert.False(t, d.Observe("b"))
}

func TestLoopDetectorUniformWindow(t *testing.T) {
	d := newLoopDetector(2, 3)

	assert.False(t, d.Observe("x"))
	// Threshold of 3 can never be met in a window of 2, but a fully
	// uniform window still trips.
	assert.True(t, d.Observe("x"))
}

func TestLoopDetectorDistinctNeverTrips(t *testing.T) {
	d := newLoopDetector(5, 3)
	for _, fp := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		assert.False(t, d.Observe(fp), fp)
	}
}
