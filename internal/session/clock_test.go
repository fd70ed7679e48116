package session

import "testing"

func TestEstimatorFirstObservationSetsOffset(t *testing.T) {
	e := NewEstimator()
	got := e.Observe(1000, 1500, 1510)
	if got != 500 {
		t.Errorf("Observe() = %d, want 500", got)
	}
	if e.Samples() != 1 {
		t.Errorf("Samples() = %d, want 1", e.Samples())
	}
}

func TestEstimatorSmoothsTowardNewSamples(t *testing.T) {
	e := NewEstimator()
	e.Observe(0, 500, 510)   // offset = 500
	got := e.Observe(0, 600, 610) // sample = 600, expect 0.2*600+0.8*500=520
	if got != 520 {
		t.Errorf("Observe() second sample = %d, want 520", got)
	}
}

func TestToClientTime(t *testing.T) {
	e := NewEstimator()
	e.Observe(1000, 1500, 1510) // offset 500
	if got := e.ToClientTime(2000); got != 1500 {
		t.Errorf("ToClientTime(2000) = %d, want 1500", got)
	}
}
