package session

import "sync"

// Estimator maintains an exponentially-weighted estimate of a
// session's clock offset from repeated SYNC exchanges (spec.md §4.5).
// A full NTP exchange needs four timestamps (client send t1, router
// receive t2, router send t3, client receive t4); CLASP's SYNC only
// carries the three the router can observe directly, so the estimator
// uses t2-t1 (router receive time minus client send time) as each
// sample — a one-way approximation that's good enough for the ±500ms
// bundle-scheduling tolerance spec.md requires, without needing the
// client to report t4 back in a second round trip.
type Estimator struct {
	mu          sync.Mutex
	alpha       float64
	offsetUs    float64
	hasEstimate bool
	samples     int
}

// defaultAlpha weights each new sample at 20%, matching the kind of
// smoothing the teacher's token accumulators use for rolling figures.
const defaultAlpha = 0.2

// NewEstimator creates a clock offset estimator for one session.
func NewEstimator() *Estimator {
	return &Estimator{alpha: defaultAlpha}
}

// Observe records one SYNC round trip. t1 is the client's send
// timestamp, t2 the router's receive timestamp, t3 the router's send
// timestamp (echoed back to the client; not used in the offset
// estimate itself but retained by the caller for the reply). Returns
// the updated offset estimate in microseconds.
func (e *Estimator) Observe(t1, t2, t3 int64) int64 {
	_ = t3
	sample := float64(t2 - t1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasEstimate {
		e.offsetUs = sample
		e.hasEstimate = true
	} else {
		e.offsetUs = e.alpha*sample + (1-e.alpha)*e.offsetUs
	}
	e.samples++
	return int64(e.offsetUs)
}

// Offset returns the current offset estimate in microseconds (router
// time minus client time). Zero until the first Observe call.
func (e *Estimator) Offset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(e.offsetUs)
}

// Samples reports how many SYNC exchanges have been observed.
func (e *Estimator) Samples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// ToClientTime converts a router-side timestamp to the estimated
// corresponding client-side timestamp, used to validate a bundle's
// requested scheduled time against the ±500ms tolerance in spec.md's
// testable properties.
func (e *Estimator) ToClientTime(routerUs int64) int64 {
	return routerUs - e.Offset()
}

// ToRouterTime converts a client-side timestamp (e.g. a scheduled
// bundle's execution time, sent in the client's own clock) to the
// estimated corresponding router-side timestamp.
func (e *Estimator) ToRouterTime(clientUs int64) int64 {
	return clientUs + e.Offset()
}
