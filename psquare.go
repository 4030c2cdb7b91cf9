package rtcore

import "math"

// latencyQuantile implements the P-Square algorithm for streaming quantile
// estimation: O(1) per-observation update, O(1) quantile retrieval, no
// sample retention. Adapted from the teacher's pSquareQuantile
// (github.com/joeycumines/go-eventloop's psquare.go), which cites:
//
//	Jain, R. and Chlamtac, I. (1985). "The P² Algorithm for Dynamic
//	Calculation of Quantiles and Histograms Without Storing Observations".
//	Communications of the ACM, 28(10), pp. 1076-1085.
//
// Used here to track handler dispatch latency per domain, as reported by
// Pipeline.Stats, where retaining raw samples would itself be a real-time
// liability. The watchdog does not read it: it compares each handler's
// elapsed time with its threshold directly. Each Task also carries an
// execution-time tracker, but nothing records into it.
//
// Thread safety: not thread-safe; callers serialize access (the pipeline
// touches its per-domain trackers only under Pipeline.mu).
type latencyQuantile struct {
	p           float64
	q           [5]float64
	n           [5]int
	np          [5]float64
	dn          [5]float64
	initialized bool
	count       int
	initBuffer  [5]float64
}

func newLatencyQuantile(p float64) *latencyQuantile {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &latencyQuantile{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// Update adds a new observation. O(1).
func (ps *latencyQuantile) Update(x float64) {
	ps.count++

	if ps.count <= 5 {
		ps.initBuffer[ps.count-1] = x
		if ps.count == 5 {
			ps.initialize()
		}
		return
	}

	var k int
	if x < ps.q[0] {
		ps.q[0] = x
		k = 0
	} else if x >= ps.q[4] {
		ps.q[4] = x
		k = 3
	} else {
		for k = 0; k < 4; k++ {
			if ps.q[k] <= x && x < ps.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		ps.n[i]++
	}
	for i := 0; i < 5; i++ {
		ps.np[i] += ps.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := ps.np[i] - float64(ps.n[i])
		if (d >= 1 && ps.n[i+1]-ps.n[i] > 1) || (d <= -1 && ps.n[i-1]-ps.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := ps.parabolic(i, sign)
			if ps.q[i-1] < qPrime && qPrime < ps.q[i+1] {
				ps.q[i] = qPrime
			} else {
				ps.q[i] = ps.linear(i, sign)
			}
			ps.n[i] += sign
		}
	}
}

func (ps *latencyQuantile) initialize() {
	for i := 1; i < 5; i++ {
		key := ps.initBuffer[i]
		j := i - 1
		for j >= 0 && ps.initBuffer[j] > key {
			ps.initBuffer[j+1] = ps.initBuffer[j]
			j--
		}
		ps.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		ps.q[i] = ps.initBuffer[i]
		ps.n[i] = i
	}
	ps.np = [5]float64{0, 2 * ps.p, 4 * ps.p, 2 + 2*ps.p, 4}
	ps.initialized = true
}

func (ps *latencyQuantile) parabolic(i, d int) float64 {
	df := float64(d)
	ni := float64(ps.n[i])
	niPrev := float64(ps.n[i-1])
	niNext := float64(ps.n[i+1])

	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (ps.q[i+1] - ps.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (ps.q[i] - ps.q[i-1]) / (ni - niPrev)
	return ps.q[i] + term1*(term2+term3)
}

func (ps *latencyQuantile) linear(i, d int) float64 {
	if d == 1 {
		return ps.q[i] + (ps.q[i+1]-ps.q[i])/float64(ps.n[i+1]-ps.n[i])
	}
	return ps.q[i] - (ps.q[i]-ps.q[i-1])/float64(ps.n[i]-ps.n[i-1])
}

// Quantile returns the current estimated quantile value. O(1).
func (ps *latencyQuantile) Quantile() float64 {
	if ps.count == 0 {
		return 0
	}
	if ps.count < 5 {
		sorted := make([]float64, ps.count)
		copy(sorted, ps.initBuffer[:ps.count])
		for i := 1; i < ps.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		index := int(float64(ps.count-1) * ps.p)
		if index >= ps.count {
			index = ps.count - 1
		}
		return sorted[index]
	}
	return ps.q[2]
}

// Count returns the number of observations received.
func (ps *latencyQuantile) Count() int { return ps.count }

// Max returns the maximum observed value.
func (ps *latencyQuantile) Max() float64 {
	if ps.count == 0 {
		return 0
	}
	if ps.count < 5 {
		m := ps.initBuffer[0]
		for i := 1; i < ps.count; i++ {
			if ps.initBuffer[i] > m {
				m = ps.initBuffer[i]
			}
		}
		return m
	}
	return ps.q[4]
}

// latencyTracker tracks p50/p99 and max of a latency-like series in
// nanoseconds, e.g. per-domain dispatch latency or per-task execution time.
type latencyTracker struct {
	p50   *latencyQuantile
	p99   *latencyQuantile
	max   float64
	count int64
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{
		p50: newLatencyQuantile(0.50),
		p99: newLatencyQuantile(0.99),
	}
}

// Observe records one duration, in nanoseconds.
func (t *latencyTracker) Observe(ns float64) {
	t.count++
	if ns > t.max {
		t.max = ns
	}
	t.p50.Update(ns)
	t.p99.Update(ns)
}

// Snapshot is a point-in-time read of the tracked distribution.
type Snapshot struct {
	Count int64
	P50ns float64
	P99ns float64
	MaxNs float64
}

// Snapshot returns the current distribution estimate.
func (t *latencyTracker) Snapshot() Snapshot {
	return Snapshot{
		Count: t.count,
		P50ns: t.p50.Quantile(),
		P99ns: t.p99.Quantile(),
		MaxNs: math.Max(0, t.max),
	}
}
