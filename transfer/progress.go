package transfer

import "math"

// progressTracker turns byte counts into a non-decreasing percentage.
type progressTracker struct {
	last int
}

func (p *progressTracker) update(done, total int64) int {
	pct := 100
	if total > 0 {
		pct = int(math.Round(float64(done) / float64(total) * 100))
	}
	if pct > 100 {
		pct = 100
	}
	if pct < p.last {
		pct = p.last
	}
	p.last = pct
	return pct
}
