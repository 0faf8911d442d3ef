package pipeline

import (
	"math/rand/v2"
	"time"
)

// Progress ceiling bounds. The estimate never passes the ceiling while a
// job is unresolved.
const (
	DefaultProgressCeiling = 88.0
	MinProgressCeiling     = 85.0
	MaxProgressCeiling     = 90.0
)

const (
	minStepFraction = 0.02
	maxStepFraction = 0.08
	maxTickSeconds  = 5.0
)

// ProgressEstimator produces synthetic progress for jobs whose runner
// reports no fractional progress. Each tick closes a random fraction of the
// remaining distance to the ceiling, so the value approaches it without
// reaching it.
type ProgressEstimator struct {
	ceiling float64
	rand    func() float64
}

// NewProgressEstimator clamps ceiling into [85, 90]; zero selects 88.
func NewProgressEstimator(ceiling float64) *ProgressEstimator {
	switch {
	case ceiling == 0:
		ceiling = DefaultProgressCeiling
	case ceiling < MinProgressCeiling:
		ceiling = MinProgressCeiling
	case ceiling > MaxProgressCeiling:
		ceiling = MaxProgressCeiling
	}
	return &ProgressEstimator{ceiling: ceiling, rand: rand.Float64}
}

// Tick advances current by a bounded random step scaled by the time since
// the previous tick. The result is never lower than current and never
// reaches the ceiling.
func (p *ProgressEstimator) Tick(elapsed time.Duration, current float64) float64 {
	if current < 0 {
		current = 0
	}
	remaining := p.ceiling - current
	if remaining <= 0 || elapsed <= 0 {
		return current
	}

	secs := min(elapsed.Seconds(), maxTickSeconds)
	frac := (minStepFraction + p.rand()*(maxStepFraction-minStepFraction)) * secs
	frac = min(frac, 0.5)

	next := current + remaining*frac
	if next >= p.ceiling {
		return current
	}
	return next
}

// OnResolved is the value shown once a job succeeds.
func (p *ProgressEstimator) OnResolved(float64) float64 {
	return 100
}
