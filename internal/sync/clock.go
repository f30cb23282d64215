// ABOUTME: Playback clock with drift compensation
// ABOUTME: Tracks offset AND drift between the wall clock and the output device timeline
package sync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Quality represents how trustworthy the clock estimate is
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

const (
	// residuals beyond this mean the device stalled or jumped
	maxResidualMicros = 50000
	// no observation for this long means the device is not consuming
	lostAfter = 2 * time.Second
	// below this the estimate is considered smooth
	goodResidualMicros = 5000
)

// PlaybackClock estimates the output device's timeline position from the
// wall clock. The device reports its position in coarse steps (one per
// buffer pull); between reports the clock extrapolates using a smoothed
// offset and drift so every path is scheduled against the same timeline.
type PlaybackClock struct {
	mu            sync.Mutex
	origin        time.Time
	offset        int64   // device - wall, microseconds
	drift         float64 // device rate error (dimensionless: μs/μs)
	lastObsMicros int64   // wall time (μs since origin) of the last accepted observation
	lastObs       time.Time
	lastResidual  int64
	sampleCount   int
	smoothingRate float64
	floor         int64 // last value returned by Now, keeps the clock monotonic
	quality       Quality
	log           zerolog.Logger
}

// NewPlaybackClock creates a clock whose timeline starts at origin
func NewPlaybackClock(origin time.Time, log zerolog.Logger) *PlaybackClock {
	return &PlaybackClock{
		origin:        origin,
		smoothingRate: 0.1, // 10% weight to new samples
		quality:       QualityLost,
		log:           log.With().Str("module", "clock").Logger(),
	}
}

func (c *PlaybackClock) wallMicros(wall time.Time) int64 {
	return wall.Sub(c.origin).Microseconds()
}

// Observe records that the device timeline was at position at the given
// wall time.
func (c *PlaybackClock) Observe(position time.Duration, wall time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.wallMicros(wall)
	measured := position.Microseconds() - w
	c.lastObs = wall

	// First observation: initialize offset, no drift yet
	if c.sampleCount == 0 {
		c.reset(measured, w)
		return
	}

	dt := float64(w - c.lastObsMicros)
	if dt <= 0 {
		return
	}

	// Second observation: initial drift
	if c.sampleCount == 1 {
		if jump := measured - c.offset; jump > maxResidualMicros || jump < -maxResidualMicros {
			c.reset(measured, w)
			return
		}
		c.drift = float64(measured-c.offset) / dt
		c.offset = measured
		c.lastObsMicros = w
		c.sampleCount++
		c.quality = QualityGood
		return
	}

	// Predict the offset using drift, then correct both by the residual
	predicted := c.offset + int64(c.drift*dt)
	residual := measured - predicted

	if residual > maxResidualMicros || residual < -maxResidualMicros {
		c.log.Debug().
			Int64("residual_us", residual).
			Msg("Device clock jumped, resetting estimate")
		c.reset(measured, w)
		return
	}

	c.offset = predicted + int64(c.smoothingRate*float64(residual))
	c.drift += c.smoothingRate * float64(residual) / dt
	c.lastObsMicros = w
	c.lastResidual = residual
	c.sampleCount++

	if residual < goodResidualMicros && residual > -goodResidualMicros {
		c.quality = QualityGood
	} else {
		c.quality = QualityDegraded
	}
}

func (c *PlaybackClock) reset(offset, w int64) {
	c.offset = offset
	c.drift = 0
	c.lastObsMicros = w
	c.lastResidual = 0
	c.sampleCount = 1
	c.quality = QualityDegraded
}

// Now returns the estimated device position at the given wall time. Before
// any observation the device is assumed to run in step with the wall clock.
// The result never decreases.
func (c *PlaybackClock) Now(wall time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.wallMicros(wall)
	est := w
	if c.sampleCount > 0 {
		dt := w - c.lastObsMicros
		est = w + c.offset + int64(c.drift*float64(dt))
	}

	if est < c.floor {
		est = c.floor
	}
	c.floor = est
	return time.Duration(est) * time.Microsecond
}

// Stats returns the current offset, drift and quality
func (c *PlaybackClock) Stats() (offset time.Duration, drift float64, quality Quality) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.offset) * time.Microsecond, c.drift, c.quality
}

// CheckQuality downgrades the quality when the device has stopped reporting
func (c *PlaybackClock) CheckQuality(wall time.Time) Quality {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sampleCount == 0 || wall.Sub(c.lastObs) > lostAfter {
		c.quality = QualityLost
	}
	return c.quality
}
