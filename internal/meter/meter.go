// Package meter computes a smoothed input level in dBFS from S16 sample
// buffers.
package meter

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	// MinDB is the silence floor.
	MinDB = -60.0
	// MaxDB is full scale.
	MaxDB = 0.0
	// PeakHoldDuration is how long peaks are held before decay.
	PeakHoldDuration = 1500 * time.Millisecond

	fullScale  = 32768.0
	rmsEpsilon = 1e-9
)

// Observe returns the RMS level of samples in dBFS, clamped to
// [MinDB, MaxDB]. An empty or all-zero buffer yields exactly MinDB.
func Observe(samples []int16) float64 {
	if len(samples) == 0 {
		return MinDB
	}

	var sumSquares float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
	}

	rms := math.Sqrt(sumSquares/float64(len(samples))) / fullScale
	if rms < rmsEpsilon {
		rms = rmsEpsilon
	}
	return clamp(20 * math.Log10(rms))
}

// peak returns the absolute sample peak in dBFS.
func peak(samples []int16) float64 {
	var p float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > p {
			p = a
		}
	}
	if p == 0 {
		return MinDB
	}
	return clamp(20 * math.Log10(p/fullScale))
}

func clamp(db float64) float64 {
	if db < MinDB {
		return MinDB
	}
	if db > MaxDB {
		return MaxDB
	}
	return db
}

// Meter holds the published level. Update is called from a single goroutine
// (the capture callback); Level and Peak may be read from anywhere.
type Meter struct {
	attack  float64
	release float64
	now     func() time.Time

	level atomic.Uint64
	held  atomic.Uint64

	// Owned by the updating goroutine.
	heldAt time.Time
}

// New creates a meter with the given attack and release smoothing
// coefficients in (0,1]. A coefficient of 1 follows the input directly.
func New(attack, release float64) *Meter {
	m := &Meter{
		attack:  attack,
		release: release,
		now:     time.Now,
	}
	m.Reset()
	return m
}

// Update folds one buffer into the smoothed level and returns it.
func (m *Meter) Update(samples []int16) float64 {
	db := Observe(samples)

	prev := m.Level()
	coef := m.release
	if db > prev {
		coef = m.attack
	}
	smoothed := clamp(prev + (db-prev)*coef)
	m.level.Store(math.Float64bits(smoothed))

	now := m.now()
	if p := peak(samples); p >= m.Peak() || now.Sub(m.heldAt) > PeakHoldDuration {
		m.held.Store(math.Float64bits(p))
		m.heldAt = now
	}

	return smoothed
}

// Level returns the smoothed RMS level in dBFS.
func (m *Meter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Peak returns the held peak in dBFS.
func (m *Meter) Peak() float64 {
	return math.Float64frombits(m.held.Load())
}

// Reset returns the meter to the silence floor. Call it only while no
// Update is running, e.g. between capture sessions.
func (m *Meter) Reset() {
	m.level.Store(math.Float64bits(MinDB))
	m.held.Store(math.Float64bits(MinDB))
	m.heldAt = time.Time{}
}
