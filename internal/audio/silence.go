package audio

import (
	"sync"
	"time"

	"github.com/stagewire/stagewire/internal/wire"
)

const (
	// DefaultThreshold is the level below which a sample counts as silent.
	DefaultThreshold = -40.0
	// DefaultHold is how long silence must persist before an alert fires.
	DefaultHold = 15 * time.Second
)

// Detector is the silence state machine. Observe feeds decoded samples; the
// detector fires exactly once per silence episode and re-arms when the level
// recovers or Reset is called.
type Detector struct {
	mu        sync.Mutex
	threshold float64
	hold      time.Duration

	monitoring  bool
	level       float64
	lastAt      time.Time
	silentSince time.Time
	fired       bool
}

// NewDetector creates a detector with the default threshold and hold.
func NewDetector() *Detector {
	return &Detector{threshold: DefaultThreshold, hold: DefaultHold}
}

// Observe feeds one sample in dBFS taken at the given time. It returns true
// on the single observation where silence has persisted for the hold period.
func (d *Detector) Observe(level float64, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.monitoring = true
	d.level = level
	d.lastAt = at

	if level >= d.threshold {
		d.silentSince = time.Time{}
		d.fired = false
		return false
	}
	if d.silentSince.IsZero() {
		d.silentSince = at
		return false
	}
	if d.fired || at.Sub(d.silentSince) < d.hold {
		return false
	}
	d.fired = true
	return true
}

// Reset clears the current episode and stops monitoring, for stream stop or
// an explicit disable.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.monitoring = false
	d.silentSince = time.Time{}
	d.fired = false
}

// Snapshot reports detector state for telemetry. Duration is measured
// against the last observed sample, not the wall clock.
func (d *Detector) Snapshot() wire.AudioStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := wire.AudioStatus{
		Monitoring:      d.monitoring,
		SilenceDetected: d.fired,
	}
	if !d.silentSince.IsZero() && !d.lastAt.IsZero() {
		st.SilenceDurationSec = d.lastAt.Sub(d.silentSince).Seconds()
	}
	return st
}
