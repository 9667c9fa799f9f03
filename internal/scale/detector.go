// Package scale turns the raw serial output of a weighbridge indicator into
// weight readings and settled-weight events.
package scale

import (
	"math"
	"time"
)

type Settings struct {
	WindowSize  int
	StdMax      float64
	MinDuration time.Duration
	Hysteresis  float64
}

// Phase is the detector's position in the settle cycle.
type Phase int

const (
	// Unsettled: no in-band interval is open.
	Unsettled Phase = iota
	// Collecting: readings have stayed in band since State.Since.
	Collecting
)

func (p Phase) String() string {
	if p == Collecting {
		return "collecting"
	}
	return "unsettled"
}

type State struct {
	Phase Phase
	Since time.Time
}

// Observation is the outcome of feeding one reading to the detector.
type Observation struct {
	Value   float64
	Sigma   float64
	InBand  bool
	Settled bool
}

// Detector keeps a bounded window of recent readings and reports when the
// signal has stayed within the standard deviation band for MinDuration.
// It is not safe for concurrent use.
type Detector struct {
	cfg    Settings
	window []float64
	state  State

	lastStable float64
	hasEmitted bool
}

func NewDetector(cfg Settings) *Detector {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 10
	}
	return &Detector{
		cfg:    cfg,
		window: make([]float64, 0, cfg.WindowSize),
	}
}

// Observe appends v to the window and advances the settle state.
func (d *Detector) Observe(v float64, now time.Time) Observation {
	if len(d.window) == d.cfg.WindowSize {
		copy(d.window, d.window[1:])
		d.window = d.window[:len(d.window)-1]
	}
	d.window = append(d.window, v)

	sigma := StdDev(d.window)
	obs := Observation{
		Value:  v,
		Sigma:  sigma,
		InBand: sigma <= d.cfg.StdMax,
	}

	if !obs.InBand {
		d.state = State{Phase: Unsettled}
		return obs
	}

	if d.state.Phase == Unsettled {
		d.state = State{Phase: Collecting, Since: now}
	}

	if now.Sub(d.state.Since) < d.cfg.MinDuration {
		return obs
	}

	if !d.hasEmitted || math.Abs(d.lastStable-v) > d.cfg.Hysteresis {
		d.lastStable = v
		d.hasEmitted = true
		obs.Settled = true
	}
	return obs
}

func (d *Detector) State() State {
	return d.state
}

// LastStable returns the last settled value, if one has been emitted.
func (d *Detector) LastStable() (float64, bool) {
	return d.lastStable, d.hasEmitted
}

// Window returns a copy of the current readings, oldest first.
func (d *Detector) Window() []float64 {
	return append([]float64(nil), d.window...)
}

// StdDev is the population standard deviation; fewer than two samples give 0.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)))
}
