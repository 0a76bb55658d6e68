// Package detector implements the hysteretic rising-streak false-start
// detector over a block's scaled X-axis accelerometer channel.
package detector

import "startline.dev/tick"

// Params bundles the detector's tunable thresholds. Gender affects
// only which threshold applies; the asymmetry between them is a
// property of the hardware, not this package.
type Params struct {
	Threshold      float64 // g
	Hysteresis     float64 // g
	RiseStreakN    int
	ReactionWindow float64 // seconds, post-gun
}

// Defaults for the two configured genders, matching the source
// firmware's constants verbatim.
const (
	ThresholdMen   = 0.5
	ThresholdWomen = 8.0
	Hysteresis     = 0.2
	RiseStreakN    = 2
	ReactionWindow = 0.1
)

func ParamsForGender(gender byte) (Params, bool) {
	switch gender {
	case 'M':
		return Params{ThresholdMen, Hysteresis, RiseStreakN, ReactionWindow}, true
	case 'F':
		return Params{ThresholdWomen, Hysteresis, RiseStreakN, ReactionWindow}, true
	default:
		return Params{}, false
	}
}

// GunClock reports whether the gun has fired and, if so, at which
// tick. Implementations must be safe to call from the sample stream's
// single reader; gun.Handler implements it over atomics since the
// gun tick is written exactly once per arming.
type GunClock interface {
	GunTick() (tick int64, fired bool)
}

// Detector is the per-run false-start state machine. The zero value
// is not usable; construct with New.
type Detector struct {
	params Params
	armed  bool

	prevImpulse    float64
	risingCount    int
	inWindow       bool
	started        bool
	reactionTick   int64
	reactionValid  bool
	runnerStartMs  int64
	runnerStarted  bool
	alerted        bool
}

// New returns a Detector configured for the given parameters. A
// Detector with armed=false never leaves Idle, matching §7's "gender
// not yet set at ARM time" error-handling rule.
func New(p Params, armed bool) *Detector {
	return &Detector{params: p, armed: armed}
}

// Reset clears all run state, called on each ARM.
func (d *Detector) Reset(p Params, armed bool) {
	*d = Detector{params: p, armed: armed}
}

// Started reports whether the runner-started verdict has latched.
func (d *Detector) Started() bool { return d.started }

// ReactionTick returns the latched reaction tick and whether one has
// been latched.
func (d *Detector) ReactionTick() (int64, bool) { return d.reactionTick, d.reactionValid }

// RunnerStartedMillis returns the wall-clock millisecond reference at
// which Started latched, and whether it has.
func (d *Detector) RunnerStartedMillis() (int64, bool) { return d.runnerStartMs, d.runnerStarted }

// Alerted reports whether a false start has been flagged this run.
func (d *Detector) Alerted() bool { return d.alerted }

// Observe feeds one scaled X-axis sample (g) at the given IMU tick and
// wall-clock millisecond into the state machine. It returns true the
// instant a false-start alert should be raised (the caller owns
// driving the physical alert line; Observe never does I/O).
func (d *Detector) Observe(impulse float64, sampleTick int64, nowMs int64, gun GunClock) (alert bool) {
	if !d.armed {
		d.prevImpulse = impulse
		return false
	}
	T := d.params.Threshold

	if !d.inWindow && d.prevImpulse < T && T <= impulse {
		d.inWindow = true
		d.reactionTick = sampleTick
		d.reactionValid = true
		d.risingCount = 0
	}

	if d.inWindow && !d.started {
		if impulse > d.prevImpulse+d.params.Hysteresis {
			d.risingCount++
		} else if impulse < T-d.params.Hysteresis {
			d.inWindow = false
			d.reactionValid = false
			d.risingCount = 0
		}

		if d.risingCount >= d.params.RiseStreakN {
			d.started = true
			d.runnerStarted = true
			d.runnerStartMs = nowMs
			d.risingCount = 0

			gunTick, fired := gun.GunTick()
			switch {
			case !fired:
				d.alerted = true
				alert = true
			case tick.Seconds(d.reactionTick-gunTick) < d.params.ReactionWindow:
				d.alerted = true
				alert = true
			}
		}
	}

	d.prevImpulse = impulse
	return alert
}
