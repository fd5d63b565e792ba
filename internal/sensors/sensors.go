// Package sensors conditions raw keyboard and wheel sensor readings into
// the debounced, smoothed values the instrument model consumes. The
// conditioning runs once per tick, independently of how often (or whether)
// new raw readings arrived that tick.
package sensors

import "github.com/midigurdy/mg-core/internal/mapping"

// KeyCount is the number of physical keyboard sensors.
const KeyCount = 24

// Key action, reported for exactly one tick on a state transition.
const (
	ActionNone = iota
	ActionPressed
	ActionReleased
)

// Key debounce state.
const (
	stateInactive = iota
	stateActive
)

const wheelExpectedUS = 1100
const wheelStartSpeed = 80

// Calibration holds the per-key pressure and velocity adjustment
// multipliers applied to raw sensor readings.
type Calibration struct {
	PressureAdjust float64
	VelocityAdjust float64
}

// Key is the conditioned state of one physical key sensor.
type Key struct {
	RawPressure      int
	Pressure         int // raw * PressureAdjust
	MaxPressure      int // high water mark since the key went active
	SmoothedPressure int

	state       int
	debounce    int
	ActiveSince int

	Velocity int // set only on a PRESSED/RELEASED transition
	Action   int // ActionNone/ActionPressed/ActionReleased, valid for one tick
}

// Keyboard holds the conditioned state of every key plus the indices
// currently considered active or changed this tick.
type Keyboard struct {
	Keys [KeyCount]Key

	ActiveKeys   [KeyCount]int
	ActiveCount  int
	ChangedKeys  [KeyCount]int
	ChangedCount int

	InactiveCount int
}

// RecordPressure feeds one raw pressure reading from the input device into
// the key's running smoother and peak tracker. Called as readings arrive;
// Debounce later turns these running values into PRESSED/RELEASED actions.
func (kb *Keyboard) RecordPressure(index int, rawValue int, calib Calibration) {
	k := &kb.Keys[index]
	val := int(float64(rawValue) * calib.PressureAdjust)

	k.RawPressure = rawValue
	k.Pressure = val
	if val > k.MaxPressure {
		k.MaxPressure = val
	}
	k.SmoothedPressure = mapping.Smooth(val, k.SmoothedPressure, 0.9)
}

// Debounce runs the per-tick key state machine: keys with positive pressure
// for more than onCount consecutive ticks become ACTIVE, and keys at zero
// pressure for more than offCount consecutive ticks become INACTIVE.
// ActiveSince and InactiveCount track how long the keyboard has been
// continuously active or quiet, capped at baseNoteDelay ticks.
func (kb *Keyboard) Debounce(calib *[KeyCount]Calibration, onCount, offCount, baseNoteDelay int) {
	kb.ActiveCount = 0
	kb.ChangedCount = 0

	for i := range kb.Keys {
		k := &kb.Keys[i]
		k.Action = ActionNone

		if k.Pressure > 0 {
			if k.state == stateActive {
				kb.ActiveKeys[kb.ActiveCount] = i
				kb.ActiveCount++
				k.debounce = 0
				if k.ActiveSince < baseNoteDelay {
					k.ActiveSince++
				}
				continue
			}

			k.debounce++
			if k.debounce > onCount {
				k.state = stateActive
				k.Action = ActionPressed
				k.ActiveSince = 0

				kb.ChangedKeys[kb.ChangedCount] = i
				kb.ChangedCount++
				kb.ActiveKeys[kb.ActiveCount] = i
				kb.ActiveCount++

				k.Velocity = int(float64(k.MaxPressure) * calib[i].VelocityAdjust)
				k.debounce = 0
			}
			continue
		}

		// Pressure is zero.
		if k.state == stateInactive {
			k.debounce = 0
			continue
		}

		k.debounce++
		if k.debounce > offCount {
			k.state = stateInactive
			k.Action = ActionReleased
			k.ActiveSince = 0

			kb.ChangedKeys[kb.ChangedCount] = i
			kb.ChangedCount++

			k.Velocity = int(float64(k.SmoothedPressure) * calib[i].VelocityAdjust)
			k.MaxPressure = 0
			k.SmoothedPressure = 0
			k.debounce = 0
		} else {
			kb.ActiveKeys[kb.ActiveCount] = i
			kb.ActiveCount++
		}
	}

	if kb.ActiveCount == 0 {
		if kb.InactiveCount < baseNoteDelay {
			kb.InactiveCount++
		}
	} else {
		kb.InactiveCount = 0
	}
}

// Wheel holds the conditioned state of the hurdy-gurdy crank wheel: a
// continuously increasing position, the distance and elapsed time of the
// most recent reading batch, and the derived speed used to drive string
// volume and chien (buzz) effects.
type Wheel struct {
	Position int
	Gain     int

	Distance     int
	LastDistance int
	ElapsedUS    int

	RawSpeed int // smoothed, always >= 0
	Speed    int // gated: RawSpeed once moving, else 0
}

// UpdateSpeed recomputes RawSpeed and Speed from the wheel's current
// Distance/ElapsedUS reading. Called once per tick regardless of whether a
// new reading arrived, since the wheel sensor driver only reports an event
// when the angle actually changes.
func (w *Wheel) UpdateSpeed() {
	if w.ElapsedUS < 500 || w.ElapsedUS > 3000 {
		return
	}

	sign := 1
	if w.Distance < 0 {
		sign = -1
	}
	speed := (w.Distance * sign * 100 * wheelExpectedUS) / w.ElapsedUS

	if speed > 0 || w.RawSpeed > 0 {
		w.RawSpeed = mapping.Smooth(speed, w.RawSpeed, 0.8)
	}

	if w.Speed != 0 || w.RawSpeed >= wheelStartSpeed {
		w.Speed = w.RawSpeed
	} else {
		w.Speed = 0
	}
}
