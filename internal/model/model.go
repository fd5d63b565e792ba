// Package model turns conditioned sensor readings into the instrument's
// desired sound: which notes each string's model voice should sound, at
// what pitch, pressure and expression. It never talks to MIDI directly —
// internal/outputs reconciles the resulting model voices against whatever
// each output sink has actually been told.
package model

import (
	"github.com/midigurdy/mg-core/internal/mgstate"
	"github.com/midigurdy/mg-core/internal/sensors"
)

// MelodyExpressionThreshold is the expression level below which a melody
// string's base note (no key pressed) counts as a "slow" onset: if the
// previous tick's expression was under it, the base note gets the quiet
// velocity-switch sample (velocity 1) instead of velocity 31.
const MelodyExpressionThreshold = 10

// ChienMax caps the normalized trompette buzz intensity fed into the
// speed-to-chien mapping.
const ChienMax = 4000

// clearNotes empties a voice's note list in place.
func clearNotes(v *mgstate.Voice) {
	for i := 0; i < v.NoteCount; i++ {
		v.Notes[v.ActiveNotes[i]].Channel = mgstate.ChannelOff
	}
	v.NoteCount = 0
}

// enableNote marks midiNote as sounding on v, returning it for the caller
// to fill in velocity/pressure. Reuses the existing slot if midiNote is
// already active. Out-of-range notes (a high base note plus the top keys)
// saturate at the MIDI range limits instead of wrapping.
func enableNote(v *mgstate.Voice, midiNote int) *mgstate.Note {
	if midiNote < 0 {
		midiNote = 0
	}
	if midiNote >= len(v.Notes) {
		midiNote = len(v.Notes) - 1
	}
	for i := 0; i < v.NoteCount; i++ {
		if v.ActiveNotes[i] == midiNote {
			return &v.Notes[midiNote]
		}
	}
	if v.NoteCount < len(v.ActiveNotes) {
		v.ActiveNotes[v.NoteCount] = midiNote
		v.NoteCount++
	}
	v.Notes[midiNote].Channel = 0 // placeholder channel; the owning string's Channel is applied at output time
	return &v.Notes[midiNote]
}

// UpdateMelodyStreams recomputes the model voice for each of the three
// melody strings from the current wheel speed and keyboard state.
func UpdateMelodyStreams(s *mgstate.State, strings *[3]*mgstate.String, w *sensors.Wheel, kb *sensors.Keyboard) {
	expression := s.ValueFor(mgstate.MapSpeedToMelodyVolume, w.Speed)

	for _, st := range strings {
		v := &st.Model

		if st.Muted {
			if v.NoteCount > 0 {
				clearNotes(v)
			}
			continue
		}

		v.Volume = st.Volume
		v.Panning = st.Panning
		v.Bank = st.Bank
		v.Program = st.Program

		if v.Mode != st.Mode {
			clearNotes(v)
			v.Mode = st.Mode
		}

		switch st.Mode {
		case mgstate.ModeMidigurdy:
			melodyMidigurdy(s, st, kb, expression, true)
		case mgstate.ModeGeneric:
			melodyMidigurdy(s, st, kb, expression, false)
		default:
			melodyKeyboard(s, st, kb)
		}
	}
}

func melodyMidigurdy(s *mgstate.State, st *mgstate.String, kb *sensors.Keyboard, expression int, velocitySwitching bool) {
	v := &st.Model
	prevExpression := v.Expression
	v.Expression = expression

	if expression == 0 {
		clearNotes(v)
		return
	}

	noActiveKey := kb.ActiveCount == 0 || kb.ActiveKeys[kb.ActiveCount-1] < st.EmptyKey

	if noActiveKey {
		v.Pitch = 0x2000

		if kb.InactiveCount < s.BaseNoteDelay {
			return
		}

		clearNotes(v)

		if st.Polyphonic && !s.PolyBaseNote {
			return
		}

		note := enableNote(v, st.BaseNote+st.EmptyKey)
		if velocitySwitching {
			if prevExpression < MelodyExpressionThreshold {
				note.Velocity = 1
			} else {
				note.Velocity = 31
			}
		} else {
			note.Velocity = 120
		}
		return
	}

	clearNotes(v)

	keyIdx := kb.ActiveCount - 1
	topKeyNum := kb.ActiveKeys[keyIdx]
	topKey := &kb.Keys[topKeyNum]

	if st.Polyphonic && !s.PolyPitchBend {
		v.Pitch = 0x2000
	} else {
		v.Pitch = 0x2000 + int(s.PitchbendFactor*float64(s.ValueFor(mgstate.MapPressureToPitch, topKey.SmoothedPressure)))
	}

	for {
		keyNum := kb.ActiveKeys[keyIdx]
		key := &kb.Keys[keyNum]

		note := enableNote(v, st.BaseNote+keyNum+1)

		if velocitySwitching {
			if key.ActiveSince < s.BaseNoteDelay {
				note.Velocity = 64 + s.ValueFor(mgstate.MapKeyvelToTangent, key.Velocity)
			} else {
				note.Velocity = 32
			}
		} else {
			note.Velocity = 120
		}

		keyIdx--
		if keyIdx < 0 || !st.Polyphonic {
			break
		}
	}
}

func melodyKeyboard(s *mgstate.State, st *mgstate.String, kb *sensors.Keyboard) {
	v := &st.Model
	v.Expression = 127

	noActiveKey := kb.ActiveCount == 0 || kb.ActiveKeys[kb.ActiveCount-1] < st.EmptyKey
	if noActiveKey {
		if kb.InactiveCount < s.BaseNoteDelay {
			return
		}
		v.Pitch = 0x2000
		clearNotes(v)
		return
	}

	clearNotes(v)
	v.Pitch = 0x2000

	keyIdx := kb.ActiveCount - 1
	for {
		keyNum := kb.ActiveKeys[keyIdx]
		key := &kb.Keys[keyNum]

		note := enableNote(v, st.BaseNote+keyNum+1)
		note.Velocity = s.ValueFor(mgstate.MapKeyvelToNotevel, key.Velocity)

		keyIdx--
		if keyIdx < 0 || !st.Polyphonic {
			break
		}
	}
}

// wantedNotesSounding reports whether v already sounds exactly the notes
// st is configured for: its fixed notes when any are set, its base note
// otherwise.
func wantedNotesSounding(v *mgstate.Voice, st *mgstate.String) bool {
	if st.FixedNoteCount == 0 {
		return v.NoteCount == 1 && v.ActiveNotes[0] == st.BaseNote
	}
	if v.NoteCount != st.FixedNoteCount {
		return false
	}
	for i := 0; i < st.FixedNoteCount; i++ {
		if v.ActiveNotes[i] != st.FixedNotes[i] {
			return false
		}
	}
	return true
}

// enableWantedNotes clears v and sounds st's configured notes, all at the
// same velocity.
func enableWantedNotes(v *mgstate.Voice, st *mgstate.String, velocity int) {
	clearNotes(v)
	if st.FixedNoteCount == 0 {
		note := enableNote(v, st.BaseNote)
		note.Velocity = velocity
		return
	}
	for i := 0; i < st.FixedNoteCount; i++ {
		note := enableNote(v, st.FixedNotes[i])
		note.Velocity = velocity
	}
}

// UpdateDroneStreams recomputes the model voice for each of the three
// drone strings. Drone strings have no pitch or note dynamics: each just
// sounds its configured fixed notes (or its base note when none are set)
// at full velocity whenever the wheel is moving fast enough to produce
// audible expression.
func UpdateDroneStreams(s *mgstate.State, strings *[3]*mgstate.String, w *sensors.Wheel) {
	expression := s.ValueFor(mgstate.MapSpeedToDroneVolume, w.Speed)

	for _, st := range strings {
		v := &st.Model

		if st.Muted {
			v.Expression = 0
		} else {
			v.Expression = expression
		}

		if v.Expression <= 0 {
			if v.NoteCount > 0 {
				clearNotes(v)
			}
			continue
		}

		v.Volume = st.Volume
		v.Panning = st.Panning
		v.Bank = st.Bank
		v.Program = st.Program

		if wantedNotesSounding(v, st) {
			continue
		}

		enableWantedNotes(v, st, 127)
	}
}

// UpdateTrompetteStreams recomputes the model voice for each of the three
// trompette strings, producing the characteristic "chien" (buzzing dog)
// effect as wheel speed crosses each string's configured threshold.
func UpdateTrompetteStreams(s *mgstate.State, strings *[3]*mgstate.String, w *sensors.Wheel) {
	for _, st := range strings {
		v := &st.Model

		if st.Muted {
			if v.NoteCount > 0 {
				clearNotes(v)
			}
			continue
		}

		v.Volume = st.Volume
		v.Panning = st.Panning
		v.Bank = st.Bank
		v.Program = st.Program

		if v.Mode != st.Mode {
			clearNotes(v)
			v.Mode = st.Mode
		}

		if st.Mode == mgstate.ModeMidigurdy {
			trompetteMidigurdy(s, st, w.Speed)
		} else {
			trompettePercussion(s, st, w.Speed)
		}
	}
}

func trompetteMidigurdy(s *mgstate.State, st *mgstate.String, wheelSpeed int) {
	v := &st.Model

	rawChien := wheelSpeed - st.Threshold
	normalizedChien := 0

	if rawChien > 0 {
		factor := s.ValueFor(mgstate.MapChienThresholdToRange, (5000-st.Threshold)/50)

		switch {
		case factor > 0:
			normalizedChien = (rawChien * (factor + 100)) / 100
		case factor < 0:
			normalizedChien = (rawChien * -100) / (factor - 100)
		default:
			normalizedChien = rawChien
		}

		if normalizedChien > ChienMax {
			normalizedChien = ChienMax
		}
	}

	if normalizedChien > 0 {
		v.Pressure = s.ValueFor(mgstate.MapSpeedToChien, normalizedChien)
	} else {
		v.Pressure = 0
	}

	v.Expression = s.ValueFor(mgstate.MapSpeedToTrompetteVolume, wheelSpeed)

	v.ChienVolume = v.Pressure
	v.ChienSpeed = normalizedChien

	if v.Expression <= 0 {
		if v.NoteCount > 0 {
			clearNotes(v)
		}
		return
	}

	if wantedNotesSounding(v, st) {
		return
	}

	enableWantedNotes(v, st, 127)
}

func trompettePercussion(s *mgstate.State, st *mgstate.String, wheelSpeed int) {
	v := &st.Model

	rawChien := wheelSpeed - st.Threshold
	if rawChien < 0 {
		rawChien = 0
	}

	v.Expression = 127

	if rawChien > 0 {
		if v.NoteCount == 0 {
			if v.ChienDebounce < v.ChienOnDebounce {
				v.ChienDebounce++
				return
			}
		}
	} else {
		if v.NoteCount > 0 {
			if v.ChienDebounce < v.ChienOffDebounce {
				v.ChienDebounce++
				return
			}
		}
	}
	v.ChienDebounce = 0

	if rawChien <= 0 {
		if v.NoteCount > 0 {
			clearNotes(v)
		}
		v.ChienVolume = 0
		v.ChienSpeed = 0
		return
	}

	// Chien volume and speed hold steady while the hit is sounding.
	if wantedNotesSounding(v, st) {
		return
	}

	velocity := s.ValueFor(mgstate.MapSpeedToPercussion, rawChien)

	enableWantedNotes(v, st, velocity)

	v.ChienVolume = velocity
	v.ChienSpeed = rawChien
}

// UpdateKeynoiseStream recomputes the key-noise pseudo-string's model
// voice: one-shot note-on events for every key that changed state this
// tick, on a dedicated note range so they never collide with melody notes.
func UpdateKeynoiseStream(s *mgstate.State, st *mgstate.String, w *sensors.Wheel, kb *sensors.Keyboard) {
	v := &st.Model

	if v.NoteCount > 0 {
		clearNotes(v)
	}

	if st.Muted {
		return
	}

	v.Volume = st.Volume
	v.Panning = st.Panning
	v.Bank = st.Bank
	v.Program = st.Program

	if w.Speed > 0 {
		v.Pressure = 127
	} else {
		v.Pressure = 0
	}

	for i := 0; i < kb.ChangedCount; i++ {
		keyNum := kb.ChangedKeys[i]
		key := &kb.Keys[keyNum]

		velocity := key.Velocity
		if velocity < 0 {
			velocity = 0
		}
		velocity = s.ValueFor(mgstate.MapKeyvelToKeynoise, velocity)
		if velocity == 0 {
			continue
		}

		var midiNote int
		if key.Action == sensors.ActionPressed {
			midiNote = 60 + keyNum
		} else {
			midiNote = 30 + keyNum
		}

		note := enableNote(v, midiNote)
		note.Velocity = velocity
	}
}
