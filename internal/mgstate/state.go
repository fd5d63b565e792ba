// Package mgstate holds the canonical mutable instrument state: strings,
// mappings, key calibration and debounce parameters. All access goes
// through a single lock; every operation that must be reachable both
// externally and from code that already holds the lock is split into a
// locked public wrapper and an unlocked *Locked internal function, rather
// than using a recursive mutex.
package mgstate

import (
	"fmt"
	"sync"

	"github.com/midigurdy/mg-core/internal/mapping"
	"github.com/midigurdy/mg-core/internal/sensors"
)

// NumNotes bounds the number of simultaneously active notes per voice.
const NumNotes = 128

// KeyCount is the number of physical keyboard sensors.
const KeyCount = 24

// NoteRange covers every possible MIDI note number a voice might sound.
const NoteRange = 128

// ChannelOff marks a note slot as not currently sounding.
const ChannelOff = -1

// String mode: where a melody string derives its note from, and (for
// trompette strings) whether the chien onset is velocity/pressure driven
// or a discrete percussive hit.
const (
	ModeMidigurdy = iota // note follows the keyboard, velocity-sensitive
	ModeGeneric          // same note selection as Midigurdy, velocity-insensitive
	ModeKeyboard         // plain last-key-wins passthrough, no empty-key swell
)

// String kind, used for model dispatch.
const (
	StringMelody = iota
	StringDrone
	StringTrompette
	StringKeynoise
)

// MappingID names one of the built-in mapping slots.
type MappingID int

const (
	MapPressureToPitch MappingID = iota
	MapPressureToPoly
	MapSpeedToMelodyVolume
	MapSpeedToDroneVolume
	MapSpeedToTrompetteVolume
	MapSpeedToChien
	MapKeyvelToNotevel
	MapKeyvelToTangent
	MapKeyvelToKeynoise
	MapChienThresholdToRange
	MapSpeedToPercussion
	mappingCount
)

// Note is a single sounding pitch as seen by one Voice.
type Note struct {
	Channel  int // ChannelOff when not sounding
	Velocity int
	Pressure int
}

// Voice is the sound state of one logical string: the "model" copy
// describes what the instrument currently wants to sound; a separate Voice
// value (owned by each output stream) tracks what has actually been sent to
// that particular sink.
type Voice struct {
	Expression int
	Pitch      int
	Volume     int
	Panning    int
	Pressure   int
	Bank       int
	Program    int

	Notes       [NoteRange]Note
	ActiveNotes [NumNotes]int
	NoteCount   int

	// Mode mirrors the owning String's Mode at the time this voice was last
	// built, so a mode change can be detected and pending notes cleared.
	Mode int

	// Percussion-mode trompette debounce counters; unused by other voices.
	ChienDebounce    int
	ChienOnDebounce  int
	ChienOffDebounce int

	// Chien telemetry, written by the trompette model as it computes the
	// buzz: the most recent normalized chien intensity and resulting
	// volume. Read by the worker's wheel telemetry reporting.
	ChienVolume int
	ChienSpeed  int
}

// String is one logical sound source (a melody, drone or trompette
// string, or the key-noise pseudo-string).
type String struct {
	Kind    int
	Channel int

	BaseNote int
	Mode     int
	Muted    bool
	Volume   int
	Panning  int
	Bank     int
	Program  int

	Polyphonic bool
	EmptyKey   int // capo: keys below this index are ignored

	Threshold int // trompette chien onset
	Attack    int

	FixedNotes     [NumNotes]int
	FixedNoteCount int

	Model Voice
}

// KeyCalibration holds the per-key pressure and velocity adjustment
// multipliers, defaulting to 1.0 (no adjustment). Aliased to the sensors
// package's type so State.KeyCalib can be passed straight into
// (*sensors.Keyboard).Debounce without conversion.
type KeyCalibration = sensors.Calibration

// State is the canonical mutable instrument state.
type State struct {
	mu sync.RWMutex

	Melody    [3]String
	Drone     [3]String
	Trompette [3]String
	Keynoise  String

	PitchbendFactor float64

	KeyOnDebounce  int
	KeyOffDebounce int
	BaseNoteDelay  int

	// PolyBaseNote controls whether a polyphonic melody string still emits
	// its base note when no key is pressed. PolyPitchBend controls whether
	// a polyphonic melody string responds to key pressure with pitch bend.
	PolyBaseNote  bool
	PolyPitchBend bool

	KeyCalib [KeyCount]KeyCalibration

	mappings [mappingCount]mapping.Map
}

// New returns a fully-initialized State with all strings, mappings and
// calibration values at their defaults.
func New() *State {
	s := &State{}
	s.resetLocked()
	return s
}

// Reset restores every field to its initial value. Safe for concurrent use.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *State) resetLocked() {
	for i := range s.Melody {
		resetString(&s.Melody[i], StringMelody, i)
	}
	for i := range s.Drone {
		resetString(&s.Drone[i], StringDrone, 3+i)
	}
	for i := range s.Trompette {
		resetString(&s.Trompette[i], StringTrompette, 6+i)
	}
	resetString(&s.Keynoise, StringKeynoise, 9)

	s.PitchbendFactor = 0.5 // 100 cents of default bend range

	s.KeyOnDebounce = 2
	s.KeyOffDebounce = 10
	s.BaseNoteDelay = 20

	for i := range s.KeyCalib {
		s.KeyCalib[i] = KeyCalibration{PressureAdjust: 1.0, VelocityAdjust: 1.0}
	}

	for id := MappingID(0); id < mappingCount; id++ {
		s.resetMappingLocked(id)
	}
}

func resetString(st *String, kind, channel int) {
	*st = String{
		Kind:      kind,
		Channel:   channel,
		BaseNote:  60, // middle C
		Muted:     true,
		Volume:    127,
		Panning:   64,
		Mode:      ModeMidigurdy,
	}
	resetModelVoice(&st.Model)
}

// resetModelVoice sets a model voice to its just-initialized defaults
// (audible at full volume, centered pan/pitch, no notes).
func resetModelVoice(v *Voice) {
	*v = Voice{
		Expression:       127,
		Pitch:            0x2000,
		Volume:           127,
		Panning:          64,
		ChienOnDebounce:  2,
		ChienOffDebounce: 2,
	}
	for i := range v.Notes {
		v.Notes[i].Channel = ChannelOff
	}
}

// ResetSinkVoice sets a sink voice to its never-sent sentinel state, so the
// next reconciliation resends every field from scratch. Exported because
// output streams (owned by the internal/outputs package) need it too.
func ResetSinkVoice(v *Voice) {
	*v = Voice{
		Expression: -1,
		Pitch:      -1,
		Volume:     -1,
		Panning:    -1,
		Pressure:   -1,
		Bank:       -1,
		Program:    -1,
	}
	for i := range v.Notes {
		v.Notes[i].Channel = ChannelOff
	}
}

// Lock/Unlock/RLock/RUnlock expose the underlying mutex to packages (the
// worker and output reconciliation code) that must hold the lock across a
// multi-step operation spanning several State methods. Exported directly
// rather than wrapped, since Go has no recursive mutex to accidentally
// misuse here: callers that need the "locked" variant of a State method
// call the *Locked form directly while already holding the lock acquired
// through these methods.
func (s *State) Lock()    { s.mu.Lock() }
func (s *State) Unlock()  { s.mu.Unlock() }
func (s *State) RLock()   { s.mu.RLock() }
func (s *State) RUnlock() { s.mu.RUnlock() }

// SetMute mutes or unmutes a string, forcing its model volume to zero while
// muted and restoring its configured volume when unmuted.
func (s *State) SetMute(st *String, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMuteLocked(st, muted)
}

func (s *State) setMuteLocked(st *String, muted bool) {
	st.Muted = muted
	if muted {
		st.Model.Volume = 0
	} else {
		st.Model.Volume = st.Volume
	}
}

// SetVolume sets a string's configured volume (clamped 0-127) and updates
// its model voice unless the string is muted.
func (s *State) SetVolume(st *String, volume int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	volume = clampNote(volume)
	st.Volume = volume
	if st.Muted {
		st.Model.Volume = 0
	} else {
		st.Model.Volume = volume
	}
}

func clampNote(v int) int {
	if v < 0 {
		return 0
	}
	if v > 127 {
		return 127
	}
	return v
}

// SetFixedNote adds or removes a fixed note on a drone or trompette string.
// A velocity of zero removes the note; any other velocity adds it (if not
// already present). Intended only for drone/trompette strings: melody
// strings derive their notes from the keyboard.
func (s *State) SetFixedNote(st *String, midiNote, velocity int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	midiNote = clampNote(midiNote)

	var fixed [NumNotes]int
	k := 0
	found := false
	for i := 0; i < st.FixedNoteCount; i++ {
		if st.FixedNotes[i] == midiNote {
			found = true
			if velocity == 0 {
				continue
			}
		}
		fixed[k] = st.FixedNotes[i]
		k++
	}
	if velocity > 0 && !found {
		fixed[k] = midiNote
		k++
	}

	copy(st.FixedNotes[:k], fixed[:k])
	st.FixedNoteCount = k
}

// ClearFixedNotes removes every fixed note from a string.
func (s *State) ClearFixedNotes(st *String) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.FixedNoteCount = 0
}

// SetBaseNote sets a string's base note: the root of a melody string's
// keyed notes, and the note a drone/trompette string sounds when no fixed
// notes are configured. Clamped to [0,127].
func (s *State) SetBaseNote(st *String, baseNote int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.BaseNote = clampNote(baseNote)
}

// SetChienThreshold sets the wheel-speed onset threshold for a trompette
// string's buzz effect. No effect on melody/drone strings.
func (s *State) SetChienThreshold(st *String, threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Threshold = threshold
}

// SetMode sets a string's mode (0=midigurdy, 1=generic, 2=keyboard).
func (s *State) SetMode(st *String, mode int) error {
	if mode < ModeMidigurdy || mode > ModeKeyboard {
		return fmt.Errorf("mgstate: mode %d out of range [0,%d]", mode, ModeKeyboard)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Mode = mode
	return nil
}

// SetPanning sets a string's configured stereo panning (clamped 0-127).
func (s *State) SetPanning(st *String, panning int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Panning = clampNote(panning)
}

// SetBank sets a string's MIDI bank select value (clamped to the 14-bit
// MSB+LSB range).
func (s *State) SetBank(st *String, bank int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Bank = clampBank(bank)
}

func clampBank(v int) int {
	if v < 0 {
		return 0
	}
	if v > 0x3fff {
		return 0x3fff
	}
	return v
}

// SetProgram sets a string's MIDI program number (clamped 0-127).
func (s *State) SetProgram(st *String, program int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Program = clampNote(program)
}

// SetChannel sets the MIDI channel a string's messages are sent on.
func (s *State) SetChannel(st *String, channel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Channel = channel
}

// SetPolyphonic enables or disables polyphonic chord playback on a string.
func (s *State) SetPolyphonic(st *String, polyphonic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Polyphonic = polyphonic
}

// SetEmptyKey sets a melody string's capo position: keys below this index
// are ignored. Clipped to the physical keyboard's range.
func (s *State) SetEmptyKey(st *String, emptyKey int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if emptyKey < 0 {
		emptyKey = 0
	}
	if emptyKey > KeyCount-1 {
		emptyKey = KeyCount - 1
	}
	st.EmptyKey = emptyKey
}

// ResetString restores one string to its factory defaults (volume,
// panning, mode, fixed notes) without changing its kind or channel
// identity.
func (s *State) ResetString(st *String) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resetString(st, st.Kind, st.Channel)
}

// Feature names one of the global boolean behavior switches toggled by
// SetFeature.
type Feature int

const (
	// FeaturePolyBaseNote controls whether a polyphonic melody string
	// still emits its base note when no key is pressed.
	FeaturePolyBaseNote Feature = iota
	// FeaturePolyPitchBend controls whether a polyphonic melody string
	// responds to key pressure with pitch bend.
	FeaturePolyPitchBend
)

// SetFeature toggles one of the global boolean behavior switches.
func (s *State) SetFeature(f Feature, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch f {
	case FeaturePolyBaseNote:
		s.PolyBaseNote = enabled
	case FeaturePolyPitchBend:
		s.PolyPitchBend = enabled
	default:
		return fmt.Errorf("mgstate: unknown feature %d", f)
	}
	return nil
}

// ClearNotes silences every currently-active note on a string's model
// voice without waiting for the owning sink to catch up; used when a
// string is reconfigured in a way that invalidates its sounding notes.
func (s *State) ClearNotes(st *String) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < st.Model.NoteCount; i++ {
		st.Model.Notes[st.Model.ActiveNotes[i]].Channel = ChannelOff
	}
	st.Model.NoteCount = 0
}

// SetPitchbendFactor sets the fraction of the full 14-bit bend range used by
// the pressure-to-pitch mapping. 0.5 corresponds to roughly 100 cents.
func (s *State) SetPitchbendFactor(factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PitchbendFactor = factor
}

// SetKeyOnDebounce sets the number of consecutive ticks of positive pressure
// required before a key transitions INACTIVE to ACTIVE.
func (s *State) SetKeyOnDebounce(ticks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeyOnDebounce = ticks
}

// SetKeyOffDebounce sets the number of consecutive ticks of zero pressure
// required before a key transitions ACTIVE to INACTIVE.
func (s *State) SetKeyOffDebounce(ticks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeyOffDebounce = ticks
}

// SetBaseNoteDelay sets the number of ticks the keyboard must be
// continuously active or inactive before a new base note is accepted.
func (s *State) SetBaseNoteDelay(ticks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BaseNoteDelay = ticks
}

// SetKeyCalibration sets the pressure/velocity adjustment multipliers for
// one key index.
func (s *State) SetKeyCalibration(key int, calib KeyCalibration) error {
	if key < 0 || key >= KeyCount {
		return fmt.Errorf("mgstate: key index %d out of range [0,%d)", key, KeyCount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeyCalib[key] = calib
	return nil
}

// KeyCalibrationAt returns the pressure/velocity adjustment multipliers for
// one key index.
func (s *State) KeyCalibrationAt(key int) (KeyCalibration, error) {
	if key < 0 || key >= KeyCount {
		return KeyCalibration{}, fmt.Errorf("mgstate: key index %d out of range [0,%d)", key, KeyCount)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.KeyCalib[key], nil
}
