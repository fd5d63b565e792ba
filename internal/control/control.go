// Package control exposes the instrument's public control-plane API: the
// typed operations a web UI, CLI or other front-end uses to change
// mappings, string configuration, calibration and debounce parameters, and
// to manage attached output sinks. It is a thin, validating wrapper around
// internal/mgstate and internal/outputs — it holds no state of its own
// beyond the references it was constructed with and a registry of the
// outputs it has attached.
package control

import (
	"fmt"
	"sync"

	"github.com/midigurdy/mg-core/internal/mapping"
	"github.com/midigurdy/mg-core/internal/mgstate"
	"github.com/midigurdy/mg-core/internal/outputs"
	"github.com/midigurdy/mg-core/internal/outputs/synth"
	"github.com/midigurdy/mg-core/internal/outputs/wire"
	"github.com/midigurdy/mg-core/internal/worker"
)

// StringKind selects one of a string's three instances by voice kind.
type StringKind int

// Index names one of the three strings of a given kind.
type Index int

const (
	Index0 Index = iota
	Index1
	Index2
)

// API is the control surface for one running instrument.
type API struct {
	state  *mgstate.State
	worker *worker.Worker

	mu           sync.Mutex
	outputs      map[int]*registeredOutput
	nextOutputID int
}

// registeredOutput pairs an attached output with whatever teardown its
// sink needs; a fluid (in-process synth) output has none.
type registeredOutput struct {
	output *outputs.Output
	close  func() error
}

// New creates an API bound to the given state and worker.
func New(state *mgstate.State, w *worker.Worker) *API {
	return &API{state: state, worker: w}
}

func (a *API) melody(i Index) (*mgstate.String, error)    { return pick(a.state.Melody[:], i) }
func (a *API) drone(i Index) (*mgstate.String, error)     { return pick(a.state.Drone[:], i) }
func (a *API) trompette(i Index) (*mgstate.String, error) { return pick(a.state.Trompette[:], i) }

func pick(strings []mgstate.String, i Index) (*mgstate.String, error) {
	if int(i) < 0 || int(i) >= len(strings) {
		return nil, fmt.Errorf("control: string index %d out of range", i)
	}
	return &strings[i], nil
}

// SetMute mutes or unmutes a melody/drone/trompette string.
func (a *API) SetMute(kind StringKind, i Index, muted bool) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetMute(st, muted)
	return nil
}

// SetVolume sets a string's configured volume (0-127).
func (a *API) SetVolume(kind StringKind, i Index, volume int) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetVolume(st, volume)
	return nil
}

// SetFixedNote adds (velocity > 0) or removes (velocity == 0) a fixed note
// on a drone or trompette string. Calling it on a melody string is
// accepted but has no audible effect, since melody notes are always
// derived from the keyboard.
func (a *API) SetFixedNote(kind StringKind, i Index, midiNote, velocity int) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetFixedNote(st, midiNote, velocity)
	return nil
}

// ClearFixedNotes removes every fixed note from a string.
func (a *API) ClearFixedNotes(kind StringKind, i Index) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.ClearFixedNotes(st)
	return nil
}

// SetBaseNote sets a melody string's base note.
func (a *API) SetBaseNote(kind StringKind, i Index, baseNote int) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetBaseNote(st, baseNote)
	return nil
}

// SetChienThreshold sets a trompette string's buzz onset threshold.
func (a *API) SetChienThreshold(kind StringKind, i Index, threshold int) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetChienThreshold(st, threshold)
	return nil
}

// SetMode sets a string's mode (0=midigurdy, 1=generic, 2=keyboard).
func (a *API) SetMode(kind StringKind, i Index, mode int) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	return a.state.SetMode(st, mode)
}

// SetPanning sets a string's stereo panning (0-127).
func (a *API) SetPanning(kind StringKind, i Index, panning int) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetPanning(st, panning)
	return nil
}

// SetBank sets a string's MIDI bank select value.
func (a *API) SetBank(kind StringKind, i Index, bank int) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetBank(st, bank)
	return nil
}

// SetProgram sets a string's MIDI program number.
func (a *API) SetProgram(kind StringKind, i Index, program int) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetProgram(st, program)
	return nil
}

// SetPolyphonic enables or disables polyphonic chord playback (melody
// strings only have an audible effect, since drone/trompette strings
// already sound every fixed note simultaneously).
func (a *API) SetPolyphonic(kind StringKind, i Index, polyphonic bool) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetPolyphonic(st, polyphonic)
	return nil
}

// SetEmptyKey sets a melody string's capo position.
func (a *API) SetEmptyKey(kind StringKind, i Index, emptyKey int) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.SetEmptyKey(st, emptyKey)
	return nil
}

// ResetString restores one string to its factory defaults.
func (a *API) ResetString(kind StringKind, i Index) error {
	st, err := a.resolve(kind, i)
	if err != nil {
		return err
	}
	a.state.ResetString(st)
	return nil
}

// SetPolyBaseNote toggles whether a polyphonic melody string still emits
// its base note when no key is pressed.
func (a *API) SetPolyBaseNote(enabled bool) {
	a.state.SetFeature(mgstate.FeaturePolyBaseNote, enabled)
}

// SetPolyPitchBend toggles whether a polyphonic melody string responds to
// key pressure with pitch bend.
func (a *API) SetPolyPitchBend(enabled bool) {
	a.state.SetFeature(mgstate.FeaturePolyPitchBend, enabled)
}

func (a *API) resolve(kind StringKind, i Index) (*mgstate.String, error) {
	switch kind {
	case KindMelody:
		return a.melody(i)
	case KindDrone:
		return a.drone(i)
	case KindTrompette:
		return a.trompette(i)
	default:
		return nil, fmt.Errorf("control: unknown string kind %d", kind)
	}
}

// String kinds accepted by the per-string setters above.
const (
	KindMelody StringKind = iota
	KindDrone
	KindTrompette
)

// Mapping returns a copy of the breakpoints for a named mapping.
func (a *API) Mapping(id mgstate.MappingID) (mapping.Map, error) {
	return a.state.Mapping(id)
}

// SetMapping replaces the breakpoints for a named mapping.
func (a *API) SetMapping(id mgstate.MappingID, points ...mapping.Point) error {
	m, err := mapping.NewMap(points...)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return a.state.SetMapping(id, m)
}

// ResetMapping restores a named mapping to its factory default.
func (a *API) ResetMapping(id mgstate.MappingID) error {
	return a.state.ResetMapping(id)
}

// SetPitchbendFactor sets the fraction of the full bend range used by the
// pressure-to-pitch mapping.
func (a *API) SetPitchbendFactor(factor float64) {
	a.state.SetPitchbendFactor(factor)
}

// SetDebounce sets the on/off key debounce tick counts and the base note
// delay in one call.
func (a *API) SetDebounce(onTicks, offTicks, baseNoteDelay int) {
	a.state.SetKeyOnDebounce(onTicks)
	a.state.SetKeyOffDebounce(offTicks)
	a.state.SetBaseNoteDelay(baseNoteDelay)
}

// SetKeyOnDebounce sets how many consecutive ticks of positive pressure a
// key needs before it counts as pressed.
func (a *API) SetKeyOnDebounce(ticks int) {
	a.state.SetKeyOnDebounce(ticks)
}

// SetKeyOffDebounce sets how many consecutive ticks of zero pressure a key
// needs before it counts as released.
func (a *API) SetKeyOffDebounce(ticks int) {
	a.state.SetKeyOffDebounce(ticks)
}

// SetBaseNoteDelay sets how long the keyboard must stay quiet before a
// melody string falls back to its base note.
func (a *API) SetBaseNoteDelay(ticks int) {
	a.state.SetBaseNoteDelay(ticks)
}

// SetKeyCalibration sets the pressure/velocity adjustment multipliers for
// one key index.
func (a *API) SetKeyCalibration(key int, pressureAdjust, velocityAdjust float64) error {
	return a.state.SetKeyCalibration(key, mgstate.KeyCalibration{
		PressureAdjust: pressureAdjust,
		VelocityAdjust: velocityAdjust,
	})
}

// KeyCalibration returns the pressure/velocity adjustment multipliers for
// one key index.
func (a *API) KeyCalibration(key int) (pressureAdjust, velocityAdjust float64, err error) {
	calib, err := a.state.KeyCalibrationAt(key)
	if err != nil {
		return 0, 0, err
	}
	return calib.PressureAdjust, calib.VelocityAdjust, nil
}

// outputSpeedTokens maps the three wire output speed settings to their
// total per-tick token budget: 0=normal, 1=fast, 2=unlimited.
var outputSpeedTokens = map[int]int{
	0: wire.DefaultTokensPerTick,
	1: wire.DefaultTokensPerTick * 2,
	2: 0,
}

// AddFluidOutput attaches an in-process synth output wired to every
// configured string and returns its id for later configuration/removal.
func (a *API) AddFluidOutput(engine synth.Engine) int {
	out := outputs.New(synth.New(engine), 0)
	a.attachDefaultStreams(out, synth.Senders(), synth.Senders(), synth.Senders())
	return a.register(out, nil)
}

// AddMIDIOutput opens a wire MIDI output (device matched by substring
// against the system's available ports; "" for the driver default),
// attaches it to every configured string at the factory token-percent
// split, and returns its id for later configuration/removal.
func (a *API) AddMIDIOutput(device string) (int, error) {
	sink, err := wire.Open(device)
	if err != nil {
		return 0, err
	}
	out := outputs.New(sink, wire.DefaultTokensPerTick)
	a.attachDefaultStreams(out, wire.MelodySenders(), wire.DroneSenders(), wire.TrompetteSenders())
	return a.register(out, sink.Close), nil
}

func (a *API) attachDefaultStreams(out *outputs.Output, melodySenders, droneSenders, trompetteSenders []outputs.Sender) {
	for i := range a.state.Melody {
		out.AddStream(newOutputStream(&a.state.Melody[i], wire.MelodyTokensPercent/3, melodySenders))
	}
	for i := range a.state.Drone {
		out.AddStream(newOutputStream(&a.state.Drone[i], wire.DroneTokensPercent/3, droneSenders))
	}
	for i := range a.state.Trompette {
		out.AddStream(newOutputStream(&a.state.Trompette[i], wire.TrompetteTokensPercent/3, trompetteSenders))
	}

	keynoise := outputs.NewOneShotStream(&a.state.Keynoise, 0, trompetteSenders...)
	keynoise.MaxTokens = wire.DefaultMaxTokens
	out.AddStream(keynoise)
}

func newOutputStream(st *mgstate.String, tokensPercent int, senders []outputs.Sender) *outputs.Stream {
	s := outputs.NewStream(st, tokensPercent, senders...)
	s.MaxTokens = wire.DefaultMaxTokens
	return s
}

func (a *API) register(out *outputs.Output, closer func() error) int {
	a.worker.AddOutput(out)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outputs == nil {
		a.outputs = make(map[int]*registeredOutput)
	}
	a.nextOutputID++
	id := a.nextOutputID
	a.outputs[id] = &registeredOutput{output: out, close: closer}
	return id
}

func (a *API) lookupOutput(id int) (*registeredOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ro, ok := a.outputs[id]
	if !ok {
		return nil, fmt.Errorf("control: no output with id %d", id)
	}
	return ro, nil
}

// ConfigMIDIOutput reassigns the MIDI channels this output's first
// melody/drone/trompette string sends on, toggles whether it sends
// program-change messages, and selects its overall rate limit (speed
// 0=normal/3000 tokens, 1=fast/6000 tokens, 2=unlimited).
func (a *API) ConfigMIDIOutput(id int, melodyCh, droneCh, trompetteCh int, sendProgChange bool, speed int) error {
	ro, err := a.lookupOutput(id)
	if err != nil {
		return err
	}

	tokens, ok := outputSpeedTokens[speed]
	if !ok {
		return fmt.Errorf("control: unknown output speed %d", speed)
	}

	if err := a.switchChannel(ro, &a.state.Melody[0], melodyCh); err != nil {
		return err
	}
	if err := a.switchChannel(ro, &a.state.Drone[0], droneCh); err != nil {
		return err
	}
	if err := a.switchChannel(ro, &a.state.Trompette[0], trompetteCh); err != nil {
		return err
	}

	for _, s := range ro.output.Streams {
		s.SendProgramChange = sendProgChange
	}
	ro.output.SetTokensPerTick(tokens)
	return nil
}

// switchChannel moves a string to a new MIDI channel. The old channel is
// silenced and the stream's sink voice re-armed first, so nothing lingers
// there and every field is re-sent on the new channel before any new event.
func (a *API) switchChannel(ro *registeredOutput, st *mgstate.String, channel int) error {
	if st.Channel == channel {
		return nil
	}
	if ro.output.Enabled {
		for _, s := range ro.output.Streams {
			if s.String == st {
				if err := ro.output.ResetStream(s); err != nil {
					return err
				}
			}
		}
	}
	a.state.SetChannel(st, channel)
	return nil
}

// EnableOutput enables or disables rate-limited token accounting and
// syncing for an entire output (all its streams at once).
func (a *API) EnableOutput(id int, enable bool) error {
	ro, err := a.lookupOutput(id)
	if err != nil {
		return err
	}
	ro.output.Enable(enable)
	return nil
}

// RemoveOutput detaches an output from the running worker and releases
// whatever resource its sink holds (a wire output's MIDI port).
func (a *API) RemoveOutput(id int) error {
	a.mu.Lock()
	ro, ok := a.outputs[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("control: no output with id %d", id)
	}
	delete(a.outputs, id)
	a.mu.Unlock()

	a.worker.RemoveOutput(ro.output)

	if ro.close != nil {
		return ro.close()
	}
	return nil
}

// Halt immediately stops all output synchronization without stopping
// sensor reading or model updates, mirroring the original's emergency
// "halt_midi_output" switch used when a connected synth misbehaves. Turning
// halt on also resets every attached output so each sink's channels fall
// silent immediately rather than just freezing in whatever state they were
// last told; turning it off leaves outputs stopped until the worker's next
// tick naturally re-syncs them.
func (a *API) Halt(halt bool) {
	a.state.Lock()
	defer a.state.Unlock()

	a.worker.HaltOutputSync = halt
	if halt {
		for _, o := range a.worker.Outputs {
			if o.Enabled {
				_ = o.Reset()
			}
		}
	}
}
