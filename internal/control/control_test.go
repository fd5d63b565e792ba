package control

import (
	"testing"

	"github.com/midigurdy/mg-core/internal/mapping"
	"github.com/midigurdy/mg-core/internal/mgstate"
	"github.com/midigurdy/mg-core/internal/worker"
)

func newAPI(t *testing.T) (*API, *mgstate.State) {
	t.Helper()
	s := mgstate.New()
	w := worker.New(s, nil, nil)
	return New(s, w), s
}

func TestSetVolumeAndMute(t *testing.T) {
	a, s := newAPI(t)

	if err := a.SetMute(KindMelody, Index0, false); err != nil {
		t.Fatalf("SetMute: %v", err)
	}
	if err := a.SetVolume(KindMelody, Index0, 90); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if s.Melody[0].Model.Volume != 90 {
		t.Errorf("melody[0] model volume = %d, want 90", s.Melody[0].Model.Volume)
	}
}

func TestSetVolumeRejectsBadIndex(t *testing.T) {
	a, _ := newAPI(t)
	if err := a.SetVolume(KindMelody, Index(99), 90); err == nil {
		t.Error("expected error for out-of-range string index")
	}
}

func TestSetAndResetMapping(t *testing.T) {
	a, s := newAPI(t)

	if err := a.SetMapping(mgstate.MapKeyvelToTangent, mapping.Point{In: 0, Out: 0}, mapping.Point{In: 127, Out: 5}); err != nil {
		t.Fatalf("SetMapping: %v", err)
	}
	if got := s.ValueFor(mgstate.MapKeyvelToTangent, 127); got != 5 {
		t.Errorf("ValueFor after SetMapping = %d, want 5", got)
	}

	if err := a.ResetMapping(mgstate.MapKeyvelToTangent); err != nil {
		t.Fatalf("ResetMapping: %v", err)
	}
	if got := s.ValueFor(mgstate.MapKeyvelToTangent, 127); got != 63 {
		t.Errorf("ValueFor after ResetMapping = %d, want 63", got)
	}
}

func TestHaltStopsOutputSync(t *testing.T) {
	s := mgstate.New()
	w := worker.New(s, nil, nil)
	a := New(s, w)

	a.Halt(true)
	if !w.HaltOutputSync {
		t.Error("Halt(true) should set worker.HaltOutputSync")
	}
	a.Halt(false)
	if w.HaltOutputSync {
		t.Error("Halt(false) should clear worker.HaltOutputSync")
	}
}

func TestSetModeRejectsOutOfRange(t *testing.T) {
	a, _ := newAPI(t)
	if err := a.SetMode(KindMelody, Index0, 3); err == nil {
		t.Error("expected error for out-of-range mode")
	}
	if err := a.SetMode(KindMelody, Index0, 1); err != nil {
		t.Errorf("SetMode(1): %v", err)
	}
}

func TestSetBankProgramAndEmptyKey(t *testing.T) {
	a, s := newAPI(t)

	if err := a.SetBank(KindMelody, Index0, 200); err != nil {
		t.Fatalf("SetBank: %v", err)
	}
	if s.Melody[0].Bank != 200 {
		t.Errorf("Bank = %d, want 200", s.Melody[0].Bank)
	}

	if err := a.SetProgram(KindMelody, Index0, 999); err != nil {
		t.Fatalf("SetProgram: %v", err)
	}
	if s.Melody[0].Program != 127 {
		t.Errorf("Program = %d, want clamped to 127", s.Melody[0].Program)
	}

	if err := a.SetEmptyKey(KindMelody, Index0, 99); err != nil {
		t.Fatalf("SetEmptyKey: %v", err)
	}
	if s.Melody[0].EmptyKey != mgstate.KeyCount-1 {
		t.Errorf("EmptyKey = %d, want clipped to %d", s.Melody[0].EmptyKey, mgstate.KeyCount-1)
	}
}

func TestResetStringRestoresDefaults(t *testing.T) {
	a, s := newAPI(t)

	if err := a.SetVolume(KindMelody, Index0, 10); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := a.ResetString(KindMelody, Index0); err != nil {
		t.Fatalf("ResetString: %v", err)
	}
	if s.Melody[0].Volume != 127 {
		t.Errorf("Volume after ResetString = %d, want factory default 127", s.Melody[0].Volume)
	}
	if s.Melody[0].Kind != mgstate.StringMelody || s.Melody[0].Channel != 0 {
		t.Errorf("ResetString changed string identity: kind=%d channel=%d", s.Melody[0].Kind, s.Melody[0].Channel)
	}
}

type fakeEngine struct {
	notesOn int
}

func (f *fakeEngine) NoteOn(channel, note, velocity int)    { f.notesOn++ }
func (f *fakeEngine) NoteOff(channel, note int)             {}
func (f *fakeEngine) AllSoundsOff(channel int)              {}
func (f *fakeEngine) AllControllersOff(channel int)         {}
func (f *fakeEngine) ControlChange(channel, cc, value int)  {}
func (f *fakeEngine) PitchBend(channel int, value int16)    {}
func (f *fakeEngine) ChannelPressure(channel, pressure int) {}
func (f *fakeEngine) ProgramChange(channel, program int)    {}

func TestAddFluidOutputRegistersAndRemoves(t *testing.T) {
	a, _ := newAPI(t)

	engine := &fakeEngine{}
	id := a.AddFluidOutput(engine)
	if len(a.worker.Outputs) != 1 {
		t.Fatalf("worker.Outputs = %d, want 1 after AddFluidOutput", len(a.worker.Outputs))
	}

	if err := a.EnableOutput(id, false); err != nil {
		t.Fatalf("EnableOutput: %v", err)
	}

	if err := a.RemoveOutput(id); err != nil {
		t.Fatalf("RemoveOutput: %v", err)
	}
	if len(a.worker.Outputs) != 0 {
		t.Errorf("worker.Outputs = %d, want 0 after RemoveOutput", len(a.worker.Outputs))
	}

	if err := a.RemoveOutput(id); err == nil {
		t.Error("expected error removing an already-removed output")
	}
}
