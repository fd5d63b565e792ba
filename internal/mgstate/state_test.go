package mgstate

import "testing"

func TestNewDefaults(t *testing.T) {
	s := New()

	if !s.Melody[0].Muted {
		t.Errorf("melody string 0 should start muted")
	}
	if s.Melody[0].BaseNote != 60 {
		t.Errorf("melody base note = %d, want 60", s.Melody[0].BaseNote)
	}
	if s.Melody[0].Channel != 0 || s.Drone[0].Channel != 3 || s.Trompette[0].Channel != 6 || s.Keynoise.Channel != 9 {
		t.Errorf("unexpected channel assignment: melody=%d drone=%d trompette=%d keynoise=%d",
			s.Melody[0].Channel, s.Drone[0].Channel, s.Trompette[0].Channel, s.Keynoise.Channel)
	}
	if s.Melody[0].Model.Expression != 127 || s.Melody[0].Model.Pitch != 0x2000 {
		t.Errorf("model voice not reset to defaults: %+v", s.Melody[0].Model)
	}
	if s.KeyOnDebounce != 2 || s.KeyOffDebounce != 10 || s.BaseNoteDelay != 20 {
		t.Errorf("unexpected debounce defaults: on=%d off=%d delay=%d", s.KeyOnDebounce, s.KeyOffDebounce, s.BaseNoteDelay)
	}
	if s.PitchbendFactor != 0.5 {
		t.Errorf("pitchbend factor = %v, want 0.5", s.PitchbendFactor)
	}
}

func TestResetSinkVoiceSentinels(t *testing.T) {
	var v Voice
	ResetSinkVoice(&v)
	if v.Expression != -1 || v.Pitch != -1 || v.Volume != -1 || v.Panning != -1 || v.Pressure != -1 || v.Bank != -1 || v.Program != -1 {
		t.Errorf("sink voice should reset to never-sent sentinels, got %+v", v)
	}
}

func TestSetMuteZeroesModelVolume(t *testing.T) {
	s := New()
	st := &s.Melody[0]
	s.SetMute(st, false)
	s.SetVolume(st, 100)
	if st.Model.Volume != 100 {
		t.Fatalf("unmuted model volume = %d, want 100", st.Model.Volume)
	}
	s.SetMute(st, true)
	if st.Model.Volume != 0 {
		t.Errorf("muted model volume = %d, want 0", st.Model.Volume)
	}
	s.SetMute(st, false)
	if st.Model.Volume != 100 {
		t.Errorf("unmuting should restore configured volume, got %d", st.Model.Volume)
	}
}

func TestSetFixedNoteAddRemove(t *testing.T) {
	s := New()
	st := &s.Drone[0]

	s.SetFixedNote(st, 48, 100)
	s.SetFixedNote(st, 55, 100)
	if st.FixedNoteCount != 2 {
		t.Fatalf("FixedNoteCount = %d, want 2", st.FixedNoteCount)
	}

	s.SetFixedNote(st, 48, 0) // remove
	if st.FixedNoteCount != 1 || st.FixedNotes[0] != 55 {
		t.Errorf("after removal: count=%d notes=%v", st.FixedNoteCount, st.FixedNotes[:st.FixedNoteCount])
	}

	s.SetFixedNote(st, 55, 100) // re-adding an already-present note is a no-op
	if st.FixedNoteCount != 1 {
		t.Errorf("re-adding existing note should not duplicate, count=%d", st.FixedNoteCount)
	}
}

func TestClearNotes(t *testing.T) {
	s := New()
	st := &s.Melody[0]
	st.Model.Notes[0].Channel = 0
	st.Model.ActiveNotes[0] = 0
	st.Model.NoteCount = 1

	s.ClearNotes(st)

	if st.Model.NoteCount != 0 {
		t.Errorf("NoteCount after clear = %d, want 0", st.Model.NoteCount)
	}
	if st.Model.Notes[0].Channel != ChannelOff {
		t.Errorf("note channel after clear = %d, want ChannelOff", st.Model.Notes[0].Channel)
	}
}

func TestMappingDefaultsAndReset(t *testing.T) {
	s := New()

	m, err := s.Mapping(MapPressureToPitch)
	if err != nil {
		t.Fatalf("Mapping: %v", err)
	}
	if m.Count != 4 {
		t.Fatalf("pressure-to-pitch breakpoint count = %d, want 4", m.Count)
	}

	custom := defaultMapping(MapKeyvelToTangent)
	custom.Ranges[1].Out = 10
	if err := s.SetMapping(MapKeyvelToTangent, custom); err != nil {
		t.Fatalf("SetMapping: %v", err)
	}
	if got := s.ValueFor(MapKeyvelToTangent, KeyVelocityMax); got != 10 {
		t.Errorf("after SetMapping, ValueFor = %d, want 10", got)
	}

	if err := s.ResetMapping(MapKeyvelToTangent); err != nil {
		t.Fatalf("ResetMapping: %v", err)
	}
	if got := s.ValueFor(MapKeyvelToTangent, KeyVelocityMax); got != 63 {
		t.Errorf("after ResetMapping, ValueFor = %d, want 63", got)
	}
}

func TestMappingRejectsUnknownID(t *testing.T) {
	s := New()
	if _, err := s.Mapping(MappingID(999)); err == nil {
		t.Error("Mapping with out-of-range id should error")
	}
}

