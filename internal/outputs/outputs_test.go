package outputs

import (
	"errors"
	"testing"

	"github.com/midigurdy/mg-core/internal/mgstate"
)

type fakeSink struct {
	noteOns  []int
	noteOffs []int
	resets   []int
}

func (f *fakeSink) NoteOn(channel, note, velocity int) (int, error) {
	f.noteOns = append(f.noteOns, note)
	return 3000, nil
}

func (f *fakeSink) NoteOff(channel, note int) (int, error) {
	f.noteOffs = append(f.noteOffs, note)
	return 3000, nil
}

func (f *fakeSink) Reset(channel int) (int, error) {
	f.resets = append(f.resets, channel)
	return 6000, nil
}

func countSender(calls *int) Sender {
	return func(sink Sink, stream *Stream) (int, error) {
		*calls++
		return 3000, nil
	}
}

// erroringSink wraps fakeSink, failing NoteOn on demand to exercise the
// output-suspension path.
type erroringSink struct {
	fakeSink
	failNoteOn bool
}

func (f *erroringSink) NoteOn(channel, note, velocity int) (int, error) {
	if f.failNoteOn {
		return 0, errors.New("write failed")
	}
	return f.fakeSink.NoteOn(channel, note, velocity)
}

func TestSyncSendsNoteOnForNewNote(t *testing.T) {
	st := &mgstate.String{Channel: 0}
	st.Model.NoteCount = 1
	st.Model.ActiveNotes[0] = 60
	st.Model.Notes[60] = mgstate.Note{Channel: 0, Velocity: 100}

	sink := &fakeSink{}
	o := New(sink, 0)
	stream := NewStream(st, 100)
	o.AddStream(stream)

	o.Tick()

	if len(sink.noteOns) != 1 || sink.noteOns[0] != 60 {
		t.Fatalf("noteOns = %v, want [60]", sink.noteOns)
	}
	if stream.Dst.NoteCount != 1 || stream.Dst.ActiveNotes[0] != 60 {
		t.Errorf("dst note tracking not updated: count=%d notes=%v", stream.Dst.NoteCount, stream.Dst.ActiveNotes[:stream.Dst.NoteCount])
	}
}

func TestSyncSendsNoteOffWhenModelClears(t *testing.T) {
	st := &mgstate.String{Channel: 0}
	sink := &fakeSink{}
	o := New(sink, 0)
	stream := NewStream(st, 100)
	o.AddStream(stream)

	// Establish note 60 as sounding.
	st.Model.NoteCount = 1
	st.Model.ActiveNotes[0] = 60
	st.Model.Notes[60] = mgstate.Note{Channel: 0, Velocity: 100}
	o.Tick()

	// Model clears the note.
	st.Model.NoteCount = 0
	st.Model.Notes[60].Channel = mgstate.ChannelOff
	o.Tick()

	if len(sink.noteOffs) != 1 || sink.noteOffs[0] != 60 {
		t.Fatalf("noteOffs = %v, want [60]", sink.noteOffs)
	}
}

func TestSyncNoDuplicateNoteOnWhenUnchanged(t *testing.T) {
	st := &mgstate.String{Channel: 0}
	st.Model.NoteCount = 1
	st.Model.ActiveNotes[0] = 60
	st.Model.Notes[60] = mgstate.Note{Channel: 0, Velocity: 100}

	sink := &fakeSink{}
	o := New(sink, 0)
	stream := NewStream(st, 100)
	o.AddStream(stream)

	o.Tick()
	o.Tick()

	if len(sink.noteOns) != 1 {
		t.Errorf("noteOns = %v, want exactly one (no resend while unchanged)", sink.noteOns)
	}
}

func TestSendersRoundRobinUnderTokenPressure(t *testing.T) {
	st := &mgstate.String{Channel: 0}
	calls := 0
	sender := countSender(&calls)

	sink := &fakeSink{}
	o := New(sink, 3000)
	stream := NewStream(st, 100, sender, sender, sender)
	stream.MaxTokens = 9000
	o.AddStream(stream)

	// One tick: AddStream has already given the only stream the whole
	// 3000-token budget; the assignment below just pins it for this test.
	stream.TokensPerTick = 3000
	o.Tick()

	if calls != 1 {
		t.Errorf("with 3000 tokens and 3000-cost senders, expected exactly 1 call this tick, got %d", calls)
	}
}

func TestRecalculateTokensPerTickFoldsDisabledShare(t *testing.T) {
	stA := &mgstate.String{Channel: 0}
	stB := &mgstate.String{Channel: 1}

	sink := &fakeSink{}
	o := New(sink, 100)
	a := NewStream(stA, 60)
	b := NewStream(stB, 40)
	o.AddStream(a)
	o.AddStream(b)
	o.recalculateTokensPerTick()

	if a.TokensPerTick != 60 || b.TokensPerTick != 40 {
		t.Fatalf("initial split a=%d b=%d, want 60/40", a.TokensPerTick, b.TokensPerTick)
	}

	o.EnableStream(b, false)

	if a.TokensPerTick != 100 {
		t.Errorf("disabling b should fold its share into a, a.TokensPerTick = %d, want 100", a.TokensPerTick)
	}
	if b.TokensPerTick != 0 {
		t.Errorf("disabled stream should have zero tokens_per_tick, got %d", b.TokensPerTick)
	}
}

func TestResetRestoresSentinelDst(t *testing.T) {
	st := &mgstate.String{Channel: 2}
	sink := &fakeSink{}
	o := New(sink, 0)
	stream := NewStream(st, 100)
	o.AddStream(stream)

	stream.Dst.Volume = 50
	o.Reset()

	if len(sink.resets) != 1 || sink.resets[0] != 2 {
		t.Fatalf("resets = %v, want [2]", sink.resets)
	}
	if stream.Dst.Volume != -1 {
		t.Errorf("Dst.Volume after reset = %d, want sentinel -1", stream.Dst.Volume)
	}
}

func TestTickSuspendsOutputAfterSinkError(t *testing.T) {
	st := &mgstate.String{Channel: 0}
	st.Model.NoteCount = 1
	st.Model.ActiveNotes[0] = 60
	st.Model.Notes[60] = mgstate.Note{Channel: 0, Velocity: 100}

	sink := &erroringSink{failNoteOn: true}
	o := New(sink, 0)
	stream := NewStream(st, 100)
	o.AddStream(stream)

	o.Tick()

	if o.skipIterations != SkipIterationsOnError {
		t.Fatalf("skipIterations = %d, want %d after a sink error", o.skipIterations, SkipIterationsOnError)
	}
	if stream.Dst.NoteCount != 0 {
		t.Errorf("Dst.NoteCount = %d, want 0: a failed note-on must not be committed", stream.Dst.NoteCount)
	}

	sink.failNoteOn = false
	for i := 0; i < SkipIterationsOnError; i++ {
		o.Tick()
	}
	if len(sink.noteOns) != 0 {
		t.Fatalf("noteOns sent while output suspended: %v", sink.noteOns)
	}

	o.Tick()
	if len(sink.noteOns) != 1 || sink.noteOns[0] != 60 {
		t.Fatalf("noteOns once suspension elapsed = %v, want [60]", sink.noteOns)
	}
}
