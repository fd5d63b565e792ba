// Package synth implements the in-process synth sink: an unlimited,
// synchronous sink that talks directly to a local software synthesizer
// instead of a MIDI wire. No token bucket applies; every call reports a
// zero cost so internal/outputs never throttles it.
package synth

import "github.com/midigurdy/mg-core/internal/outputs"

// Engine is the local synthesizer a Sink drives. Implementations wrap
// whatever in-process softsynth library is linked in; this package has no
// opinion on which. PitchBend takes the bend relative to center
// (-8192..8191), the same convention the wire sink puts on the MIDI cable.
type Engine interface {
	NoteOn(channel, note, velocity int)
	NoteOff(channel, note int)
	AllSoundsOff(channel int)
	AllControllersOff(channel int)
	ControlChange(channel, controller, value int)
	PitchBend(channel int, value int16)
	ChannelPressure(channel, pressure int)
	ProgramChange(channel, program int)
}

const (
	ccVolume     = 7
	ccBalance    = 8
	ccExpression = 11
	ccBankMSB    = 0
	ccBankLSB    = 32
)

// Sink adapts an Engine to outputs.Sink and the rate-limited Sender
// signature, always reporting zero token cost.
type Sink struct {
	Engine Engine
}

// New wraps engine as an output sink.
func New(engine Engine) *Sink {
	return &Sink{Engine: engine}
}

// NoteOn implements outputs.Sink.
func (s *Sink) NoteOn(channel, note, velocity int) (int, error) {
	s.Engine.NoteOn(channel, note, velocity)
	return 0, nil
}

// NoteOff implements outputs.Sink.
func (s *Sink) NoteOff(channel, note int) (int, error) {
	s.Engine.NoteOff(channel, note)
	return 0, nil
}

// Reset implements outputs.Sink.
func (s *Sink) Reset(channel int) (int, error) {
	s.Engine.AllSoundsOff(channel)
	s.Engine.AllControllersOff(channel)
	return 0, nil
}

// Senders returns the full set of senders for a melody/trompette/drone
// stream talking to the synth sink. Unlike the wire sink, every message
// kind is sent unconditionally in one pass rather than round-robin, since
// there's no rate limit to spread across ticks.
func Senders() []outputs.Sender {
	return []outputs.Sender{senderExpression, senderPitch, senderChannelPressure, senderVolume, senderBalance, senderBankProgram}
}

func senderExpression(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	s := sink.(*Sink)
	expression := stream.String.Model.Expression
	if stream.Dst.Expression == expression {
		return 0, nil
	}
	s.Engine.ControlChange(stream.String.Channel, ccExpression, expression)
	stream.Dst.Expression = expression
	return 0, nil
}

func senderVolume(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	s := sink.(*Sink)
	volume := stream.String.Model.Volume
	if stream.Dst.Volume == volume {
		return 0, nil
	}
	s.Engine.ControlChange(stream.String.Channel, ccVolume, volume)
	stream.Dst.Volume = volume
	return 0, nil
}

func senderPitch(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	s := sink.(*Sink)
	pitch := stream.String.Model.Pitch
	if stream.Dst.Pitch == pitch {
		return 0, nil
	}
	s.Engine.PitchBend(stream.String.Channel, int16(pitch-0x2000))
	stream.Dst.Pitch = pitch
	return 0, nil
}

func senderChannelPressure(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	s := sink.(*Sink)
	pressure := stream.String.Model.Pressure
	if stream.Dst.Pressure == pressure {
		return 0, nil
	}
	s.Engine.ChannelPressure(stream.String.Channel, pressure)
	stream.Dst.Pressure = pressure
	return 0, nil
}

func senderBalance(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	s := sink.(*Sink)
	panning := stream.String.Model.Panning
	if stream.Dst.Panning == panning {
		return 0, nil
	}
	s.Engine.ControlChange(stream.String.Channel, ccBalance, panning)
	stream.Dst.Panning = panning
	return 0, nil
}

func senderBankProgram(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	if !stream.SendProgramChange {
		return 0, nil
	}
	s := sink.(*Sink)
	bank := stream.String.Model.Bank
	program := stream.String.Model.Program
	if stream.Dst.Bank == bank && stream.Dst.Program == program {
		return 0, nil
	}
	s.Engine.ControlChange(stream.String.Channel, ccBankMSB, (bank>>7)&0x7f)
	s.Engine.ControlChange(stream.String.Channel, ccBankLSB, bank&0x7f)
	s.Engine.ProgramChange(stream.String.Channel, program)
	stream.Dst.Bank = bank
	stream.Dst.Program = program
	return 0, nil
}
