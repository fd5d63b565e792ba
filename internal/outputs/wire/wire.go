// Package wire implements the rate-limited MIDI output sink: the physical
// (or virtual) MIDI port a MidiGurdy sends to. Every non-note message
// draws from the stream's token bucket; note-on/off are unthrottled but
// still metered so they count against the next tick's budget.
package wire

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/midigurdy/mg-core/internal/outputs"
)

// Non-standard control numbers this instrument relies on: CC8 (balance) is
// used for string panning instead of the more common CC10 (pan), matching
// the fixed wiring of the original hardware's synth patches.
const (
	ccVolume           = 7
	ccBalance          = 8
	ccExpression       = 11
	ccBankMSB          = 0
	ccBankLSB          = 32
	ccAllSoundsOff     = 0x78
	ccAllControllerOff = 0x79
)

// Token costs per message, mirroring the relative "expense" of each event
// on a 31.25kbaud MIDI wire: a 3-byte CC/pitch-bend/note message costs
// 3000, a 2-byte channel-pressure message costs 2000, a reset (two CC
// messages) costs 6000, and a bank change (two CC messages plus a program
// change) also costs 6000.
const (
	costNoteEvent      = 3000
	costChannelMessage = 3000
	costPressure       = 2000
	costReset          = 6000
	costBankProgram    = 6000
)

// DefaultTokensPerTick and DefaultMaxTokens are the factory output-wide
// rate limit and per-stream burst ceiling.
const (
	DefaultTokensPerTick = 3000
	DefaultMaxTokens     = 9000
)

// Default token shares, in percent of the output's total budget, for an
// output's melody, trompette and drone streams respectively; the control
// API splits each share evenly across the three strings of that kind.
const (
	MelodyTokensPercent    = 60
	TrompetteTokensPercent = 30
	DroneTokensPercent     = 10
)

// Sink sends MIDI messages out over a gomidi driver connection.
type Sink struct {
	out  drivers.Out
	send func(midi.Message) error
}

// Open opens the named MIDI output port (matched by substring against the
// system's available ports) and returns a Sink ready to attach to
// internal/outputs streams. Pass "" to use the driver's default port.
func Open(portName string) (*Sink, error) {
	var out drivers.Out
	var err error

	if portName == "" {
		out, err = midi.FindOutPort("")
		if err != nil {
			return nil, fmt.Errorf("wire: no default MIDI output port: %w", err)
		}
	} else {
		out, err = midi.FindOutPort(portName)
		if err != nil {
			return nil, fmt.Errorf("wire: MIDI output port %q: %w", portName, err)
		}
	}

	send, err := midi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("wire: opening MIDI output: %w", err)
	}

	return &Sink{out: out, send: send}, nil
}

// Close releases the underlying MIDI output port.
func (s *Sink) Close() error {
	return s.out.Close()
}

// NoteOn implements outputs.Sink.
func (s *Sink) NoteOn(channel, note, velocity int) (int, error) {
	if err := s.send(midi.NoteOn(uint8(channel), uint8(note), uint8(velocity))); err != nil {
		return 0, err
	}
	return costNoteEvent, nil
}

// NoteOff implements outputs.Sink.
func (s *Sink) NoteOff(channel, note int) (int, error) {
	if err := s.send(midi.NoteOff(uint8(channel), uint8(note))); err != nil {
		return 0, err
	}
	return costNoteEvent, nil
}

// Reset implements outputs.Sink: sends all-sounds-off and
// all-controllers-off on channel.
func (s *Sink) Reset(channel int) (int, error) {
	if err := s.send(midi.ControlChange(uint8(channel), ccAllSoundsOff, 0)); err != nil {
		return 0, err
	}
	if err := s.send(midi.ControlChange(uint8(channel), ccAllControllerOff, 0)); err != nil {
		return 0, err
	}
	return costReset, nil
}

// MelodySenders returns the full set of rate-limited message senders, in
// the round-robin order a melody stream uses: expression, pitch, channel
// pressure, volume, panning, bank/program.
func MelodySenders() []outputs.Sender {
	return []outputs.Sender{senderExpression, senderPitch, senderChannelPressure, senderVolume, senderBalance, senderBankProgram}
}

// TrompetteSenders omits pitch bend: trompette strings don't bend.
func TrompetteSenders() []outputs.Sender {
	return []outputs.Sender{senderExpression, senderChannelPressure, senderVolume, senderBalance, senderBankProgram}
}

// DroneSenders omits pitch bend and channel pressure: drone strings are a
// fixed drawbar drone, only expression/volume/panning/bank change.
func DroneSenders() []outputs.Sender {
	return []outputs.Sender{senderExpression, senderVolume, senderBalance, senderBankProgram}
}

func senderExpression(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	w := sink.(*Sink)
	expression := stream.String.Model.Expression
	if expression == 0 {
		expression = 1 // a silent string still needs an audible reset target once unmuted
	}
	if stream.Dst.Expression == expression {
		return 0, nil
	}
	if err := w.send(midi.ControlChange(uint8(stream.String.Channel), ccExpression, uint8(expression))); err != nil {
		return 0, err
	}
	stream.Dst.Expression = expression
	return costChannelMessage, nil
}

func senderVolume(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	w := sink.(*Sink)
	volume := stream.String.Model.Volume
	if stream.Dst.Volume == volume {
		return 0, nil
	}
	if err := w.send(midi.ControlChange(uint8(stream.String.Channel), ccVolume, uint8(volume))); err != nil {
		return 0, err
	}
	stream.Dst.Volume = volume
	return costChannelMessage, nil
}

func senderPitch(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	w := sink.(*Sink)
	pitch := stream.String.Model.Pitch
	if stream.Dst.Pitch == pitch {
		return 0, nil
	}
	if err := w.send(midi.Pitchbend(uint8(stream.String.Channel), int16(pitch-0x2000))); err != nil {
		return 0, err
	}
	stream.Dst.Pitch = pitch
	return costChannelMessage, nil
}

func senderChannelPressure(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	w := sink.(*Sink)
	pressure := stream.String.Model.Pressure
	if stream.Dst.Pressure == pressure {
		return 0, nil
	}
	if err := w.send(midi.AfterTouch(uint8(stream.String.Channel), uint8(pressure))); err != nil {
		return 0, err
	}
	stream.Dst.Pressure = pressure
	return costPressure, nil
}

func senderBalance(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	w := sink.(*Sink)
	panning := stream.String.Model.Panning
	if stream.Dst.Panning == panning {
		return 0, nil
	}
	if err := w.send(midi.ControlChange(uint8(stream.String.Channel), ccBalance, uint8(panning))); err != nil {
		return 0, err
	}
	stream.Dst.Panning = panning
	return costChannelMessage, nil
}

func senderBankProgram(sink outputs.Sink, stream *outputs.Stream) (int, error) {
	if !stream.SendProgramChange {
		return 0, nil
	}
	w := sink.(*Sink)
	bank := stream.String.Model.Bank
	program := stream.String.Model.Program
	if stream.Dst.Bank == bank && stream.Dst.Program == program {
		return 0, nil
	}
	if err := w.send(midi.ControlChange(uint8(stream.String.Channel), ccBankMSB, uint8((bank>>7)&0x7f))); err != nil {
		return 0, err
	}
	if err := w.send(midi.ControlChange(uint8(stream.String.Channel), ccBankLSB, uint8(bank&0x7f))); err != nil {
		return 0, err
	}
	if err := w.send(midi.ProgramChange(uint8(stream.String.Channel), uint8(program))); err != nil {
		return 0, err
	}
	stream.Dst.Bank = bank
	stream.Dst.Program = program
	return costBankProgram, nil
}
