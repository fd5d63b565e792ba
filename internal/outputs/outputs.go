// Package outputs reconciles each string's model voice against what a
// particular output sink has actually been told, turning voice diffs into
// wire messages. Note-on/off are never rate limited; every other message
// (expression, volume, pitch, pressure, panning) draws from a per-stream
// token bucket and is sent round-robin so a token-starved stream doesn't
// starve its neighbors of their own share.
package outputs

import (
	"log/slog"

	"github.com/midigurdy/mg-core/internal/mgstate"
)

// Sink is the destination for reconciled voice messages. Two concrete
// kinds exist: an unlimited in-process synth sink, and a rate-limited wire
// MIDI sink. Both report a token cost per call so Stream can debit its
// bucket; a Sink with no rate limiting just returns 0. A non-nil error
// (a write to a full buffer, a disconnected port) aborts the rest of the
// stream's sync for this tick; see Output.syncStream and SkipIterationsOnError.
type Sink interface {
	NoteOn(channel, note, velocity int) (int, error)
	NoteOff(channel, note int) (int, error)
	Reset(channel int) (int, error)
}

// Sender sends one non-note message (expression, volume, pitch, pressure,
// panning, bank/program) for a stream if its model value has changed since
// Dst was last updated, returning the token cost of doing so (0 if nothing
// was sent) and any error the underlying sink call produced.
type Sender func(sink Sink, stream *Stream) (int, error)

// Stream reconciles one string's model voice against what this output's
// sink has been told.
type Stream struct {
	String *mgstate.String

	Enabled       bool
	TokensPercent int
	Tokens        int
	TokensPerTick int
	MaxTokens     int

	// NoNoteOff suppresses the sink NoteOff call a stream would otherwise
	// send whenever the model drops a note. Set for one-shot sample voices
	// (key-noise) whose notes are re-triggered every tick they fire and are
	// expected to decay naturally rather than being cut off.
	NoNoteOff bool

	// SendProgramChange gates the bank/program sender: a deployment
	// whose synth manages patches manually can disable it per output.
	SendProgramChange bool

	Senders   []Sender
	senderIdx int

	Dst mgstate.Voice
}

// NewStream creates a stream wired to string, reserving tokensPercent of
// its output's available rate-limit budget once enabled.
func NewStream(st *mgstate.String, tokensPercent int, senders ...Sender) *Stream {
	s := &Stream{
		String:            st,
		Enabled:           true,
		TokensPercent:     tokensPercent,
		SendProgramChange: true,
		Senders:           senders,
	}
	mgstate.ResetSinkVoice(&s.Dst)
	return s
}

// NewOneShotStream creates a stream like NewStream, but marked so dropped
// notes never generate a sink NoteOff call.
func NewOneShotStream(st *mgstate.String, tokensPercent int, senders ...Sender) *Stream {
	s := NewStream(st, tokensPercent, senders...)
	s.NoNoteOff = true
	return s
}

// SkipIterationsOnError is how many ticks an output suspends all syncing
// for after a sink call fails, giving a transient write error (a full
// buffer, a momentarily unplugged adapter) time to clear before retrying.
const SkipIterationsOnError = 1000

// Output drives reconciliation for every stream attached to one sink, on a
// shared, proportionally-redistributed rate limit.
type Output struct {
	Sink    Sink
	Streams []*Stream

	Enabled       bool
	TokensPerTick int

	skipIterations int
}

// New creates an Output targeting sink with the given total per-tick token
// budget. A budget of 0 disables rate limiting: the buckets stay at 0 and
// senders run unconditionally, since the token gate only applies while
// TokensPerTick > 0.
func New(sink Sink, tokensPerTick int) *Output {
	return &Output{Sink: sink, Enabled: true, TokensPerTick: tokensPerTick}
}

// AddStream attaches a stream to this output and immediately distributes
// token shares across every attached stream, so a stream added before the
// worker's first tick already has a correct TokensPerTick instead of
// waiting for the next enable/disable event to set it.
func (o *Output) AddStream(s *Stream) {
	o.Streams = append(o.Streams, s)
	o.recalculateTokensPerTick()
}

// Enable turns this output on or off: a disabled output's Tick does
// nothing. Toggling also recomputes every enabled stream's per-tick token
// share immediately, folding the disabled streams' unused share into it.
func (o *Output) Enable(enable bool) {
	if o.Enabled == enable {
		return
	}
	o.Enabled = enable
	o.recalculateTokensPerTick()
}

// EnableStream enables or disables one stream and immediately
// redistributes token shares across the output's streams.
func (o *Output) EnableStream(s *Stream, enable bool) {
	if s.Enabled == enable {
		return
	}
	s.Enabled = enable
	o.recalculateTokensPerTick()
}

// recalculateTokensPerTick folds every disabled stream's configured token
// share into the pool, then redistributes the pool across enabled streams
// in proportion to their configured share. Runs once per enable/disable
// event, not periodically, so the split stays exact between events.
func (o *Output) recalculateTokensPerTick() {
	unused := 0
	enabledPercent := 0
	for _, s := range o.Streams {
		if s.Enabled {
			enabledPercent += s.TokensPercent
		} else {
			unused += (s.TokensPercent * o.TokensPerTick) / 100
			s.TokensPerTick = 0
		}
	}
	for _, s := range o.Streams {
		if s.Enabled {
			s.TokensPerTick = s.TokensPercent * o.TokensPerTick / 100
			if enabledPercent > 0 {
				s.TokensPerTick += unused * s.TokensPercent / enabledPercent
			}
		}
	}

	sum := 0
	for _, s := range o.Streams {
		sum += s.TokensPerTick
	}
	if sum != o.TokensPerTick {
		slog.Debug("output tokens not distributed optimally",
			"output_tokens", o.TokensPerTick, "stream_token_sum", sum)
	}
}

// SetTokensPerTick changes this output's total per-tick token budget and
// immediately redistributes it across attached streams in proportion to
// their configured share. A budget of 0 disables rate limiting entirely.
func (o *Output) SetTokensPerTick(tokens int) {
	o.TokensPerTick = tokens
	o.recalculateTokensPerTick()
}

// Tick refills every enabled stream's token bucket (or zeroes it if this
// output has no rate limit configured) and then reconciles every enabled
// stream's model voice against the sink. If this output is suspended after
// a prior sink error, it does nothing but count down toward resuming.
func (o *Output) Tick() {
	if !o.Enabled {
		return
	}
	if o.skipIterations > 0 {
		o.skipIterations--
		return
	}
	o.addTokens()
	if err := o.sync(); err != nil {
		o.skipIterations = SkipIterationsOnError
	}
}

func (o *Output) addTokens() {
	if o.TokensPerTick == 0 {
		for _, s := range o.Streams {
			s.Tokens = 0
		}
		return
	}
	for _, s := range o.Streams {
		if s.Enabled && s.Tokens < s.MaxTokens {
			s.Tokens += s.TokensPerTick
			if s.Tokens > s.MaxTokens {
				s.Tokens = s.MaxTokens
			}
		}
	}
}

// sync reconciles every enabled stream in turn, stopping at the first sink
// error so the caller can suspend the whole output. A stream whose string
// has a negative channel is parked: configured but not routed anywhere.
func (o *Output) sync() error {
	for _, s := range o.Streams {
		if s.Enabled && s.String.Channel >= 0 {
			if err := o.syncStream(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset tells the sink to silence every stream's channel and resets each
// stream's sink-voice cache to its never-sent sentinel state. Stops at the
// first sink error, leaving any not-yet-reset streams to retry next time.
func (o *Output) Reset() error {
	for _, s := range o.Streams {
		if err := o.ResetStream(s); err != nil {
			return err
		}
	}
	return nil
}

// ResetStream silences one stream's current channel on the sink and re-arms
// its sink voice, forcing every field out again on the next sync. Called on
// its own before a stream is switched to a different channel, so the old
// channel is left silent and clean. A parked stream (negative channel) has
// nothing to silence; only its sink voice is re-armed.
func (o *Output) ResetStream(s *Stream) error {
	if s.String.Channel >= 0 {
		if _, err := o.Sink.Reset(s.String.Channel); err != nil {
			return err
		}
	}
	mgstate.ResetSinkVoice(&s.Dst)
	return nil
}

// syncStream diffs one stream's model voice against what the sink has
// actually been told and sends whatever changed. A sink error aborts the
// rest of this stream's sync, but the notes that did make it out are
// committed to the stream's active-note summary first, so the next
// successful tick replays only the unsent work.
func (o *Output) syncStream(stream *Stream) error {
	src := &stream.String.Model
	dst := &stream.Dst

	var activeNotes [mgstate.NumNotes]int
	noteCount := 0
	changed := false

	commit := func() {
		dst.NoteCount = noteCount
		copy(dst.ActiveNotes[:noteCount], activeNotes[:noteCount])
	}

	for i := 0; i < src.NoteCount; i++ {
		key := src.ActiveNotes[i]
		srcNote := &src.Notes[key]
		dstNote := &dst.Notes[key]

		if srcNote.Channel == dstNote.Channel {
			continue
		}

		tokens, err := o.Sink.NoteOn(stream.String.Channel, key, srcNote.Velocity)
		if err != nil {
			// The sink's previous active list is still accurate: the
			// note-off pass hasn't run. Keep it alongside whatever
			// note-ons already went out.
			for j := 0; j < dst.NoteCount; j++ {
				activeNotes[noteCount] = dst.ActiveNotes[j]
				noteCount++
			}
			commit()
			return err
		}
		stream.Tokens -= tokens
		dstNote.Channel = srcNote.Channel
		activeNotes[noteCount] = key
		noteCount++
		changed = true
	}

	for i := 0; i < dst.NoteCount; i++ {
		key := dst.ActiveNotes[i]
		dstNote := &dst.Notes[key]
		srcNote := &src.Notes[key]

		if dstNote.Channel == srcNote.Channel {
			activeNotes[noteCount] = key
			noteCount++
			continue
		}

		if !stream.NoNoteOff {
			tokens, err := o.Sink.NoteOff(stream.String.Channel, key)
			if err != nil {
				// This note and the unprocessed rest are still sounding
				// on the sink; keep them listed for the retry.
				for j := i; j < dst.NoteCount; j++ {
					activeNotes[noteCount] = dst.ActiveNotes[j]
					noteCount++
				}
				commit()
				return err
			}
			stream.Tokens -= tokens
		}
		dstNote.Channel = mgstate.ChannelOff
		changed = true
	}

	if changed {
		commit()
	}

	for i := 0; i < len(stream.Senders); i++ {
		if o.TokensPerTick > 0 && stream.Tokens <= 0 {
			break
		}
		sender := stream.Senders[stream.senderIdx]
		tokens, err := sender(o.Sink, stream)
		if err != nil {
			return err
		}
		stream.Tokens -= tokens
		stream.senderIdx++
		stream.senderIdx %= len(stream.Senders)
	}

	return nil
}
