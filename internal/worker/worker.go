// Package worker runs the fixed-rate control loop that ties sensors,
// instrument modelling and output reconciliation together: read sensors,
// update the model under lock, sync outputs, report telemetry, repeat
// every millisecond on an absolute clock.
package worker

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/midigurdy/mg-core/internal/mgstate"
	"github.com/midigurdy/mg-core/internal/model"
	"github.com/midigurdy/mg-core/internal/outputs"
	"github.com/midigurdy/mg-core/internal/sensors"
)

// TickInterval is the fixed control-loop period.
const TickInterval = time.Millisecond

// realtimePriority is the SCHED_FIFO priority requested for the worker
// thread. Best effort: most deployments run this unprivileged and simply
// log a warning when it can't be granted.
const realtimePriority = 50

// maxSafeStack is pre-faulted once at startup so the realtime loop never
// takes a page fault growing its own goroutine stack.
const maxSafeStack = 8 * 1024

// WheelReportInterval is how many ticks elapse between full wheel
// telemetry snapshots sent to connected clients (separate from the
// change-triggered recording that happens every tick).
const WheelReportInterval = 10

// Telemetry receives per-tick reporting hooks. All its methods must be cheap
// and non-blocking: they run on the realtime tick.
type Telemetry interface {
	RecordWheel(position, speed, chienVolume, chienSpeed int)
	ReportWheel()
	ReportKeys(kb *sensors.Keyboard)
	HasKeyClients() bool
}

// Strings bundles every string the worker must update each tick, grouped
// the way the instrument model expects them.
type Strings struct {
	Melody    [3]*mgstate.String
	Drone     [3]*mgstate.String
	Trompette [3]*mgstate.String
	Keynoise  *mgstate.String
}

// Worker owns the realtime control loop.
type Worker struct {
	State   *mgstate.State
	Strings Strings
	Wheel   sensors.Wheel
	Keys    sensors.Keyboard
	Reader  *sensors.Reader
	Outputs []*outputs.Output
	Telem   Telemetry
	Log     *slog.Logger

	// HaltOutputSync mirrors the original's emergency "halt_midi_output"
	// switch: sensors and the model keep running, but nothing is sent to
	// any output sink while true.
	HaltOutputSync bool

	tickCount int

	prevPos         int
	prevSpeed       int
	prevChienVolume int
	prevChienSpeed  int
	reportCalls     int

	done chan struct{}
}

// New creates a Worker. log may be nil, in which case a disabled logger is
// used.
func New(state *mgstate.State, reader *sensors.Reader, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{State: state, Reader: reader, Log: log, done: make(chan struct{})}
}

// AddOutput attaches an output to be synced every tick.
func (w *Worker) AddOutput(o *outputs.Output) {
	w.State.Lock()
	defer w.State.Unlock()
	w.Outputs = append(w.Outputs, o)
}

// RemoveOutput detaches an output so it's no longer synced. A no-op if o
// isn't currently attached.
func (w *Worker) RemoveOutput(o *outputs.Output) {
	w.State.Lock()
	defer w.State.Unlock()
	for i, existing := range w.Outputs {
		if existing == o {
			w.Outputs = append(w.Outputs[:i], w.Outputs[i+1:]...)
			return
		}
	}
}

// Run drives the control loop on the calling goroutine until ctx is
// canceled or Stop is called. Intended to be launched as `go w.Run(ctx)`
// and coordinated via an errgroup alongside telemetry and console
// goroutines.
func (w *Worker) Run(ctx context.Context) error {
	setupRealtime(w.Log)

	next := time.Now().Add(TickInterval)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-timer.C:
			w.tick()
			next = next.Add(TickInterval)
			timer.Reset(time.Until(next))
		}
	}
}

// Stop ends the control loop. Safe to call more than once.
func (w *Worker) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *Worker) tick() {
	w.State.Lock()

	if w.Reader != nil {
		if err := w.Reader.Poll(&w.Keys, &w.State.KeyCalib, &w.Wheel); err != nil {
			w.Log.Warn("sensor read failed", "error", err)
		}
	}

	w.Wheel.UpdateSpeed()
	w.Keys.Debounce(&w.State.KeyCalib, w.State.KeyOnDebounce, w.State.KeyOffDebounce, w.State.BaseNoteDelay)

	// With the wheel stopped there is nothing sounding to protect with the
	// base-note delay, so expire it now and let the next wheel onset resolve
	// its base note immediately.
	if w.Wheel.Speed == 0 {
		w.Keys.InactiveCount = w.State.BaseNoteDelay
	}

	model.UpdateMelodyStreams(w.State, &w.Strings.Melody, &w.Wheel, &w.Keys)
	model.UpdateDroneStreams(w.State, &w.Strings.Drone, &w.Wheel)
	model.UpdateTrompetteStreams(w.State, &w.Strings.Trompette, &w.Wheel)
	model.UpdateKeynoiseStream(w.State, w.Strings.Keynoise, &w.Wheel, &w.Keys)

	if !w.HaltOutputSync {
		for _, o := range w.Outputs {
			o.Tick()
		}
	}

	w.State.Unlock()

	if w.Telem != nil {
		w.reportTelemetry()
	}

	w.tickCount++
}

// chienVoice reports the trompette string most representative of the
// overall "chien" buzz state for wheel telemetry: the first trompette
// string's model-computed chien volume and normalized chien speed.
func (w *Worker) chienVoice() (volume, speed int) {
	if w.Strings.Trompette[0] == nil {
		return 0, 0
	}
	v := &w.Strings.Trompette[0].Model
	return v.ChienVolume, v.ChienSpeed
}

func (w *Worker) reportTelemetry() {
	chienVolume, chienSpeed := w.chienVoice()

	if w.Wheel.Position != w.prevPos || w.Wheel.Speed != w.prevSpeed ||
		chienVolume != w.prevChienVolume || chienSpeed != w.prevChienSpeed {
		w.Telem.RecordWheel(w.Wheel.Position, w.Wheel.Speed, chienVolume, chienSpeed)
		w.prevPos = w.Wheel.Position
		w.prevSpeed = w.Wheel.Speed
		w.prevChienVolume = chienVolume
		w.prevChienSpeed = chienSpeed
	}

	if w.reportCalls >= WheelReportInterval {
		w.Telem.ReportWheel()
		w.reportCalls = 0
	} else {
		w.reportCalls++
	}

	if w.Telem.HasKeyClients() {
		w.Telem.ReportKeys(&w.Keys)
	}
}

// setupRealtime makes a best-effort attempt to raise the calling OS thread
// to SCHED_FIFO priority and lock all of its memory, matching the
// original's "warn and continue" handling of both calls: a development
// machine without CAP_SYS_NICE still runs correctly, just without the
// realtime guarantees production hardware provides.
func setupRealtime(log *slog.Logger) {
	runtime.LockOSThread()

	param := &unix.SchedParam{Priority: realtimePriority}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, param); err != nil {
		log.Warn("failed to set SCHED_FIFO scheduling", "error", err)
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Warn("failed to lock memory", "error", err)
	}

	prefaultStack()
}

func prefaultStack() {
	var dummy [maxSafeStack]byte
	for i := range dummy {
		dummy[i] = 0
	}
}
