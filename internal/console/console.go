// Package console implements an optional local operator console: a
// raw-mode stdin reader that lets whoever is sitting at the instrument's
// own terminal inspect worker state and trigger an emergency halt without
// going through the web control plane. It is strictly a convenience; the
// worker and control-plane API function identically whether or not a
// console is attached.
package console

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/midigurdy/mg-core/internal/control"
	"github.com/midigurdy/mg-core/internal/mgstate"
	"github.com/midigurdy/mg-core/internal/worker"
)

// pollInterval is how long the read loop sleeps after an EAGAIN before
// retrying, matching the non-blocking-read-with-retry shape used by the
// sensor device readers.
const pollInterval = 5 * time.Millisecond

// Console reads single keystrokes from stdin in raw mode and dispatches a
// small fixed command set against a running instrument.
type Console struct {
	api   *control.API
	state *mgstate.State
	w     *worker.Worker
	out   io.Writer
	log   *slog.Logger

	fd           int
	oldTermState *term.State
	nonblockSet  bool

	stopCh  chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// New creates a console bound to a running instrument's control-plane API,
// shared state (for status snapshots) and worker (for status snapshots of
// the halt flag, wheel speed, active keys and attached outputs). log may be
// nil.
func New(api *control.API, state *mgstate.State, w *worker.Worker, log *slog.Logger) *Console {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Console{
		api:    api,
		state:  state,
		w:      w,
		out:    os.Stdout,
		log:    log,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run puts stdin into raw mode and dispatches keystrokes until Stop is
// called or stdin is closed. Intended to be launched as `go c.Run()`
// alongside the worker and telemetry server goroutines.
//
// Recognized keys:
//
//	h   toggle the emergency output halt
//	s   print a one-line status snapshot (halt state, wheel speed, active
//	    key count, output count)
//	q   request the console's own shutdown (does not stop the worker)
func (c *Console) Run() error {
	c.fd = int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		close(c.done)
		return fmt.Errorf("console: failed to set raw mode: %w", err)
	}
	c.oldTermState = oldState

	if err := syscall.SetNonblock(c.fd, true); err != nil {
		_ = term.Restore(c.fd, c.oldTermState)
		c.oldTermState = nil
		close(c.done)
		return fmt.Errorf("console: failed to set nonblocking stdin: %w", err)
	}
	c.nonblockSet = true

	defer close(c.done)

	buf := make([]byte, 1)
	for {
		select {
		case <-c.stopCh:
			return nil
		default:
		}

		n, err := syscall.Read(c.fd, buf)
		if n > 0 {
			c.dispatch(buf[0])
			continue
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			time.Sleep(pollInterval)
			continue
		}
		if err != nil {
			return nil
		}
		// A zero-byte read with no error is end of file: stdin was closed.
		return nil
	}
}

// Stop ends the read loop and restores stdin to its original mode. Safe to
// call more than once and safe to call before Run has returned.
func (c *Console) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
	})
	<-c.done

	if c.nonblockSet {
		_ = syscall.SetNonblock(c.fd, false)
		c.nonblockSet = false
	}
	if c.oldTermState != nil {
		_ = term.Restore(c.fd, c.oldTermState)
		c.oldTermState = nil
	}
}

func (c *Console) dispatch(b byte) {
	switch b {
	case 'h', 'H':
		c.state.RLock()
		halt := !c.w.HaltOutputSync
		c.state.RUnlock()
		c.api.Halt(halt)
		fmt.Fprintf(c.out, "\r\nhalt output sync: %v\r\n", halt)
	case 's', 'S':
		c.printStatus()
	case 'q', 'Q':
		c.stopped.Do(func() {
			close(c.stopCh)
		})
	case 3: // Ctrl-C
		c.stopped.Do(func() {
			close(c.stopCh)
		})
	}
}

func (c *Console) printStatus() {
	c.state.RLock()
	halt := c.w.HaltOutputSync
	wheelSpeed := c.w.Wheel.Speed
	activeKeys := c.w.Keys.ActiveCount
	numOutputs := len(c.w.Outputs)
	c.state.RUnlock()

	fmt.Fprintf(c.out, "\r\nhalt=%v wheel_speed=%d active_keys=%d outputs=%d\r\n",
		halt, wheelSpeed, activeKeys, numOutputs)
}
