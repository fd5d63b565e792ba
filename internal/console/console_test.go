package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/midigurdy/mg-core/internal/control"
	"github.com/midigurdy/mg-core/internal/mgstate"
	"github.com/midigurdy/mg-core/internal/worker"
)

func newTestConsole(t *testing.T) (*Console, *bytes.Buffer, *worker.Worker) {
	t.Helper()
	s := mgstate.New()
	w := worker.New(s, nil, nil)
	a := control.New(s, w)
	c := New(a, s, w, nil)
	var buf bytes.Buffer
	c.out = &buf
	return c, &buf, w
}

func TestDispatchHaltTogglesWorker(t *testing.T) {
	c, buf, w := newTestConsole(t)

	c.dispatch('h')
	if !w.HaltOutputSync {
		t.Fatal("'h' should set HaltOutputSync")
	}
	if !strings.Contains(buf.String(), "halt output sync: true") {
		t.Errorf("expected halt confirmation in output, got %q", buf.String())
	}

	buf.Reset()
	c.dispatch('h')
	if w.HaltOutputSync {
		t.Fatal("second 'h' should clear HaltOutputSync")
	}
}

func TestDispatchStatusPrintsSnapshot(t *testing.T) {
	c, buf, _ := newTestConsole(t)

	c.dispatch('s')
	if !strings.Contains(buf.String(), "halt=") {
		t.Errorf("expected status snapshot in output, got %q", buf.String())
	}
}

func TestDispatchQuitClosesStopChannel(t *testing.T) {
	c, _, _ := newTestConsole(t)

	c.dispatch('q')
	select {
	case <-c.stopCh:
	default:
		t.Fatal("'q' should close stopCh")
	}

	// Dispatching another quit (or Stop) must not panic on a
	// double-close.
	c.dispatch('q')
}
