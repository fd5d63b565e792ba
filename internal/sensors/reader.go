package sensors

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Default Linux evdev device paths for the keyboard and wheel sensor
// drivers. Overridable with the daemon's -keys-device and -wheel-device
// flags for testing or alternate hardware.
const (
	DefaultKeysDevice  = "/dev/input/mg_keys"
	DefaultWheelDevice = "/dev/input/mg_wheel"
)

// inputEvent mirrors struct input_event from linux/input.h on a 64-bit
// system: two timeval fields (8 bytes each on most modern kernels), then
// type/code/value.
type inputEvent struct {
	_     [16]byte // timeval: tv_sec, tv_usec
	Type  uint16
	Code  uint16
	Value int32
}

const inputEventSize = 24

// distUnset marks that no distance reading has arrived yet this batch,
// mirroring the original driver's sentinel of an implausible distance.
const distUnset = -99999

// Reader polls the keyboard and wheel evdev devices in non-blocking mode
// and applies readings to a Keyboard and Wheel. Devices are opened
// O_NONBLOCK; Poll drains whatever is currently pending and returns
// without blocking when none is.
type Reader struct {
	keysFD  int
	wheelFD int

	pendingDist int
	pendingUS   int

	// Read buffer, reused across ticks: the worker loop must not allocate
	// once it is running.
	buf [inputEventSize * 10]byte
}

// Open opens the keyboard and wheel input devices in non-blocking mode.
// Callers must call Close when done, even if Open returns an error, to
// release any device that was successfully opened.
func Open(keysDevice, wheelDevice string) (*Reader, error) {
	r := &Reader{keysFD: -1, wheelFD: -1, pendingDist: distUnset}

	fd, err := unix.Open(keysDevice, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return r, fmt.Errorf("sensors: open keys device %s: %w", keysDevice, err)
	}
	r.keysFD = fd

	fd, err = unix.Open(wheelDevice, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return r, fmt.Errorf("sensors: open wheel device %s: %w", wheelDevice, err)
	}
	r.wheelFD = fd

	return r, nil
}

// Close releases both device handles. Safe to call on a partially-opened
// Reader, and safe to call more than once.
func (r *Reader) Close() error {
	var err error
	if r.keysFD >= 0 {
		if e := unix.Close(r.keysFD); e != nil {
			err = e
		}
		r.keysFD = -1
	}
	if r.wheelFD >= 0 {
		if e := unix.Close(r.wheelFD); e != nil {
			err = e
		}
		r.wheelFD = -1
	}
	return err
}

// Poll drains all currently pending events from both devices, applying key
// pressure readings to kb and wheel position/distance/time readings to w.
// It never blocks: a device with nothing queued returns immediately via
// EAGAIN, which Poll treats as "done for this device", not an error.
func (r *Reader) Poll(kb *Keyboard, calib *[KeyCount]Calibration, w *Wheel) error {
	if err := r.pollKeys(kb, calib); err != nil {
		return fmt.Errorf("sensors: reading keys: %w", err)
	}
	if err := r.pollWheel(w); err != nil {
		return fmt.Errorf("sensors: reading wheel: %w", err)
	}
	return nil
}

func (r *Reader) pollKeys(kb *Keyboard, calib *[KeyCount]Calibration) error {
	buf := r.buf[:]
	for {
		n, err := unix.Read(r.keysFD, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		if n <= 0 {
			return nil
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			ev := decodeEvent(buf[off : off+inputEventSize])
			// Absolute axis events (EV_ABS=3) carry per-key pressure; the
			// axis code is the key index.
			if ev.Type != 3 || int(ev.Code) >= KeyCount {
				continue
			}
			kb.RecordPressure(int(ev.Code), int(ev.Value), calib[ev.Code])
		}
	}
}

func (r *Reader) pollWheel(w *Wheel) error {
	buf := r.buf[:]
	var distance, totalUS int

	for {
		n, err := unix.Read(r.wheelFD, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return err
		}
		if n <= 0 {
			break
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			ev := decodeEvent(buf[off : off+inputEventSize])
			switch {
			case ev.Type == 3 && ev.Code == 0: // position
				w.Position = 16383 - int(ev.Value)
			case ev.Type == 3 && ev.Code == 1: // distance since last update
				r.pendingDist = int(ev.Value)
			case ev.Type == 4 && ev.Code == 1: // elapsed microseconds
				r.pendingUS = int(ev.Value)
			case ev.Type == 0 && ev.Code == 0 && ev.Value == 0: // sync
				if r.pendingDist != distUnset {
					w.LastDistance = r.pendingDist
					distance += r.pendingDist
					totalUS += r.pendingUS
					r.pendingUS = 0
					r.pendingDist = distUnset
				}
			case ev.Type == 3 && ev.Code == 2: // gain (diagnostic)
				w.Gain = int(ev.Value)
			}
		}
	}

	if totalUS > 0 {
		w.Distance = distance
		w.ElapsedUS = totalUS
	}

	return nil
}

func decodeEvent(b []byte) inputEvent {
	return inputEvent{
		Type:  binary.LittleEndian.Uint16(b[16:18]),
		Code:  binary.LittleEndian.Uint16(b[18:20]),
		Value: int32(binary.LittleEndian.Uint32(b[20:24])),
	}
}
