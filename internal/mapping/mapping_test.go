package mapping

import "testing"

func mustMap(t *testing.T, points ...Point) Map {
	t.Helper()
	m, err := NewMap(points...)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	return m
}

func TestValueClampsOutOfRange(t *testing.T) {
	m := mustMap(t, Point{0, 0}, Point{100, 200})

	if got := Value(-10, &m); got != 0 {
		t.Errorf("Value(-10) = %d, want 0", got)
	}
	if got := Value(1000, &m); got != 200 {
		t.Errorf("Value(1000) = %d, want 200", got)
	}
}

func TestValueMonotonic(t *testing.T) {
	m := mustMap(t, Point{0, 0}, Point{430, 35}, Point{900, 60}, Point{1400, 75}, Point{2000, 87}, Point{5000, 127})

	prev := Value(0, &m)
	for x := 1; x <= 5000; x += 7 {
		got := Value(x, &m)
		if got < prev {
			t.Fatalf("Value not monotonic at x=%d: got %d after %d", x, got, prev)
		}
		prev = got
	}
}

func TestValueDownscaleRoundsDown(t *testing.T) {
	// Input range wider than output range: 0..127 (MG_PRESSURE_MAX-ish) -> 0..63
	m := mustMap(t, Point{0, 0}, Point{127, 63})

	// (1-0)*(63-0+1)/(127-0+1) + 0 = 64/128 = 0
	if got := Value(1, &m); got != 0 {
		t.Errorf("Value(1) = %d, want 0", got)
	}
}

func TestValueUpscaleExactProportion(t *testing.T) {
	// Output range wider than input range: 0..4 -> 0..127
	m := mustMap(t, Point{0, 0}, Point{4, 127})

	// (1-0)*(127-0)/(4-0) + 0 = 127/4 = 31
	if got := Value(1, &m); got != 31 {
		t.Errorf("Value(1) = %d, want 31", got)
	}
}

func TestSmoothUnchangedWhenEqual(t *testing.T) {
	if got := Smooth(42, 42, 0.9); got != 42 {
		t.Errorf("Smooth(42,42,.9) = %d, want 42", got)
	}
}

func TestSmoothRisingBias(t *testing.T) {
	// val=100, prev=0, factor=0.75 -> add = 0.25*100 = 25, bias=+1 => 26
	if got := Smooth(100, 0, 0.75); got != 26 {
		t.Errorf("Smooth(100,0,.75) = %d, want 26", got)
	}
}

func TestSmoothFallingNoBias(t *testing.T) {
	// val=0, prev=100, factor=0.75 -> add = 0.25*(-100) = -25, bias=0 => 75
	if got := Smooth(0, 100, 0.75); got != 75 {
		t.Errorf("Smooth(0,100,.75) = %d, want 75", got)
	}
}

func TestSmoothFallingFractionalStep(t *testing.T) {
	// A falling delta smaller than one full unit must still move: the sum
	// is truncated as a whole, not the delta on its own.
	// val=0, prev=1, factor=0.8 -> 1 + 0.2*(-1) = 0.8 => 0
	if got := Smooth(0, 1, 0.8); got != 0 {
		t.Errorf("Smooth(0,1,.8) = %d, want 0", got)
	}
}

func TestSmoothConvergesFalling(t *testing.T) {
	// Iterating from a small positive value must reach the target exactly,
	// the way a decelerating wheel's smoothed speed must reach 0.
	p := 4
	for i := 0; i < 10; i++ {
		p = Smooth(0, p, 0.8)
		if p == 0 {
			return
		}
	}
	t.Fatalf("Smooth(0, ., 0.8) stuck at %d after 10 iterations", p)
}

func TestNewMapRejectsEmpty(t *testing.T) {
	if _, err := NewMap(); err == nil {
		t.Fatal("NewMap() with no points should error")
	}
}

func TestNewMapRejectsTooMany(t *testing.T) {
	pts := make([]Point, MaxRanges+1)
	if _, err := NewMap(pts...); err == nil {
		t.Fatal("NewMap() with too many points should error")
	}
}
