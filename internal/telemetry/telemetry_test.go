package telemetry

import (
	"testing"

	"github.com/midigurdy/mg-core/internal/sensors"
)

func TestRecordWheelBatchesUntilReport(t *testing.T) {
	s := New(nil)

	s.RecordWheel(100, 50, 10, 5)
	s.RecordWheel(200, 60, 20, 10)

	s.wheelMu.Lock()
	n := len(s.wheelBatch)
	s.wheelMu.Unlock()

	if n != 16 {
		t.Fatalf("pending wheel batch length = %d, want 16 (two 8-byte records)", n)
	}

	s.ReportWheel() // no clients connected, but should still drain the batch

	s.wheelMu.Lock()
	n = len(s.wheelBatch)
	s.wheelMu.Unlock()
	if n != 0 {
		t.Errorf("batch should be empty after ReportWheel, got %d bytes", n)
	}
}

func TestRecordWheelCapsAtMaxPackets(t *testing.T) {
	s := New(nil)
	for i := 0; i < wheelMaxPackets+10; i++ {
		s.RecordWheel(i, i, i, i)
	}

	s.wheelMu.Lock()
	n := len(s.wheelBatch) / 8
	s.wheelMu.Unlock()

	if n != wheelMaxPackets {
		t.Errorf("batch record count = %d, want capped at %d", n, wheelMaxPackets)
	}
}

func TestReportKeysDecimated(t *testing.T) {
	s := New(nil)
	var kb sensors.Keyboard
	kb.Keys[0].RawPressure = 50

	for i := 0; i < keyReportDecimation-1; i++ {
		s.ReportKeys(&kb)
		if s.keyReportCalls == 0 {
			t.Fatalf("ReportKeys fired before reaching the decimation interval (call %d)", i)
		}
	}

	s.ReportKeys(&kb)
	if s.keyReportCalls != 0 {
		t.Errorf("keyReportCalls should reset to 0 on the decimated call, got %d", s.keyReportCalls)
	}
}

func TestHasKeyClientsFalseInitially(t *testing.T) {
	s := New(nil)
	if s.HasKeyClients() {
		t.Error("HasKeyClients should be false with no connections")
	}
}
