package encoder

import (
	"testing"
	"time"

	"github.com/nanoels/els-core/pkg/hal"
)

// fakeClock lets tests advance Tracker's notion of "now" deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(pulsesPerRev int, backlash int64) (*Tracker, *hal.FakeCounter, *fakeClock) {
	counter := hal.NewFakeCounter(0)
	tr := New(Config{PulsesPerRev: pulsesPerRev, BacklashDu: backlash}, counter)
	clk := &fakeClock{t: time.Now()}
	tr.now = clk.now
	tr.bulkStart = clk.t
	tr.lastPulseTime = clk.t
	return tr, counter, clk
}

func TestPositionAdvancesForward(t *testing.T) {
	tr, counter, _ := newTestTracker(1000, 20)
	counter.AddPulses(50)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.Position() != 50 {
		t.Errorf("Position() = %d, want 50", tr.Position())
	}
	if tr.AveragePosition() != 50 {
		t.Errorf("AveragePosition() = %d, want 50 (no lag moving forward)", tr.AveragePosition())
	}
}

func TestBacklashCompensationLagsOnReversal(t *testing.T) {
	tr, counter, _ := newTestTracker(1000, 20)

	counter.AddPulses(100)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.AveragePosition() != 100 {
		t.Fatalf("AveragePosition() = %d, want 100", tr.AveragePosition())
	}

	// Reverse by 5: within the backlash window, position_avg doesn't move.
	counter.AddPulses(-5)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.Position() != 95 {
		t.Fatalf("Position() = %d, want 95", tr.Position())
	}
	if tr.AveragePosition() != 100 {
		t.Errorf("AveragePosition() = %d, want 100 (within backlash window)", tr.AveragePosition())
	}

	// Reverse further, past the backlash window.
	counter.AddPulses(-30)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.Position() != 65 {
		t.Fatalf("Position() = %d, want 65", tr.Position())
	}
	if tr.AveragePosition() != 85 {
		t.Errorf("AveragePosition() = %d, want 85 (65 + backlash 20)", tr.AveragePosition())
	}
}

func TestGlobalPositionWrapsNonNegative(t *testing.T) {
	tr, counter, _ := newTestTracker(100, 0)

	counter.AddPulses(250)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := tr.GlobalPosition(); got != 50 {
		t.Errorf("GlobalPosition() = %d, want 50", got)
	}

	counter.AddPulses(-120)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := tr.GlobalPosition(); got != 30 {
		t.Errorf("GlobalPosition() = %d, want 30", got)
	}
}

func TestRPMComputedAfterWindowFills(t *testing.T) {
	tr, counter, clk := newTestTracker(100, 0)

	counter.AddPulses(100)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.RPM() != 0 {
		t.Fatalf("RPM before window closes = %d, want 0", tr.RPM())
	}

	// Next pulse starts a new window and finalizes the RPM computation for
	// the previous one: simulate 100ms elapsed for exactly 100 pulses.
	clk.advance(100 * time.Millisecond)
	counter.AddPulses(100)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// 60e6 / 100000us = 600
	if tr.RPM() != 600 {
		t.Errorf("RPM() = %d, want 600", tr.RPM())
	}
}

func TestResetPositionZeroesSyncOffset(t *testing.T) {
	tr, counter, _ := newTestTracker(1000, 10)
	counter.AddPulses(40)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	tr.SetSyncOffset(7)

	tr.ResetPosition()

	if tr.Position() != 0 || tr.AveragePosition() != 0 {
		t.Errorf("ResetPosition did not zero position: pos=%d avg=%d", tr.Position(), tr.AveragePosition())
	}
	if tr.SyncOffset() != 0 {
		t.Errorf("SyncOffset() = %d, want 0 after reset", tr.SyncOffset())
	}
}

func TestIsSpinning(t *testing.T) {
	tr, counter, clk := newTestTracker(1000, 0)
	tr.spinTimeout = 100 * time.Millisecond

	counter.AddPulses(1)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !tr.IsSpinning() {
		t.Error("expected spinning right after a pulse")
	}

	clk.advance(200 * time.Millisecond)
	if tr.IsSpinning() {
		t.Error("expected not spinning after timeout elapses with no pulses")
	}
}

func TestUpdateWithZeroDeltaIsNoop(t *testing.T) {
	tr, _, _ := newTestTracker(1000, 0)
	if err := tr.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.Position() != 0 {
		t.Errorf("Position() = %d, want 0", tr.Position())
	}
}

func TestCloseClosesCounter(t *testing.T) {
	tr, counter, _ := newTestTracker(1000, 0)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !counter.Closed() {
		t.Error("expected underlying counter to be closed")
	}
}
