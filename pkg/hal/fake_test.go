package hal

import "testing"

func TestFakeLinePulses(t *testing.T) {
	l := NewFakeLine()
	seq := []int{0, 1, 0, 1, 1, 0, 1}
	for _, v := range seq {
		if err := l.Set(v); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if got := l.Pulses(); got != 3 {
		t.Errorf("Pulses() = %d, want 3", got)
	}
	if got := l.Level(); got != 1 {
		t.Errorf("Level() = %d, want 1", got)
	}
}

func TestFakeLineClose(t *testing.T) {
	l := NewFakeLine()
	if l.Closed() {
		t.Fatal("should not be closed yet")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !l.Closed() {
		t.Error("should be closed")
	}
}

func TestFakeCounterReadAndMaybeClear(t *testing.T) {
	c := NewFakeCounter(0)
	c.AddPulses(100)
	c.AddPulses(-20)

	delta, err := c.ReadAndMaybeClear()
	if err != nil {
		t.Fatalf("ReadAndMaybeClear: %v", err)
	}
	if delta != 80 {
		t.Errorf("delta = %d, want 80", delta)
	}

	delta, err = c.ReadAndMaybeClear()
	if err != nil {
		t.Fatalf("ReadAndMaybeClear: %v", err)
	}
	if delta != 0 {
		t.Errorf("second read delta = %d, want 0", delta)
	}
}

func TestFakeCounterSaturationClears(t *testing.T) {
	c := NewFakeCounter(1000)
	c.AddPulses(1000)

	delta, err := c.ReadAndMaybeClear()
	if err != nil {
		t.Fatalf("ReadAndMaybeClear: %v", err)
	}
	if delta != 1000 {
		t.Errorf("delta = %d, want 1000", delta)
	}

	c.AddPulses(5)
	delta, err = c.ReadAndMaybeClear()
	if err != nil {
		t.Fatalf("ReadAndMaybeClear: %v", err)
	}
	if delta != 5 {
		t.Errorf("delta after saturation clear = %d, want 5", delta)
	}
}

func TestFakeCounterClose(t *testing.T) {
	c := NewFakeCounter(0)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !c.Closed() {
		t.Error("should be closed")
	}
}
