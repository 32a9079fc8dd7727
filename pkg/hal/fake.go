package hal

import "sync"

// FakeLine is an in-memory GPIOLine for tests: it records every level a
// caller drives and lets the test read the current and historical values
// back without touching real hardware.
type FakeLine struct {
	mu      sync.Mutex
	level   int
	history []int
	closed  bool
}

// NewFakeLine returns a FakeLine, starting low.
func NewFakeLine() *FakeLine {
	return &FakeLine{}
}

func (f *FakeLine) Set(v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v != 0 {
		v = 1
	}
	f.level = v
	f.history = append(f.history, v)
	return nil
}

func (f *FakeLine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Level returns the most recently set value.
func (f *FakeLine) Level() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

// Pulses counts how many times the line transitioned from 0 to 1, i.e. how
// many step pulses a test saw go out.
func (f *FakeLine) Pulses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	prev := 0
	for _, v := range f.history {
		if prev == 0 && v == 1 {
			n++
		}
		prev = v
	}
	return n
}

// Closed reports whether Close has been called.
func (f *FakeLine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FakeCounter is an in-memory QuadratureCounter: a test drives the spindle
// by calling AddPulses directly, bypassing any real decode logic, so axis
// and motion tests can simulate spindle rotation without real GPIO.
type FakeCounter struct {
	mu     sync.Mutex
	total  int64
	cursor int64 // last value returned to the caller's running total
	limit  int64
	closed bool
}

// NewFakeCounter returns a FakeCounter with the given saturation limit.
// A limit of 0 disables saturation (the counter never clears itself).
func NewFakeCounter(limit int64) *FakeCounter {
	return &FakeCounter{limit: limit}
}

// AddPulses simulates the spindle turning by delta encoder pulses (signed:
// negative for reverse rotation).
func (f *FakeCounter) AddPulses(delta int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total += int64(delta)
}

func (f *FakeCounter) ReadAndMaybeClear() (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delta := f.total - f.cursor
	f.cursor = f.total
	if f.limit > 0 && (f.total >= f.limit || f.total <= -f.limit) {
		f.total = 0
		f.cursor = 0
	}
	return int32(delta), nil
}

func (f *FakeCounter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (f *FakeCounter) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
