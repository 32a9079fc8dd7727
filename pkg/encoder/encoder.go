// Package encoder tracks the spindle quadrature encoder: a continuously
// advancing position (unbounded; GlobalPosition gives it modulo one
// revolution), a backlash-compensated
// position used by synchronous motion modes, and a rolling RPM estimate.
package encoder

import (
	"sync"
	"time"

	"github.com/nanoels/els-core/pkg/hal"
)

// Config holds the construction parameters for a Tracker.
type Config struct {
	PulsesPerRev int   // quadrature counts per spindle revolution
	BacklashDu   int64 // mechanical backlash of the encoder coupling, in encoder counts

	SpinningTimeoutMs int // IsSpinning() window, default 100ms if zero
}

// Tracker converts quadrature pulses from the spindle into position and RPM.
type Tracker struct {
	mu sync.Mutex

	counter hal.QuadratureCounter

	pulsesPerRev int
	backlash     int64
	spinTimeout  time.Duration

	position       int64 // signed, accumulates without wraparound
	positionAvg    int64 // backlash-compensated
	positionGlobal int64 // normalized to [0, pulsesPerRev), never reset

	syncOffset int

	bulkStart time.Time
	bulkCount int
	rpm       int

	lastPulseTime time.Time

	now func() time.Time // overridable for tests
}

// New constructs a Tracker reading from counter.
func New(cfg Config, counter hal.QuadratureCounter) *Tracker {
	timeout := time.Duration(cfg.SpinningTimeoutMs) * time.Millisecond
	if cfg.SpinningTimeoutMs == 0 {
		timeout = 100 * time.Millisecond
	}
	now := time.Now()
	return &Tracker{
		counter:       counter,
		pulsesPerRev:  cfg.PulsesPerRev,
		backlash:      cfg.BacklashDu,
		spinTimeout:   timeout,
		bulkStart:     now,
		lastPulseTime: now,
		now:           time.Now,
	}
}

// Update reads the hardware counter, advances position/RPM/backlash state.
// Must be called frequently from the motion tick.
func (t *Tracker) Update() error {
	delta, err := t.counter.ReadAndMaybeClear()
	if err != nil {
		return err
	}
	if delta == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.processPulses(int64(delta))
	return nil
}

// processPulses applies one hardware-counter delta to position, RPM window
// and backlash compensation. Caller holds t.mu.
func (t *Tracker) processPulses(delta int64) {
	now := t.now()

	if t.pulsesPerRev > 0 {
		if t.bulkCount >= t.pulsesPerRev {
			elapsed := now.Sub(t.bulkStart)
			if elapsed > 0 {
				t.rpm = int(60_000_000 / elapsed.Microseconds())
			}
			t.bulkStart = now
			t.bulkCount = 0
		}
		n := delta
		if n < 0 {
			n = -n
		}
		t.bulkCount += int(n)
	}

	t.position += delta

	if t.pulsesPerRev > 0 {
		t.positionGlobal = (t.positionGlobal + delta) % int64(t.pulsesPerRev)
		if t.positionGlobal < 0 {
			t.positionGlobal += int64(t.pulsesPerRev)
		}
	}

	if t.position > t.positionAvg {
		t.positionAvg = t.position
	} else if t.position < t.positionAvg-t.backlash {
		t.positionAvg = t.position + t.backlash
	}

	t.lastPulseTime = now
}

// Position returns the raw accumulated pulse count.
func (t *Tracker) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

// AveragePosition returns the backlash-compensated position.
func (t *Tracker) AveragePosition() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positionAvg
}

// GlobalPosition returns the never-reset position, normalized to one
// revolution.
func (t *Tracker) GlobalPosition() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positionGlobal
}

// RPM returns the most recently computed rolling RPM estimate.
func (t *Tracker) RPM() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rpm
}

// ResetPosition zeros position, the backlash-compensated position and the
// sync offset. Used when a new zero point is established.
func (t *Tracker) ResetPosition() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.position = 0
	t.positionAvg = 0
	t.syncOffset = 0
}

// SetSyncOffset records the offset used to resynchronize a stopped axis
// with the spinning spindle when it leaves a soft stop.
func (t *Tracker) SetSyncOffset(offset int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncOffset = offset
}

// SyncOffset returns the current synchronization offset.
func (t *Tracker) SyncOffset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncOffset
}

// IsSpinning reports whether a pulse has been seen within the configured
// spinning timeout.
func (t *Tracker) IsSpinning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Sub(t.lastPulseTime) < t.spinTimeout
}

// Close releases the underlying hardware counter.
func (t *Tracker) Close() error {
	return t.counter.Close()
}
