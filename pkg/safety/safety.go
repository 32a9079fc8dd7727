// Package safety implements the emergency-stop latch: a one-shot state
// that de-energizes every registered axis and rejects motion commands
// until an external caller acknowledges the specific reason it tripped.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the safety manager's own state, distinct from MotionCoordinator's
// enabled flag: the coordinator can be re-enabled any number of times while
// the machine is healthy, but once State is StateLatched only Recover can
// clear it.
type State int

const (
	StateRunning State = iota
	StateLatched
)

func (s State) String() string {
	if s == StateLatched {
		return "latched"
	}
	return "running"
}

// Reason enumerates every trigger that can latch an emergency stop.
// Recovery must name the same Reason the latch tripped with, not just any
// reason, so an operator can't silently wave away a different fault than
// the one they actually checked.
type Reason string

const (
	ReasonNone                       Reason = ""
	ReasonKeyStuckAtBoot             Reason = "key_stuck_at_boot"
	ReasonPositionOutOfEnvelope      Reason = "position_out_of_envelope"
	ReasonOriginSetFailure           Reason = "origin_set_failure"
	ReasonOnOffInconsistency         Reason = "on_off_inconsistency"
	ReasonOffPressedDuringManualMove Reason = "off_pressed_during_manual_motion"
	ReasonExternalRequest            Reason = "external_request"
)

// ErrLatched is wrapped into CheckOperational's error when the latch is tripped.
var ErrLatched = errors.New("safety: emergency stop latched")

// MotorDisabler is something the latch must de-energize when it trips. An
// axis satisfies this via SetEnabled(false); MotionCoordinator can satisfy
// it directly by disabling every axis it drives.
type MotorDisabler interface {
	DisableMotors() error
}

// SetEnabler is the subset of AxisEngine's surface needed to de-energize it.
type SetEnabler interface {
	SetEnabled(enable bool) error
}

// axisMotorDisabler adapts a SetEnabler (an axis) to MotorDisabler.
type axisMotorDisabler struct{ e SetEnabler }

func (a axisMotorDisabler) DisableMotors() error { return a.e.SetEnabled(false) }

// WrapAxis adapts an axis so it can be RegisterMotor'd directly.
func WrapAxis(e SetEnabler) MotorDisabler { return axisMotorDisabler{e} }

// Manager owns the emergency-stop latch and the set of components it must
// de-energize when tripped.
type Manager struct {
	mu sync.RWMutex

	state  State
	reason Reason
	msg    string
	at     time.Time

	motors []MotorDisabler

	onTrip []func(reason Reason, msg string)
}

// New returns a Manager in the running state.
func New() *Manager {
	return &Manager{state: StateRunning}
}

// RegisterMotor adds a component the latch disables when it trips.
func (m *Manager) RegisterMotor(d MotorDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motors = append(m.motors, d)
}

// OnTrip registers a callback invoked (outside the lock) whenever the latch
// trips, e.g. for the display task to show the reason.
func (m *Manager) OnTrip(fn func(reason Reason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrip = append(m.onTrip, fn)
}

// State reports the current latch state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsLatched reports whether the emergency stop is currently tripped.
func (m *Manager) IsLatched() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateLatched
}

// Info returns the latched reason, message and trip time. Zero values when
// not latched.
func (m *Manager) Info() (Reason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason, m.msg, m.at
}

// CheckOperational returns ErrLatched (wrapped with the reason) if the
// latch is tripped, nil otherwise. External callers use this to gate any
// command that would move an axis.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateLatched {
		return fmt.Errorf("%w: %s - %s", ErrLatched, m.reason, m.msg)
	}
	return nil
}

// Trigger trips the latch for the given reason, de-energizing every
// registered motor. Idempotent: tripping an already-latched manager keeps
// the original reason rather than overwriting it, since the first fault is
// the one that needs acknowledging.
func (m *Manager) Trigger(reason Reason, msg string) error {
	m.mu.Lock()
	if m.state == StateLatched {
		m.mu.Unlock()
		return nil
	}
	m.state = StateLatched
	m.reason = reason
	m.msg = msg
	m.at = time.Now()

	motors := make([]MotorDisabler, len(m.motors))
	copy(motors, m.motors)
	callbacks := make([]func(Reason, string), len(m.onTrip))
	copy(callbacks, m.onTrip)
	m.mu.Unlock()

	var firstErr error
	for _, d := range motors {
		if err := d.DisableMotors(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, fn := range callbacks {
		fn(reason, msg)
	}
	return firstErr
}

// Recover clears the latch, but only if ack names the reason it actually
// tripped with, matching the reason an operator must acknowledge before
// recovery is allowed.
func (m *Manager) Recover(ack Reason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateLatched {
		return nil
	}
	if ack != m.reason {
		return fmt.Errorf("safety: recover acknowledged %q but latch reason is %q", ack, m.reason)
	}
	m.state = StateRunning
	m.reason = ReasonNone
	m.msg = ""
	m.at = time.Time{}
	return nil
}

// Status is the reporting-friendly snapshot of the latch for the status feed.
type Status struct {
	State  string
	Reason string
	Msg    string
	At     time.Time
}

// GetStatus returns the current latch status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:  m.state.String(),
		Reason: string(m.reason),
		Msg:    m.msg,
		At:     m.at,
	}
}
