// Package axis drives a single lead-screw axis: converts a target position
// into correctly-timed step pulses with trapezoidal acceleration, backlash
// compensation, soft-limit enforcement and reference-counted driver enable.
package axis

import (
	"math"
	"time"

	"github.com/nanoels/els-core/pkg/config"
	"github.com/nanoels/els-core/pkg/hal"
	"github.com/nanoels/els-core/pkg/mcerr"
)

// directionSetupDelay is the settle time held after changing the dir line
// and before the first step pulse, matching common stepper driver tSU
// specs. Not present in the retrievable machine source; chosen as a
// conservative default and not yet confirmed against hardware.
const directionSetupDelay = 5 * time.Microsecond

// stepperEnableDelay is how long Engine waits after asserting the enable
// line before emitting pulses, giving the driver time to initialize.
const stepperEnableDelay = 5 * time.Millisecond

// chanMutex is a channel-backed mutex supporting a bounded-wait acquire:
// sync.Mutex has no timeout, but MoveTo rejects with Busy rather than
// block the caller past cfg.MutexTimeoutMs, and Tick never waits for the
// lock at all. SetOrigin and the other setters and getters use the plain
// blocking Lock, with no timeout.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

// Lock blocks until acquired.
func (m chanMutex) Lock() { <-m }

// TryLock acquires immediately or reports failure without waiting.
func (m chanMutex) TryLock() bool {
	select {
	case <-m:
		return true
	default:
		return false
	}
}

// TryLockTimeout acquires within d or reports failure.
func (m chanMutex) TryLockTimeout(d time.Duration) bool {
	select {
	case <-m:
		return true
	case <-time.After(d):
		return false
	}
}

func (m chanMutex) Unlock() { m <- struct{}{} }

// Engine drives one axis's step/dir/enable lines.
type Engine struct {
	mu chanMutex

	cfg *config.AxisConfig

	stepLine, dirLine, enableLine hal.GPIOLine

	pos          int64 // tool-frame position relative to the operator origin
	originOffset int64 // cumulative offset from absolute zero
	motorPos     int64 // driver-frame position, including backlash take-up
	posGlobal    int64 // never-reset diagnostic counter
	pending      int64 // signed remaining steps to the latest target

	leftStop  *int64
	rightStop *int64

	speed        float64
	speedMax     float64
	acceleration float64

	decelerateSteps int64

	direction            bool
	directionInitialized bool
	lastStepTime         time.Time

	enableCounter  int
	disabledByUser bool
	movingManually bool
	continuous     bool

	estopSteps    int64
	backlashSteps int64

	now func() time.Time
}

// New constructs an Engine from cfg, driving step/dir/enable.
func New(cfg *config.AxisConfig, stepLine, dirLine, enableLine hal.GPIOLine) *Engine {
	estop := int64(math.Round(cfg.MaxTravelMm * 10000 / float64(cfg.ScrewPitchDu) * float64(cfg.MotorStepsPerRev)))
	backlash := int64(math.Round(float64(cfg.BacklashDu) * float64(cfg.MotorStepsPerRev) / float64(cfg.ScrewPitchDu)))

	e := &Engine{
		mu:            newChanMutex(),
		cfg:           cfg,
		stepLine:      stepLine,
		dirLine:       dirLine,
		enableLine:    enableLine,
		speed:         cfg.StartSpeed,
		speedMax:      math.MaxFloat64,
		acceleration:  cfg.Acceleration,
		estopSteps:    estop,
		backlashSteps: backlash,
		direction:     true,
		now:           time.Now,
	}
	e.decelerateSteps = decelerateStepCount(cfg.StartSpeed, cfg.ManualMaxSpeed, cfg.Acceleration)
	// Drive the enable line to its initial state: asserted for axes that
	// don't need idle-disable, released until the first SetEnabled otherwise.
	_ = e.updateEnablePin()
	return e
}

// decelerateStepCount computes the number of steps required to decelerate
// from manualMaxSpeed to startSpeed under the given acceleration, by
// iterative reduction exactly as the step tick itself ramps speed down.
func decelerateStepCount(startSpeed, manualMaxSpeed, acceleration float64) int64 {
	var n int64
	s := manualMaxSpeed
	for s > startSpeed {
		n++
		s -= acceleration / s
	}
	return n
}

// Name returns the axis's configured name.
func (e *Engine) Name() string { return e.cfg.Name }

// MoveTo sets a new target position in steps. continuous records whether
// the caller expects to keep revising the target (synchronous following)
// or whether this is a final move that should decelerate to rest.
func (e *Engine) MoveTo(target int64, continuous bool) error {
	if !e.mu.TryLockTimeout(time.Duration(e.cfg.MutexTimeoutMs) * time.Millisecond) {
		return mcerr.Busyf("axis " + e.cfg.Name + " move_to").WithAxis(e.cfg.Name)
	}
	defer e.mu.Unlock()

	travel := target - e.pos
	if travel < 0 {
		travel = -travel
	}
	if travel > e.estopSteps {
		return mcerr.TravelExceededf(e.cfg.Name, travel, e.estopSteps)
	}

	e.continuous = continuous

	if target == e.pos {
		e.pending = 0
		return nil
	}

	backlashTerm := int64(0)
	if target <= e.pos {
		backlashTerm = e.backlashSteps
	}
	e.pending = target - e.motorPos - backlashTerm
	return nil
}

// Tick advances the axis by at most one step pulse. Call as often as
// possible from the motion loop.
func (e *Engine) Tick() error {
	if !e.mu.TryLock() {
		// The motion tick never waits on a caller holding the axis mutex
		// (MoveTo/SetOrigin/SetEnabled); it simply tries again next cycle.
		return nil
	}
	defer e.mu.Unlock()

	if e.pending == 0 {
		if e.speed > e.cfg.StartSpeed {
			e.speed--
			if e.speed < e.cfg.StartSpeed {
				e.speed = e.cfg.StartSpeed
			}
		}
		return nil
	}

	now := e.now()
	dtUs := 1_000_000.0 / e.speed
	dt := time.Duration(dtUs * float64(time.Microsecond))
	if now.Sub(e.lastStepTime) < dt-5*time.Microsecond {
		return nil
	}

	forward := e.pending > 0
	if err := e.setDirection(forward); err != nil {
		return err
	}

	if err := e.stepLine.Set(0); err != nil {
		return err
	}

	delta := int64(1)
	if !forward {
		delta = -1
	}
	e.pending -= delta

	if forward && e.motorPos >= e.pos {
		e.pos++
	} else if !forward && e.motorPos <= e.pos-e.backlashSteps {
		e.pos--
	}
	e.motorPos += delta
	e.posGlobal += delta

	accelerating := e.continuous || e.pending >= e.decelerateSteps || e.pending <= -e.decelerateSteps
	if accelerating {
		e.speed += e.acceleration * dtUs / 1_000_000.0
	} else {
		e.speed -= e.acceleration * dtUs / 1_000_000.0
	}
	if e.speed > e.speedMax {
		e.speed = e.speedMax
	} else if e.speed < e.cfg.StartSpeed {
		e.speed = e.cfg.StartSpeed
	}

	e.lastStepTime = now

	if err := e.stepLine.Set(1); err != nil {
		return err
	}
	return nil
}

// setDirection writes the dir line when the direction changes (or has not
// yet been written), resetting speed to start speed per spec: a direction
// change always begins from rest. Caller holds e.mu.
func (e *Engine) setDirection(forward bool) error {
	if e.direction == forward && e.directionInitialized {
		return nil
	}
	e.speed = e.cfg.StartSpeed
	e.direction = forward
	e.directionInitialized = true

	v := 0
	if forward != e.cfg.InvertDirection {
		v = 1
	}
	if err := e.dirLine.Set(v); err != nil {
		return err
	}
	time.Sleep(directionSetupDelay)
	return nil
}

// SetEnabled adjusts the reference-counted driver enable. A no-op for axes
// that don't need idle-disable (the driver stays always-enabled).
func (e *Engine) SetEnabled(enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.NeedsRest || !e.cfg.Active {
		return nil
	}

	if enable {
		e.enableCounter++
		if e.enableCounter == 1 {
			if err := e.updateEnablePin(); err != nil {
				return err
			}
			time.Sleep(stepperEnableDelay)
		}
	} else if e.enableCounter > 0 {
		e.enableCounter--
		if e.enableCounter == 0 {
			return e.updateEnablePin()
		}
	}
	return nil
}

// updateEnablePin drives the enable line from disabledByUser/enableCounter
// state. Caller holds e.mu.
func (e *Engine) updateEnablePin() error {
	assert := !e.disabledByUser && (!e.cfg.NeedsRest || e.enableCounter > 0)
	v := 0
	if assert {
		v = 1
	}
	return e.enableLine.Set(v)
}

// IsEnabled reports whether the driver enable line is currently asserted.
func (e *Engine) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disabledByUser && (!e.cfg.NeedsRest || e.enableCounter > 0)
}

// SetDisabledByUser forces the enable line low regardless of refcount, or
// releases that override.
func (e *Engine) SetDisabledByUser(disabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabledByUser = disabled
	return e.updateEnablePin()
}

// SetLeftStop sets or clears (nil) the left soft limit, in steps.
func (e *Engine) SetLeftStop(stop *int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leftStop = stop
}

// SetRightStop sets or clears (nil) the right soft limit, in steps.
func (e *Engine) SetRightStop(stop *int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rightStop = stop
}

// LeftStop returns the current left soft limit, or nil if unset.
func (e *Engine) LeftStop() *int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leftStop
}

// RightStop returns the current right soft limit, or nil if unset.
func (e *Engine) RightStop() *int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rightStop
}

// SetOrigin makes the current position the new zero, shifting soft stops
// and the driver-frame position along with it.
func (e *Engine) SetOrigin() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.leftStop != nil {
		*e.leftStop -= e.pos
	}
	if e.rightStop != nil {
		*e.rightStop -= e.pos
	}
	e.motorPos -= e.pos
	e.originOffset += e.pos
	e.pos = 0
	e.pending = 0
}

// ResetOrigin sets the absolute-zero offset to the current position
// without shifting the coordinate system pos is expressed in.
func (e *Engine) ResetOrigin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.originOffset = -e.pos
}

// PositionSteps returns the tool-frame position in steps.
func (e *Engine) PositionSteps() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

// PositionDu returns the tool-frame position converted to deci-microns via
// the axis's lead ratio. Meaningless (but still computed) for rotational
// axes, which callers should instead read as steps or degrees.
func (e *Engine) PositionDu() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(math.Round(float64(e.pos) * float64(e.cfg.ScrewPitchDu) / float64(e.cfg.MotorStepsPerRev)))
}

// MotorPos returns the driver-frame position in steps.
func (e *Engine) MotorPos() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.motorPos
}

// OriginOffset returns the cumulative offset from absolute zero.
func (e *Engine) OriginOffset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.originOffset
}

// RestoreOriginOffset installs a persisted origin offset at startup, before
// any motion has occurred. Unlike SetOrigin it does not touch pos, stops or
// motor_pos: at boot those are already zero, and only the bookkeeping value
// used to report an absolute position needs to be recovered.
func (e *Engine) RestoreOriginOffset(offset int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.originOffset = offset
}

// GlobalPosition returns the never-reset diagnostic step counter.
func (e *Engine) GlobalPosition() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.posGlobal
}

// Pending returns the signed remaining steps to the latest target.
func (e *Engine) Pending() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// IsMoving reports whether steps remain pending or a step was emitted
// recently enough that the axis should still be considered in motion.
func (e *Engine) IsMoving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != 0 || e.now().Sub(e.lastStepTime) < 50*time.Millisecond
}

// IsTargetReached reports whether the remaining pending distance is within
// tolerance steps of zero.
func (e *Engine) IsTargetReached(tolerance int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pending
	if p < 0 {
		p = -p
	}
	return p <= tolerance
}

// SetMovingManually records whether an external jog command, rather than
// the coordinator's own synchronous target, is currently driving this axis.
// A synchronous mode must not fight a manual jog in progress.
func (e *Engine) SetMovingManually(manual bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.movingManually = manual
}

// IsMovingManually reports whether SetMovingManually(true) is in effect.
func (e *Engine) IsMovingManually() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.movingManually
}

// SetMaxSpeed overrides the speed cap, e.g. to remove it for synchronous
// modes driven directly by the spindle.
func (e *Engine) SetMaxSpeed(max float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speedMax = max
}

// ResetMaxSpeed restores the configured manual jog speed cap.
func (e *Engine) ResetMaxSpeed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speedMax = e.cfg.ManualMaxSpeed
}

// ReloadConfig re-derives the engine's cached acceleration, backlash and
// deceleration-distance figures after config.AxisConfig.ApplyReload has
// updated cfg in place. Pin assignments and motor geometry are not
// reloadable, so estopSteps is left untouched.
func (e *Engine) ReloadConfig() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acceleration = e.cfg.Acceleration
	e.backlashSteps = int64(math.Round(float64(e.cfg.BacklashDu) * float64(e.cfg.MotorStepsPerRev) / float64(e.cfg.ScrewPitchDu)))
	e.decelerateSteps = decelerateStepCount(e.cfg.StartSpeed, e.cfg.ManualMaxSpeed, e.cfg.Acceleration)
}

// EstopSteps returns the mechanical travel limit, in steps.
func (e *Engine) EstopSteps() int64 { return e.estopSteps }

// BacklashSteps returns the mechanical backlash, in steps.
func (e *Engine) BacklashSteps() int64 { return e.backlashSteps }

// Close releases the underlying GPIO lines.
func (e *Engine) Close() error {
	if err := e.stepLine.Close(); err != nil {
		return err
	}
	if err := e.dirLine.Close(); err != nil {
		return err
	}
	return e.enableLine.Close()
}
