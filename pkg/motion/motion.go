package motion

import (
	"math"
	"time"

	"github.com/nanoels/els-core/pkg/config"
	"github.com/nanoels/els-core/pkg/gcode"
	"github.com/nanoels/els-core/pkg/log"
	"github.com/nanoels/els-core/pkg/mcerr"
	"github.com/nanoels/els-core/pkg/settings"
)

// chanMutex is a channel-backed mutex with a bounded-wait acquire, the same
// idiom pkg/axis uses: the coordinator's tick must never block, while the
// command surface (set_pitch, set_enabled, ...) should reject with Busy
// after a short timeout rather than wait indefinitely for a tick in
// progress.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock() { <-m }

func (m chanMutex) TryLock() bool {
	select {
	case <-m:
		return true
	default:
		return false
	}
}

func (m chanMutex) TryLockTimeout(d time.Duration) bool {
	select {
	case <-m:
		return true
	case <-time.After(d):
		return false
	}
}

func (m chanMutex) Unlock() { m <- struct{}{} }

// binding pairs the interface a Coordinator drives an axis through with the
// concrete geometry (steps/rev, screw pitch) needed to convert a spindle
// position into a target for that specific axis.
type binding struct {
	port AxisPort
	cfg  *config.AxisConfig
}

func (b *binding) stepsPerDu() float64 {
	return float64(b.cfg.MotorStepsPerRev) / float64(b.cfg.ScrewPitchDu)
}

// AxisBinding is the constructor parameter pairing an axis's driving
// interface with its geometry: New's z/x/a1 arguments.
type AxisBinding struct {
	Port AxisPort
	Cfg  *config.AxisConfig
}

// Coordinator selects an operating mode and, each tick, computes every
// active axis's target from the encoder and mode parameters.
type Coordinator struct {
	mu chanMutex

	cfg          *config.CoordinatorConfig
	pulsesPerRev int64

	log *log.Logger

	encoder  EncoderPort
	z, x, a1 *binding // a1 is nil when the A1 axis is absent or inactive
	axes     map[string]*binding

	gcodeSource gcode.Source

	mode                Mode
	enabled             bool
	pitchDu             int64
	starts              int
	coneRatio           float64
	turnPasses          int
	auxDirectionForward bool

	opIndex       int
	opSubIndex    int
	opAdvance     bool
	opStartPitch  int64
	opPitchSign   int
	passDepthDone int64 // cumulative primary-axis infeed within the current pass sequence
}

// New constructs a Coordinator. z and x are required; a1 may be nil if the
// machine has no A1 axis or it is configured inactive.
func New(cfg *config.CoordinatorConfig, pulsesPerRev int, encoder EncoderPort, z, x *AxisBinding, a1 *AxisBinding) *Coordinator {
	c := &Coordinator{
		mu:                  newChanMutex(),
		cfg:                 cfg,
		pulsesPerRev:        int64(pulsesPerRev),
		log:                 log.New("coordinator"),
		encoder:             encoder,
		axes:                make(map[string]*binding),
		starts:              1,
		coneRatio:           1,
		turnPasses:          3,
		auxDirectionForward: true,
	}
	c.z = &binding{port: z.Port, cfg: z.Cfg}
	c.axes["Z"] = c.z
	c.x = &binding{port: x.Port, cfg: x.Cfg}
	c.axes["X"] = c.x
	if a1 != nil {
		c.a1 = &binding{port: a1.Port, cfg: a1.Cfg}
		c.axes["A1"] = c.a1
	}
	return c
}

// SetGCodeSource installs the external move source GCode mode consumes.
func (c *Coordinator) SetGCodeSource(src gcode.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gcodeSource = src
}

// Tick performs one motion-loop pass: encoder update, mode dispatch, axis
// stepping, all under the coordinator mutex. Never blocks; if the mutex is
// held by a command in flight, the tick is skipped entirely and axes
// simply step later.
func (c *Coordinator) Tick() error {
	if !c.mu.TryLock() {
		return nil
	}
	defer c.mu.Unlock()

	if err := c.encoder.Update(); err != nil {
		return err
	}

	if c.enabled && c.pitchDu != 0 && c.encoder.SyncOffset() == 0 {
		switch c.mode {
		case ModeNormal:
			c.dispatchNormal()
		case ModeAsync:
			c.dispatchAsync()
		case ModeCone:
			c.dispatchCone()
		case ModeTurn:
			c.dispatchPassMode(c.x, c.z, true, false)
		case ModeFace:
			c.dispatchPassMode(c.z, c.x, true, false)
		case ModeCut:
			c.dispatchPassMode(c.x, nil, false, false)
		case ModeThread:
			c.dispatchPassMode(c.x, c.z, true, true)
		case ModeEllipse:
			c.dispatchEllipse()
		case ModeGCode:
			c.dispatchGCode()
		case ModeA1:
			c.dispatchA1()
		}
	}

	for _, name := range []string{"Z", "X", "A1"} {
		b := c.axes[name]
		if b == nil {
			continue
		}
		if err := b.port.Tick(); err != nil {
			return err
		}
	}
	return nil
}

// axisTargetFromSpindle converts a spindle encoder position into a target
// for b: scaled by the axis's steps-per-du, the current pitch and starts,
// normalized by one spindle revolution's pulse count.
func (c *Coordinator) axisTargetFromSpindle(b *binding, spindlePos int64) int64 {
	num := float64(spindlePos) * float64(c.pitchDu) * float64(c.starts) * b.stepsPerDu()
	return roundInt64(num / float64(c.pulsesPerRev))
}

// spindlePositionFromAxis is axisTargetFromSpindle's inverse.
func (c *Coordinator) spindlePositionFromAxis(b *binding, axisSteps int64) int64 {
	if c.pitchDu == 0 || c.starts == 0 {
		return 0
	}
	num := float64(axisSteps) * float64(c.pulsesPerRev)
	den := float64(c.pitchDu) * float64(c.starts) * b.stepsPerDu()
	return roundInt64(num / den)
}

// clampToStops clamps target into [rightStop, leftStop] for whichever
// stops are currently set.
func clampToStops(b *binding, target int64) int64 {
	if left := b.port.LeftStop(); left != nil && target > *left {
		target = *left
	}
	if right := b.port.RightStop(); right != nil && target < *right {
		target = *right
	}
	return target
}

func roundInt64(f float64) int64 {
	if f >= 0 {
		return int64(f + 0.5)
	}
	return -int64(-f + 0.5)
}

// ---- Command surface ----

// SetEnabled arms or disarms the coordinator. Enabling establishes a new
// synchronization origin and, for modes with preconditions (Turn, Face,
// Thread, Cut), refuses to arm if they aren't met.
func (c *Coordinator) SetEnabled(enable bool) error {
	if !c.mu.TryLockTimeout(c.mutexTimeout()) {
		return mcerr.Busyf("coordinator set_enabled")
	}
	defer c.mu.Unlock()

	if c.enabled == enable {
		return nil
	}

	if !enable {
		c.enabled = false
		c.opIndex = 0
		return nil
	}

	if err := c.checkPreconditions(); err != nil {
		return err
	}

	if err := c.z.port.SetEnabled(true); err != nil {
		return err
	}
	if err := c.x.port.SetEnabled(true); err != nil {
		return err
	}
	if c.a1 != nil {
		if err := c.a1.port.SetEnabled(true); err != nil {
			return err
		}
	}

	c.setNewOriginLocked()

	c.enabled = true
	c.opPitchSign = signOf(c.pitchDu)
	c.opStartPitch = c.pitchDu
	c.opIndex = 0
	c.opSubIndex = 0
	c.opAdvance = false
	c.passDepthDone = 0
	return nil
}

// checkPreconditions validates the mode-specific requirements before
// arming. Only the pass-sequenced modes (Turn/Face/Thread/Cut) have
// preconditions beyond an active axis existing.
func (c *Coordinator) checkPreconditions() error {
	switch c.mode {
	case ModeTurn, ModeFace, ModeThread:
		if c.z.port.LeftStop() == nil || c.z.port.RightStop() == nil {
			return mcerr.New(mcerr.Preconditions, "both Z stops must be set")
		}
		if c.x.port.LeftStop() == nil || c.x.port.RightStop() == nil {
			return mcerr.New(mcerr.Preconditions, "both X stops must be set")
		}
		if c.pitchDu == 0 {
			return mcerr.New(mcerr.Preconditions, "pitch must be nonzero")
		}
		// A pass sequence paused mid-way (op_index > 0) must resume with the
		// same thread/cut direction it started with; a fresh enable (op_index
		// == 0) has no prior direction to compare against.
		if c.opIndex > 0 && signOf(c.pitchDu) != c.opPitchSign {
			return mcerr.New(mcerr.Preconditions, "pitch sign changed mid-sequence")
		}
		if c.starts < 1 {
			return mcerr.New(mcerr.Preconditions, "starts must be at least 1")
		}
		if c.turnPasses < 1 {
			return mcerr.New(mcerr.Preconditions, "turn_passes must be at least 1")
		}
	case ModeCut:
		if c.x.port.LeftStop() == nil || c.x.port.RightStop() == nil {
			return mcerr.New(mcerr.Preconditions, "both X stops must be set")
		}
		if c.turnPasses < 1 {
			return mcerr.New(mcerr.Preconditions, "turn_passes must be at least 1")
		}
	case ModeA1:
		if c.a1 == nil {
			return mcerr.New(mcerr.Preconditions, "A1 axis is not active")
		}
	}
	return nil
}

func signOf(v int64) int {
	if v < 0 {
		return -1
	}
	return 1
}

// SetMode changes the operating mode, always disabling the coordinator
// first for safety.
func (c *Coordinator) SetMode(mode Mode) error {
	if !c.mu.TryLockTimeout(c.mutexTimeout()) {
		return mcerr.Busyf("coordinator set_mode")
	}
	defer c.mu.Unlock()

	if c.mode == mode {
		return nil
	}
	if c.enabled {
		c.enabled = false
		c.opIndex = 0
	}
	c.mode = mode
	c.opIndex = 0
	return nil
}

// SetPitch validates and installs a new pitch, resetting the
// synchronization origin so the axis doesn't lurch (scenario 3).
func (c *Coordinator) SetPitch(du int64) error {
	if du < -c.cfg.DuprMax || du > c.cfg.DuprMax {
		return mcerr.Newf(mcerr.InvalidParameter, "pitch %d outside +/-%d", du, c.cfg.DuprMax)
	}
	if !c.mu.TryLockTimeout(c.mutexTimeout()) {
		return mcerr.Busyf("coordinator set_pitch")
	}
	defer c.mu.Unlock()
	c.pitchDu = du
	c.setNewOriginLocked()
	return nil
}

// SetStarts validates and installs the thread start count.
func (c *Coordinator) SetStarts(n int) error {
	if n < 1 || n > c.cfg.StartsMax {
		return mcerr.Newf(mcerr.InvalidParameter, "starts %d outside [1,%d]", n, c.cfg.StartsMax)
	}
	if !c.mu.TryLockTimeout(c.mutexTimeout()) {
		return mcerr.Busyf("coordinator set_starts")
	}
	defer c.mu.Unlock()
	c.starts = n
	c.setNewOriginLocked()
	return nil
}

// SetConeRatio installs the Z:X coupling ratio used by Cone mode.
func (c *Coordinator) SetConeRatio(ratio float64) error {
	if !c.mu.TryLockTimeout(c.mutexTimeout()) {
		return mcerr.Busyf("coordinator set_cone_ratio")
	}
	defer c.mu.Unlock()
	c.coneRatio = ratio
	return nil
}

// SetTurnPasses validates and installs the pass count for Turn/Face/Cut/Thread.
func (c *Coordinator) SetTurnPasses(n int) error {
	if n < 1 || n > c.cfg.PassesMax {
		return mcerr.Newf(mcerr.InvalidParameter, "turn_passes %d outside [1,%d]", n, c.cfg.PassesMax)
	}
	if !c.mu.TryLockTimeout(c.mutexTimeout()) {
		return mcerr.Busyf("coordinator set_turn_passes")
	}
	defer c.mu.Unlock()
	c.turnPasses = n
	return nil
}

// SetAuxDirection selects the OD/ID convention for the pass-sequenced modes'
// step-in axis: true steps in from outside the stop, false from inside it.
func (c *Coordinator) SetAuxDirection(forward bool) error {
	if !c.mu.TryLockTimeout(c.mutexTimeout()) {
		return mcerr.Busyf("coordinator set_aux_direction")
	}
	defer c.mu.Unlock()
	c.auxDirectionForward = forward
	return nil
}

// AdvanceOperation requests an early transition to the next pass/substep of
// the active pass-sequenced mode, without waiting for the current one to
// finish on its own.
func (c *Coordinator) AdvanceOperation() error {
	if !c.mu.TryLockTimeout(c.mutexTimeout()) {
		return mcerr.Busyf("coordinator advance_operation")
	}
	defer c.mu.Unlock()
	c.opAdvance = true
	return nil
}

// --- Per-axis passthroughs ---

func (c *Coordinator) axisOrErr(name string) (*binding, error) {
	b := c.axes[name]
	if b == nil {
		return nil, mcerr.Newf(mcerr.InvalidParameter, "unknown axis %q", name).WithAxis(name)
	}
	return b, nil
}

func (c *Coordinator) SetLeftStop(axis string, stop *int64) error {
	b, err := c.axisOrErr(axis)
	if err != nil {
		return err
	}
	b.port.SetLeftStop(stop)
	return nil
}

func (c *Coordinator) SetRightStop(axis string, stop *int64) error {
	b, err := c.axisOrErr(axis)
	if err != nil {
		return err
	}
	b.port.SetRightStop(stop)
	return nil
}

func (c *Coordinator) SetOrigin(axis string) error {
	b, err := c.axisOrErr(axis)
	if err != nil {
		return err
	}
	b.port.SetOrigin()
	return nil
}

func (c *Coordinator) ResetOrigin(axis string) error {
	b, err := c.axisOrErr(axis)
	if err != nil {
		return err
	}
	b.port.ResetOrigin()
	return nil
}

func (c *Coordinator) SetMaxSpeed(axis string, max float64) error {
	b, err := c.axisOrErr(axis)
	if err != nil {
		return err
	}
	b.port.SetMaxSpeed(max)
	return nil
}

func (c *Coordinator) ResetMaxSpeed(axis string) error {
	b, err := c.axisOrErr(axis)
	if err != nil {
		return err
	}
	b.port.ResetMaxSpeed()
	return nil
}

// --- Queries ---

func (c *Coordinator) Mode() Mode        { return c.mode }
func (c *Coordinator) Enabled() bool     { return c.enabled }
func (c *Coordinator) Pitch() int64      { return c.pitchDu }
func (c *Coordinator) Starts() int       { return c.starts }
func (c *Coordinator) ConeRatio() float64 { return c.coneRatio }
func (c *Coordinator) TurnPasses() int   { return c.turnPasses }
func (c *Coordinator) AuxDirectionForward() bool { return c.auxDirectionForward }
func (c *Coordinator) EncoderRPM() int   { return c.encoder.RPM() }
func (c *Coordinator) EncoderPosition() int64 { return c.encoder.GlobalPosition() }
func (c *Coordinator) PassIndex() int    { return c.opIndex }

// AxisPositionSteps returns the named axis's tool-frame position in steps.
func (c *Coordinator) AxisPositionSteps(axis string) (int64, error) {
	b, err := c.axisOrErr(axis)
	if err != nil {
		return 0, err
	}
	return b.port.PositionSteps(), nil
}

// AxisNames returns the short names of every axis this coordinator drives,
// in Z, X, A1 order.
func (c *Coordinator) AxisNames() []string {
	names := []string{"Z", "X"}
	if c.a1 != nil {
		names = append(names, "A1")
	}
	return names
}

// AxisMoving reports whether the named axis has a pending target.
func (c *Coordinator) AxisMoving(axis string) (bool, error) {
	b, err := c.axisOrErr(axis)
	if err != nil {
		return false, err
	}
	return b.port.IsMoving(), nil
}

// AxisEnabled reports whether the named axis's driver is currently energized.
func (c *Coordinator) AxisEnabled(axis string) (bool, error) {
	b, err := c.axisOrErr(axis)
	if err != nil {
		return false, err
	}
	return b.port.IsEnabled(), nil
}

// setNewOriginLocked makes the current physical configuration the
// synchronized zero of the tool-follows-spindle relationship. Caller holds
// c.mu.
func (c *Coordinator) setNewOriginLocked() {
	c.z.port.SetOrigin()
	c.x.port.SetOrigin()
	if c.a1 != nil {
		c.a1.port.SetOrigin()
	}
	c.encoder.ResetPosition()
}

func (c *Coordinator) mutexTimeout() time.Duration {
	return time.Duration(c.cfg.MutexTimeoutMs) * time.Millisecond
}

// modeToSettings and settingsToMode convert between the coordinator's own
// int-tagged Mode and the string-tagged settings.Mode the persistence layer
// serializes, so a schema change on one side never forces a rename on the
// other.
func modeToSettings(m Mode) settings.Mode {
	switch m {
	case ModeAsync:
		return settings.ModeAsync
	case ModeCone:
		return settings.ModeCone
	case ModeTurn:
		return settings.ModeTurn
	case ModeFace:
		return settings.ModeFace
	case ModeCut:
		return settings.ModeCut
	case ModeThread:
		return settings.ModeThread
	case ModeEllipse:
		return settings.ModeEllipse
	case ModeGCode:
		return settings.ModeGCode
	case ModeA1:
		return settings.ModeA1
	default:
		return settings.ModeNormal
	}
}

func settingsToMode(m settings.Mode) Mode {
	switch m {
	case settings.ModeAsync:
		return ModeAsync
	case settings.ModeCone:
		return ModeCone
	case settings.ModeTurn:
		return ModeTurn
	case settings.ModeFace:
		return ModeFace
	case settings.ModeCut:
		return ModeCut
	case settings.ModeThread:
		return ModeThread
	case settings.ModeEllipse:
		return ModeEllipse
	case settings.ModeGCode:
		return ModeGCode
	case settings.ModeA1:
		return ModeA1
	default:
		return ModeNormal
	}
}

// Snapshot captures the operating state that survives a restart: mode,
// pitch, starts, cone ratio, turn passes, aux direction, and per-axis
// origin offsets and soft stops. The coordinator must be disabled for a
// snapshot to be meaningful (stops/origins mid-motion are transient).
func (c *Coordinator) Snapshot() *settings.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := settings.New()
	s.Mode = modeToSettings(c.mode)
	s.PitchDu = c.pitchDu
	s.Starts = c.starts
	s.ConeRatio = c.coneRatio
	s.TurnPasses = c.turnPasses
	s.AuxDirectionForward = c.auxDirectionForward

	for name, b := range c.axes {
		s.Axes[name] = settings.AxisSnapshot{
			OriginOffsetSteps: b.port.OriginOffset(),
			LeftStopSteps:     b.port.LeftStop(),
			RightStopSteps:    b.port.RightStop(),
		}
	}
	return s
}

// Restore installs a previously-saved Snapshot. Intended for use once at
// startup, before the coordinator is enabled: it does not attempt to
// reconcile in-flight motion or a pass sequence in progress.
func (c *Coordinator) Restore(s *settings.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mode = settingsToMode(s.Mode)
	c.pitchDu = s.PitchDu
	c.starts = s.Starts
	c.coneRatio = s.ConeRatio
	c.turnPasses = s.TurnPasses
	c.auxDirectionForward = s.AuxDirectionForward

	for name, axisSnap := range s.Axes {
		b, ok := c.axes[name]
		if !ok {
			continue
		}
		b.port.RestoreOriginOffset(axisSnap.OriginOffsetSteps)
		b.port.SetLeftStop(axisSnap.LeftStopSteps)
		b.port.SetRightStop(axisSnap.RightStopSteps)
	}
}

// ---- Mode dispatchers ----

// dispatchNormal is the base synchronous mode: Z follows the spindle
// directly, scaled by pitch and starts.
func (c *Coordinator) dispatchNormal() {
	if c.z.port.IsMovingManually() {
		return
	}
	target := c.axisTargetFromSpindle(c.z, c.encoder.AveragePosition())
	target = clampToStops(c.z, target)
	if target == c.z.port.PositionSteps() {
		return
	}
	if err := c.z.port.MoveTo(target, true); err != nil {
		c.log.WithAxis("Z").Warnf("normal mode move rejected: %v", err)
	}
}

// dispatchAsync advances Z at a constant rate derived from pitch,
// independent of the spindle.
func (c *Coordinator) dispatchAsync() {
	if c.z.port.IsMovingManually() {
		return
	}
	if !c.z.port.IsTargetReached(0) {
		return
	}
	direction := int64(1)
	if c.pitchDu < 0 {
		direction = -1
	}
	target := clampToStops(c.z, c.z.port.PositionSteps()+direction*asyncStepChunk)
	if err := c.z.port.MoveTo(target, true); err != nil {
		c.log.WithAxis("Z").Warnf("async mode move rejected: %v", err)
	}
}

// asyncStepChunk is how far ahead Async mode re-targets Z once the prior
// chunk completes; kept small so soft-limit clamping is responsive.
const asyncStepChunk = 200

// dispatchCone drives Z and X together at the resolved cone ratio, using
// the reduced closed form rather than a self-cancelling division chain.
// Speed caps are lifted on both axes so the encoder is the sole pacemaker.
func (c *Coordinator) dispatchCone() {
	if c.z.port.IsMovingManually() || c.x.port.IsMovingManually() {
		return
	}
	if c.coneRatio == 0 {
		return
	}

	c.z.port.SetMaxSpeed(hugeSpeed)
	c.x.port.SetMaxSpeed(hugeSpeed)

	zTarget := c.axisTargetFromSpindle(c.z, c.encoder.AveragePosition())
	zTarget = clampToStops(c.z, zTarget)

	ratio := coneRatioSigned(c.coneRatio, c.auxDirectionForward)
	// X follows Z's displacement, scaled by ratio. Either axis holding at
	// its soft limit must pin the other's target too, so the coupling is
	// re-checked in both directions: Z's clamp above already pins X; if
	// X's own clamp fires here, Z is re-derived from the clamped X so it
	// holds rather than continuing to follow the spindle alone.
	xTarget := roundInt64(float64(zTarget) * ratio)
	xClamped := clampToStops(c.x, xTarget)
	if xClamped != xTarget && ratio != 0 {
		zTarget = clampToStops(c.z, roundInt64(float64(xClamped)/ratio))
	}
	xTarget = xClamped

	if zTarget != c.z.port.PositionSteps() {
		if err := c.z.port.MoveTo(zTarget, true); err != nil {
			c.log.WithAxis("Z").Warnf("cone mode move rejected: %v", err)
		}
	}
	if xTarget != c.x.port.PositionSteps() {
		if err := c.x.port.MoveTo(xTarget, true); err != nil {
			c.log.WithAxis("X").Warnf("cone mode move rejected: %v", err)
		}
	}
}

// hugeSpeed lifts an axis's speed cap entirely so the encoder alone paces it.
const hugeSpeed = 1e18

// coneRatioSigned resolves the signed X/Z displacement ratio for cone
// turning: -cone_ratio/2, flipped when the auxiliary direction is reversed.
func coneRatioSigned(coneRatio float64, auxDirectionForward bool) float64 {
	r := -coneRatio / 2
	if !auxDirectionForward {
		r = -r
	}
	return r
}

// dispatchGCode pulls the next queued move per idle axis and issues it.
// Operator inputs other than emergency-stop are rejected elsewhere (input
// task, out of core scope); here we simply never invent our own targets.
func (c *Coordinator) dispatchGCode() {
	if c.gcodeSource == nil {
		return
	}
	for name, b := range c.axes {
		if b.port.IsMoving() {
			continue
		}
		mv, ok := c.gcodeSource.NextMove(name)
		if !ok {
			continue
		}
		if mv.FeedStepsPerSec > 0 {
			b.port.SetMaxSpeed(mv.FeedStepsPerSec)
		} else {
			b.port.ResetMaxSpeed()
		}
		if err := b.port.MoveTo(mv.TargetSteps, false); err != nil {
			c.log.WithAxis(name).Warnf("gcode move rejected: %v", err)
		}
	}
}

// dispatchA1 lets an external indexer command drive A1 directly through
// MoveTo (via the per-axis passthroughs); Z and X are left idle. There is
// nothing for the coordinator itself to compute here.
func (c *Coordinator) dispatchA1() {}

// passStops resolves a pass-sequenced axis's outside/full travel limits
// from its soft stops: outside is the stop nearer the tool's starting
// position for the chosen machining direction, full is the opposite one
// the step-in phase advances toward.
func passStops(b *binding, auxDirectionForward bool) (outside, full int64, ok bool) {
	left, right := b.port.LeftStop(), b.port.RightStop()
	if left == nil || right == nil {
		return 0, 0, false
	}
	if auxDirectionForward {
		return *right, *left, true
	}
	return *left, *right, true
}

// syncStops resolves the synchronous secondary axis's start/opposite stop
// pair: start is picked by the operation's pitch sign so a pass always
// begins on the same physical side the thread/cut started on.
func syncStops(b *binding, pitchSign int) (start, opposite int64, ok bool) {
	left, right := b.port.LeftStop(), b.port.RightStop()
	if left == nil || right == nil {
		return 0, 0, false
	}
	if pitchSign >= 0 {
		return *right, *left, true
	}
	return *left, *right, true
}

// dispatchPassMode is the shared engine behind Turn, Face, Cut and Thread:
// a six-substep rapid/step-in/sync/retract sequence repeated turnPasses
// times. secondary is nil for Cut, which has no synchronous follow axis.
// skipOriginReset is true only for Thread, which must keep the same
// spindle phase reference across passes rather than re-zeroing it.
func (c *Coordinator) dispatchPassMode(primary, secondary *binding, syncAxis bool, skipOriginReset bool) {
	if c.opIndex >= c.turnPasses {
		c.enabled = false
		return
	}
	advance := c.opAdvance
	c.opAdvance = false
	hasSecondary := secondary != nil && syncAxis

	switch c.opSubIndex {
	case 0: // rapid primary to outside stop
		outside, _, ok := passStops(primary, c.auxDirectionForward)
		if !ok {
			c.enabled = false
			return
		}
		if primary.port.PositionSteps() != outside {
			if err := primary.port.MoveTo(outside, false); err != nil {
				c.log.WithAxis(primary.port.Name()).Warnf("pass mode rapid-out rejected: %v", err)
				return
			}
		}
		if advance || primary.port.IsTargetReached(0) {
			c.opSubIndex = 1
		}

	case 1: // rapid secondary to start stop
		if !hasSecondary {
			c.opSubIndex = 2
			return
		}
		start, _, ok := syncStops(secondary, c.opPitchSign)
		if !ok {
			c.enabled = false
			return
		}
		if secondary.port.PositionSteps() != start {
			if err := secondary.port.MoveTo(start, false); err != nil {
				c.log.WithAxis(secondary.port.Name()).Warnf("pass mode rapid-start rejected: %v", err)
				return
			}
		}
		if advance || secondary.port.IsTargetReached(0) {
			c.opSubIndex = 2
		}

	case 2: // primary step-in by this pass's fraction of the remaining depth
		outside, full, ok := passStops(primary, c.auxDirectionForward)
		if !ok {
			c.enabled = false
			return
		}
		depthTotal := full - outside
		if depthTotal < 0 {
			depthTotal = -depthTotal
		}
		passesLeft := int64(c.turnPasses - c.opIndex)
		if passesLeft < 1 {
			passesLeft = 1
		}
		remaining := depthTotal - c.passDepthDone
		stepIn := remaining / passesLeft
		sign := int64(1)
		if full < outside {
			sign = -1
		}
		target := clampToStops(primary, primary.port.PositionSteps()+sign*stepIn)
		if primary.port.PositionSteps() != target {
			if err := primary.port.MoveTo(target, false); err != nil {
				c.log.WithAxis(primary.port.Name()).Warnf("pass mode step-in rejected: %v", err)
				return
			}
		}
		if advance || primary.port.IsTargetReached(0) {
			c.passDepthDone += stepIn
			c.opSubIndex = 3
		}

	case 3: // synchronous secondary advance (as Normal) to the opposite stop
		if !hasSecondary {
			c.opSubIndex = 4
			return
		}
		_, opposite, ok := syncStops(secondary, c.opPitchSign)
		if !ok {
			c.enabled = false
			return
		}
		if !secondary.port.IsMovingManually() {
			target := clampToStops(secondary, c.axisTargetFromSpindle(secondary, c.encoder.AveragePosition()))
			if target != secondary.port.PositionSteps() {
				if err := secondary.port.MoveTo(target, true); err != nil {
					c.log.WithAxis(secondary.port.Name()).Warnf("pass mode sync move rejected: %v", err)
				}
			}
		}
		if advance || secondary.port.PositionSteps() == opposite {
			c.opSubIndex = 4
		}

	case 4: // retract primary to outside stop
		outside, _, ok := passStops(primary, c.auxDirectionForward)
		if !ok {
			c.enabled = false
			return
		}
		if primary.port.PositionSteps() != outside {
			if err := primary.port.MoveTo(outside, false); err != nil {
				c.log.WithAxis(primary.port.Name()).Warnf("pass mode retract rejected: %v", err)
				return
			}
		}
		if advance || primary.port.IsTargetReached(0) {
			if hasSecondary {
				c.opSubIndex = 5
			} else {
				c.finishPass(skipOriginReset)
			}
		}

	case 5: // return secondary to start stop
		start, _, ok := syncStops(secondary, c.opPitchSign)
		if !ok {
			c.enabled = false
			return
		}
		if secondary.port.PositionSteps() != start {
			if err := secondary.port.MoveTo(start, false); err != nil {
				c.log.WithAxis(secondary.port.Name()).Warnf("pass mode return rejected: %v", err)
				return
			}
		}
		if advance || secondary.port.IsTargetReached(0) {
			c.finishPass(skipOriginReset)
		}
	}
}

// finishPass completes one Turn/Face/Cut/Thread pass, advancing op_index
// and either re-synchronizing the origin (Turn/Face/Cut) or leaving it
// untouched so re-engagement stays on the same thread phase (Thread).
func (c *Coordinator) finishPass(skipOriginReset bool) {
	c.opIndex++
	c.opSubIndex = 0
	if !skipOriginReset {
		c.setNewOriginLocked()
		c.passDepthDone = 0
	}
	if c.opIndex >= c.turnPasses {
		c.enabled = false
	}
}

// dispatchEllipse sweeps X across a quarter-ellipse as Z follows the
// spindle between its stops, producing an elliptical (e.g. bowl or
// decorative) profile instead of a straight taper.
func (c *Coordinator) dispatchEllipse() {
	if c.z.port.IsMovingManually() {
		return
	}
	zLeft, zRight := c.z.port.LeftStop(), c.z.port.RightStop()
	xLeft, xRight := c.x.port.LeftStop(), c.x.port.RightStop()
	if zLeft == nil || zRight == nil || xLeft == nil || xRight == nil {
		return
	}

	zTarget := clampToStops(c.z, c.axisTargetFromSpindle(c.z, c.encoder.AveragePosition()))
	if zTarget != c.z.port.PositionSteps() {
		if err := c.z.port.MoveTo(zTarget, true); err != nil {
			c.log.WithAxis("Z").Warnf("ellipse mode move rejected: %v", err)
		}
	}

	zSpan := float64(*zLeft - *zRight)
	if zSpan == 0 {
		return
	}
	t := (float64(zTarget) - float64(*zRight)) / zSpan
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	// Quarter-ellipse profile: X traces sqrt(1-t^2) from full depth at
	// t=0 (Z at its near stop) back to zero depth at t=1 (Z at its far
	// stop), the same curve a bowl or dome turning pass follows.
	depth := math.Sqrt(1 - t*t)
	xSpan := float64(*xLeft - *xRight)
	xTarget := clampToStops(c.x, *xRight+roundInt64(xSpan*depth))
	if xTarget != c.x.port.PositionSteps() {
		if err := c.x.port.MoveTo(xTarget, true); err != nil {
			c.log.WithAxis("X").Warnf("ellipse mode move rejected: %v", err)
		}
	}
}
