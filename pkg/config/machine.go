package config

// AxisConfig holds the construction parameters for one AxisEngine, read
// from an "[axis <name>]" section.
type AxisConfig struct {
	Name       string // e.g. "Z", "X", "A1"
	Active     bool   // whether this axis exists on the machine at all
	Rotational bool   // true for a rotary axis (A1); angle instead of linear travel

	MotorStepsPerRev int   // step pulses per motor revolution, microstepping included
	ScrewPitchDu     int64 // lead screw pitch, deci-microns per revolution

	StartSpeed      float64 // steps/sec, speed a move starts and ends at
	ManualMaxSpeed  float64 // steps/sec, cap during manual jogging
	Acceleration    float64 // steps/sec^2

	InvertDirection bool // swap the sense of the dir pin
	NeedsRest       bool // if true, driver disables whenever refcount hits 0

	MaxTravelMm float64 // soft travel envelope used to derive estop_steps
	BacklashDu  int64   // mechanical backlash, deci-microns

	StepPin   Pin
	DirPin    Pin
	EnablePin Pin

	MutexTimeoutMs int // how long MoveTo waits to acquire the axis mutex before returning Busy
}

// LoadAxisConfig reads an AxisConfig from a "[axis <name>]" section.
func LoadAxisConfig(sec *Section) (*AxisConfig, error) {
	c := &AxisConfig{Name: axisNameFromSection(sec.GetName())}

	var err error
	if c.Active, err = sec.GetBool("active", true); err != nil {
		return nil, err
	}
	if c.Rotational, err = sec.GetBool("rotational", false); err != nil {
		return nil, err
	}
	if c.MotorStepsPerRev, err = sec.GetInt("motor_steps_per_rev", 200); err != nil {
		return nil, err
	}
	pitch, err := sec.GetInt("screw_pitch_du")
	if err != nil {
		return nil, err
	}
	c.ScrewPitchDu = int64(pitch)
	if c.StartSpeed, err = sec.GetFloat("start_speed", 200); err != nil {
		return nil, err
	}
	if c.ManualMaxSpeed, err = sec.GetFloat("manual_max_speed", 3000); err != nil {
		return nil, err
	}
	if c.Acceleration, err = sec.GetFloat("acceleration", 2500); err != nil {
		return nil, err
	}
	if c.InvertDirection, err = sec.GetBool("invert_direction", false); err != nil {
		return nil, err
	}
	if c.NeedsRest, err = sec.GetBool("needs_rest", false); err != nil {
		return nil, err
	}
	if c.MaxTravelMm, err = sec.GetFloat("max_travel_mm"); err != nil {
		return nil, err
	}
	backlash, err := sec.GetInt("backlash_du", 0)
	if err != nil {
		return nil, err
	}
	c.BacklashDu = int64(backlash)
	if c.StepPin, err = sec.GetPin("step_pin", PinOptions{}); err != nil {
		return nil, err
	}
	if c.DirPin, err = sec.GetPin("dir_pin", PinOptions{CanInvert: true}); err != nil {
		return nil, err
	}
	if c.EnablePin, err = sec.GetPin("enable_pin", PinOptions{CanInvert: true}); err != nil {
		return nil, err
	}
	if c.MutexTimeoutMs, err = sec.GetInt("mutex_timeout_ms", 5); err != nil {
		return nil, err
	}
	return c, nil
}

// CanReload reports that only the non-kinematic tuning parameters may be
// hot-reloaded; pin assignments, motor geometry and travel envelope require
// a restart since they would invalidate in-flight position state.
func (c *AxisConfig) CanReload() bool { return true }

// axisReloadableFields are the options ApplyReload is willing to update.
var axisReloadableFields = []string{"acceleration", "manual_max_speed", "start_speed", "backlash_du"}

// ApplyReload updates the subset of AxisConfig fields that are safe to
// change without disturbing position state, leaving everything else as-is.
func (c *AxisConfig) ApplyReload(sec *Section) error {
	if v, err := sec.GetFloat("acceleration", c.Acceleration); err == nil {
		c.Acceleration = v
	} else {
		return err
	}
	if v, err := sec.GetFloat("manual_max_speed", c.ManualMaxSpeed); err == nil {
		c.ManualMaxSpeed = v
	} else {
		return err
	}
	if v, err := sec.GetFloat("start_speed", c.StartSpeed); err == nil {
		c.StartSpeed = v
	} else {
		return err
	}
	if v, err := sec.GetInt("backlash_du", int(c.BacklashDu)); err == nil {
		c.BacklashDu = int64(v)
	} else {
		return err
	}
	return nil
}

// GetName satisfies Module so a Registry can track a loaded AxisConfig
// under its "axis <name>" section.
func (c *AxisConfig) GetName() string { return "axis " + c.Name }

// Reload satisfies Reloadable, deferring to ApplyReload.
func (c *AxisConfig) Reload(sec *Section) error { return c.ApplyReload(sec) }

// EncoderConfig holds the construction parameters for the EncoderTracker,
// read from the "[encoder]" section.
type EncoderConfig struct {
	PulsesPerRev int // quadrature counts per spindle revolution (after x4 decode)
	BacklashDu   int64

	APin Pin
	BPin Pin

	SpinningTimeoutMs int // isSpinning() window
	MutexTimeoutMs    int
}

// LoadEncoderConfig reads an EncoderConfig from the "[encoder]" section.
func LoadEncoderConfig(sec *Section) (*EncoderConfig, error) {
	c := &EncoderConfig{}
	var err error
	if c.PulsesPerRev, err = sec.GetInt("pulses_per_rev"); err != nil {
		return nil, err
	}
	backlash, err := sec.GetInt("backlash_pulses", 0)
	if err != nil {
		return nil, err
	}
	c.BacklashDu = int64(backlash)
	if c.APin, err = sec.GetPin("a_pin", PinOptions{CanPullup: true}); err != nil {
		return nil, err
	}
	if c.BPin, err = sec.GetPin("b_pin", PinOptions{CanPullup: true}); err != nil {
		return nil, err
	}
	if c.SpinningTimeoutMs, err = sec.GetInt("spinning_timeout_ms", 100); err != nil {
		return nil, err
	}
	if c.MutexTimeoutMs, err = sec.GetInt("mutex_timeout_ms", 1); err != nil {
		return nil, err
	}
	return c, nil
}

// CoordinatorConfig holds the construction parameters for the
// MotionCoordinator, read from the "[coordinator]" section.
type CoordinatorConfig struct {
	MutexTimeoutMs int
	DuprMax        int64 // max magnitude of pitch, deci-microns per rev
	StartsMax      int
	PassesMax      int
	StatusHz       float64 // rate of the optional websocket status feed
}

// LoadCoordinatorConfig reads a CoordinatorConfig from the "[coordinator]" section.
func LoadCoordinatorConfig(sec *Section) (*CoordinatorConfig, error) {
	c := &CoordinatorConfig{}
	var err error
	if c.MutexTimeoutMs, err = sec.GetInt("mutex_timeout_ms", 1); err != nil {
		return nil, err
	}
	dupr, err := sec.GetInt("dupr_max", 100000)
	if err != nil {
		return nil, err
	}
	c.DuprMax = int64(dupr)
	if c.StartsMax, err = sec.GetInt("starts_max", 124); err != nil {
		return nil, err
	}
	if c.PassesMax, err = sec.GetInt("passes_max", 500); err != nil {
		return nil, err
	}
	if c.StatusHz, err = sec.GetFloat("status_hz", 5); err != nil {
		return nil, err
	}
	return c, nil
}

// MachineConfig is the fully-parsed construction-time configuration for the
// whole motion core: every axis section, the encoder section and the
// coordinator section.
type MachineConfig struct {
	Axes        map[string]*AxisConfig // keyed by short name: "Z", "X", "A1"
	Encoder     *EncoderConfig
	Coordinator *CoordinatorConfig
}

// LoadMachineConfig builds a MachineConfig from a parsed Config, reading
// every "[axis <name>]" section plus the singleton "[encoder]" and
// "[coordinator]" sections.
func LoadMachineConfig(cfg *Config) (*MachineConfig, error) {
	m := &MachineConfig{Axes: make(map[string]*AxisConfig)}

	for _, sec := range cfg.GetPrefixSections("axis ") {
		axisCfg, err := LoadAxisConfig(sec)
		if err != nil {
			return nil, WrapError(sec.GetName(), "", err)
		}
		m.Axes[axisCfg.Name] = axisCfg
	}

	encSec, err := cfg.GetSection("encoder")
	if err != nil {
		return nil, err
	}
	if m.Encoder, err = LoadEncoderConfig(encSec); err != nil {
		return nil, WrapError("encoder", "", err)
	}

	coordSec, err := cfg.GetSection("coordinator")
	if err != nil {
		return nil, err
	}
	if m.Coordinator, err = LoadCoordinatorConfig(coordSec); err != nil {
		return nil, WrapError("coordinator", "", err)
	}

	return m, nil
}

// axisNameFromSection extracts "Z" from "axis Z".
func axisNameFromSection(section string) string {
	const prefix = "axis "
	if len(section) > len(prefix) && section[:len(prefix)] == prefix {
		return section[len(prefix):]
	}
	return section
}
