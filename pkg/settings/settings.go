// Package settings persists the motion core's live operating state —
// everything MotionCoordinator.Snapshot/Restore exposes — as a single
// schema-versioned YAML blob, separate from the construction-time
// [axis ...]/[encoder]/[coordinator] machine definition in pkg/config.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is incremented whenever a field is added, removed or
// reinterpreted. Load rejects a file with a newer version than it knows
// about rather than silently misreading it.
const CurrentSchemaVersion = 1

// Mode mirrors the MotionCoordinator operating mode.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeAsync   Mode = "async"
	ModeCone    Mode = "cone"
	ModeTurn    Mode = "turn"
	ModeFace    Mode = "face"
	ModeCut     Mode = "cut"
	ModeThread  Mode = "thread"
	ModeEllipse Mode = "ellipse"
	ModeGCode   Mode = "gcode"
	ModeA1      Mode = "a1"
)

// AxisSnapshot is the persisted state for a single axis: where its origin
// sits relative to the motor's power-on position, and its soft stops if
// any are set. LeftStopSteps/RightStopSteps are nil when unset, matching
// the firmware's LONG_MAX/LONG_MIN "unset" sentinels without reusing a
// sentinel value that could collide with a real position.
type AxisSnapshot struct {
	OriginOffsetSteps int64  `yaml:"origin_offset_steps"`
	LeftStopSteps     *int64 `yaml:"left_stop_steps,omitempty"`
	RightStopSteps    *int64 `yaml:"right_stop_steps,omitempty"`
}

// Snapshot is the full persisted operating state of the motion core.
type Snapshot struct {
	SchemaVersion int `yaml:"schema_version"`

	Mode                Mode    `yaml:"mode"`
	PitchDu             int64   `yaml:"pitch_du"`
	Starts              int     `yaml:"starts"`
	ConeRatio           float64 `yaml:"cone_ratio"`
	TurnPasses          int     `yaml:"turn_passes"`
	AuxDirectionForward bool    `yaml:"aux_direction_forward"`

	Axes map[string]AxisSnapshot `yaml:"axes"`
}

// New returns an empty Snapshot stamped with the current schema version.
func New() *Snapshot {
	return &Snapshot{
		SchemaVersion: CurrentSchemaVersion,
		Mode:          ModeNormal,
		Axes:          make(map[string]AxisSnapshot),
	}
}

// Save writes the snapshot to path as YAML, via a temp file in the same
// directory renamed into place, so a crash mid-write never leaves a
// truncated settings file behind.
func (s *Snapshot) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("settings: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("settings: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("settings: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("settings: rename into place: %w", err)
	}
	return nil
}

// Load reads and validates a Snapshot from path. A missing file is not an
// error: it returns a fresh New() snapshot, since a machine's first boot
// has no prior state to restore.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	if s.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("settings: %s has schema version %d, newer than supported %d",
			path, s.SchemaVersion, CurrentSchemaVersion)
	}
	if s.Axes == nil {
		s.Axes = make(map[string]AxisSnapshot)
	}
	return &s, nil
}
