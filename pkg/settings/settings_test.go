package settings

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	s := New()
	s.Mode = ModeTurn
	s.PitchDu = 20000
	s.Starts = 2
	s.TurnPasses = 5
	s.AuxDirectionForward = true
	left := int64(-1000)
	right := int64(500000)
	s.Axes["Z"] = AxisSnapshot{OriginOffsetSteps: 1234, LeftStopSteps: &left, RightStopSteps: &right}
	s.Axes["X"] = AxisSnapshot{OriginOffsetSteps: 0}

	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Mode != ModeTurn {
		t.Errorf("Mode = %v", loaded.Mode)
	}
	if loaded.PitchDu != 20000 || loaded.Starts != 2 || loaded.TurnPasses != 5 {
		t.Errorf("unexpected scalar fields: %+v", loaded)
	}
	if !loaded.AuxDirectionForward {
		t.Error("AuxDirectionForward lost on round trip")
	}
	z, ok := loaded.Axes["Z"]
	if !ok {
		t.Fatal("axis Z missing after round trip")
	}
	if z.OriginOffsetSteps != 1234 {
		t.Errorf("Z origin offset = %d", z.OriginOffsetSteps)
	}
	if z.LeftStopSteps == nil || *z.LeftStopSteps != -1000 {
		t.Errorf("Z left stop = %v", z.LeftStopSteps)
	}
	if z.RightStopSteps == nil || *z.RightStopSteps != 500000 {
		t.Errorf("Z right stop = %v", z.RightStopSteps)
	}

	x := loaded.Axes["X"]
	if x.LeftStopSteps != nil || x.RightStopSteps != nil {
		t.Errorf("X stops should be unset, got %+v", x)
	}
}

func TestLoadMissingFileReturnsFreshSnapshot(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %d", s.SchemaVersion)
	}
	if s.Mode != ModeNormal {
		t.Errorf("default Mode = %v", s.Mode)
	}
	if s.Axes == nil {
		t.Error("Axes map should be initialized, not nil")
	}
}

func TestLoadRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	s := New()
	s.SchemaVersion = CurrentSchemaVersion + 1
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error loading a newer schema version")
	}
}
