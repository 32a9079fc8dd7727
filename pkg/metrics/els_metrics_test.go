package metrics

import (
	"strings"
	"testing"
)

func TestNewELSMetrics(t *testing.T) {
	em := NewELSMetrics()

	if em.AxisPositionSteps == nil {
		t.Error("AxisPositionSteps should be initialized")
	}
	if em.StepsExecuted == nil {
		t.Error("StepsExecuted should be initialized")
	}
	if em.TickDuration == nil {
		t.Error("TickDuration should be initialized")
	}
	if em.EncoderRPM == nil {
		t.Error("EncoderRPM should be initialized")
	}
	if em.EStopLatched == nil {
		t.Error("EStopLatched should be initialized")
	}
	if em.ErrorsTotal == nil {
		t.Error("ErrorsTotal should be initialized")
	}

	if em.Registry() == nil {
		t.Error("Registry should be initialized")
	}
}

func TestSetAxisStatus(t *testing.T) {
	em := NewELSMetrics()

	em.SetAxisStatus("Z", 1000, 500000, true, true)
	em.SetAxisStatus("X", -200, -100000, false, true)

	if v := em.AxisPositionSteps.Get(Labels{"axis": "Z"}); v != 1000 {
		t.Errorf("expected Z position 1000, got %f", v)
	}
	if v := em.AxisPositionDu.Get(Labels{"axis": "Z"}); v != 500000 {
		t.Errorf("expected Z position du 500000, got %f", v)
	}
	if v := em.AxisMoving.Get(Labels{"axis": "Z"}); v != 1 {
		t.Errorf("expected Z moving=1, got %f", v)
	}
	if v := em.AxisMoving.Get(Labels{"axis": "X"}); v != 0 {
		t.Errorf("expected X moving=0, got %f", v)
	}
	if v := em.AxisEnabled.Get(Labels{"axis": "X"}); v != 1 {
		t.Errorf("expected X enabled=1, got %f", v)
	}
}

func TestRecordStepsExecuted(t *testing.T) {
	em := NewELSMetrics()

	em.RecordStepsExecuted("Z", 50)
	em.RecordStepsExecuted("Z", 25)

	if v := em.StepsExecuted.Get(Labels{"axis": "Z"}); v != 75 {
		t.Errorf("expected 75 steps, got %d", v)
	}
}

func TestSetEncoderStatus(t *testing.T) {
	em := NewELSMetrics()

	em.SetEncoderStatus(1800, 24000, true)

	if v := em.EncoderRPM.Get(nil); v != 1800 {
		t.Errorf("expected rpm 1800, got %f", v)
	}
	if v := em.EncoderPosition.Get(nil); v != 24000 {
		t.Errorf("expected position 24000, got %f", v)
	}
	if v := em.EncoderSpinning.Get(nil); v != 1 {
		t.Errorf("expected spinning=1, got %f", v)
	}
}

func TestSetModeActive(t *testing.T) {
	em := NewELSMetrics()
	modes := []string{"normal", "turn", "thread"}

	em.SetModeActive("turn", modes)

	if v := em.ModeActive.Get(Labels{"mode": "turn"}); v != 1 {
		t.Errorf("expected turn active=1, got %f", v)
	}
	if v := em.ModeActive.Get(Labels{"mode": "normal"}); v != 0 {
		t.Errorf("expected normal active=0, got %f", v)
	}
	if v := em.ModeActive.Get(Labels{"mode": "thread"}); v != 0 {
		t.Errorf("expected thread active=0, got %f", v)
	}
}

func TestSetCoordinatorStatus(t *testing.T) {
	em := NewELSMetrics()

	em.SetCoordinatorStatus(true, 3)

	if v := em.CoordinatorOn.Get(nil); v != 1 {
		t.Errorf("expected enabled=1, got %f", v)
	}
	if v := em.PassIndex.Get(nil); v != 3 {
		t.Errorf("expected pass index 3, got %f", v)
	}
}

func TestRecordOperationCompleted(t *testing.T) {
	em := NewELSMetrics()

	em.RecordOperationCompleted()
	em.RecordOperationCompleted()

	if v := em.OperationsDone.Get(nil); v != 2 {
		t.Errorf("expected 2 completed operations, got %d", v)
	}
}

func TestSetEStopStatus(t *testing.T) {
	em := NewELSMetrics()

	em.SetEStopStatus(true)
	if v := em.EStopLatched.Get(nil); v != 1 {
		t.Errorf("expected latched=1, got %f", v)
	}

	em.SetEStopStatus(false)
	if v := em.EStopLatched.Get(nil); v != 0 {
		t.Errorf("expected latched=0, got %f", v)
	}
}

func TestRecordEStopEvent(t *testing.T) {
	em := NewELSMetrics()

	em.RecordEStopEvent("position_out_of_envelope")
	em.RecordEStopEvent("position_out_of_envelope")
	em.RecordEStopEvent("key_stuck_at_boot")

	if v := em.EStopEvents.Get(Labels{"reason": "position_out_of_envelope"}); v != 2 {
		t.Errorf("expected 2 events, got %d", v)
	}
	if v := em.EStopEvents.Get(Labels{"reason": "key_stuck_at_boot"}); v != 1 {
		t.Errorf("expected 1 event, got %d", v)
	}
}

func TestRecordErrorAndWarning(t *testing.T) {
	em := NewELSMetrics()

	em.RecordError("mcerr.preconditions")
	em.RecordWarning("move_rejected")

	if v := em.ErrorsTotal.Get(Labels{"type": "mcerr.preconditions"}); v != 1 {
		t.Errorf("expected 1 error, got %d", v)
	}
	if v := em.WarningsTotal.Get(Labels{"type": "move_rejected"}); v != 1 {
		t.Errorf("expected 1 warning, got %d", v)
	}
}

func TestELSMetricsGather(t *testing.T) {
	em := NewELSMetrics()
	em.SetAxisStatus("Z", 1000, 500000, true, true)
	em.SetEncoderStatus(1200, 48000, true)
	em.RecordStepsExecuted("Z", 10)

	out := em.Gather()

	for _, want := range []string{
		"els_axis_position_steps",
		"els_spindle_rpm",
		"els_axis_steps_executed_total",
		"els_go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Gather output missing %q", want)
		}
	}
}

func TestGlobalMetricsSingleton(t *testing.T) {
	a := GlobalMetrics()
	b := GlobalMetrics()
	if a != b {
		t.Error("GlobalMetrics should return the same instance")
	}
}
