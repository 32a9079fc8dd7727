// Lathe-specific metrics definitions.
//
// Defines the metrics exposed by an els-core process: axis position and
// motion state, spindle encoder readings, and emergency-stop status.

package metrics

import (
	goruntime "runtime"
	"sync"
	"time"
)

// ELSMetrics holds every metric an els-core process exposes.
type ELSMetrics struct {
	// Axis metrics
	AxisPositionSteps *Gauge
	AxisPositionDu    *Gauge
	AxisMoving        *Gauge
	AxisEnabled       *Gauge
	StepsExecuted     *Counter
	TickDuration      *Histogram

	// Spindle encoder metrics
	EncoderRPM      *Gauge
	EncoderPosition *Gauge
	EncoderSpinning *Gauge

	// Coordinator metrics
	ModeActive     *Gauge
	CoordinatorOn  *Gauge
	PassIndex      *Gauge
	OperationsDone *Counter

	// Safety metrics
	EStopLatched  *Gauge
	EStopEvents   *Counter

	// System metrics
	HostUptime   *Counter
	GoGoroutines *Gauge
	GoMemoryHeap *Gauge

	// Error metrics
	ErrorsTotal   *Counter
	WarningsTotal *Counter

	startTime time.Time
	registry  *Registry
	mu        sync.RWMutex
}

// NewELSMetrics creates and registers every els-core metric.
func NewELSMetrics() *ELSMetrics {
	em := &ELSMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	em.AxisPositionSteps = NewGauge("els_axis_position_steps",
		"Current axis position in motor steps")
	em.AxisPositionDu = NewGauge("els_axis_position_deciMicrons",
		"Current axis position in deci-microns")
	em.AxisMoving = NewGauge("els_axis_moving",
		"Axis motion state (1=moving, 0=idle)")
	em.AxisEnabled = NewGauge("els_axis_enabled",
		"Axis driver enable state (1=enabled, 0=disabled)")
	em.StepsExecuted = NewCounter("els_axis_steps_executed_total",
		"Total motor steps issued per axis")
	em.TickDuration = NewHistogram("els_tick_duration_seconds",
		"Wall time spent in one Coordinator.Tick call",
		[]float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01})

	em.EncoderRPM = NewGauge("els_spindle_rpm",
		"Current spindle speed in RPM")
	em.EncoderPosition = NewGauge("els_spindle_position_pulses",
		"Spindle encoder position counter")
	em.EncoderSpinning = NewGauge("els_spindle_spinning",
		"Spindle rotation state (1=spinning, 0=stopped)")

	em.ModeActive = NewGauge("els_mode_active",
		"1 for the currently selected coordinator mode, 0 for all others")
	em.CoordinatorOn = NewGauge("els_coordinator_enabled",
		"Coordinator enable state (1=engaged, 0=disengaged)")
	em.PassIndex = NewGauge("els_pass_index",
		"Current pass index within a turn/face/cut/thread sequence")
	em.OperationsDone = NewCounter("els_operations_completed_total",
		"Total pass sequences completed")

	em.EStopLatched = NewGauge("els_estop_latched",
		"Emergency-stop latch state (1=latched, 0=running)")
	em.EStopEvents = NewCounter("els_estop_events_total",
		"Total emergency-stop trips by reason")

	em.HostUptime = NewCounter("els_host_uptime_seconds_total",
		"Total host process uptime in seconds")
	em.GoGoroutines = NewGauge("els_go_goroutines",
		"Number of active goroutines")
	em.GoMemoryHeap = NewGauge("els_go_memory_heap_bytes",
		"Go heap memory in use")

	em.ErrorsTotal = NewCounter("els_errors_total",
		"Total errors by type")
	em.WarningsTotal = NewCounter("els_warnings_total",
		"Total warnings by type")

	em.registerAll()
	return em
}

func (em *ELSMetrics) registerAll() {
	metrics := []Metric{
		em.AxisPositionSteps, em.AxisPositionDu, em.AxisMoving, em.AxisEnabled,
		em.StepsExecuted, em.TickDuration,
		em.EncoderRPM, em.EncoderPosition, em.EncoderSpinning,
		em.ModeActive, em.CoordinatorOn, em.PassIndex, em.OperationsDone,
		em.EStopLatched, em.EStopEvents,
		em.HostUptime, em.GoGoroutines, em.GoMemoryHeap,
		em.ErrorsTotal, em.WarningsTotal,
	}
	for _, m := range metrics {
		em.registry.MustRegister(m)
	}
}

// UpdateSystemMetrics refreshes Go runtime metrics.
func (em *ELSMetrics) UpdateSystemMetrics() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	em.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	em.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	em.HostUptime.Add(nil, uint64(time.Since(em.startTime).Seconds()))
}

// SetAxisStatus updates the position/moving/enabled gauges for one axis.
func (em *ELSMetrics) SetAxisStatus(axis string, steps, du int64, moving, enabled bool) {
	em.AxisPositionSteps.Set(Labels{"axis": axis}, float64(steps))
	em.AxisPositionDu.Set(Labels{"axis": axis}, float64(du))
	em.AxisMoving.Set(Labels{"axis": axis}, boolValue(moving))
	em.AxisEnabled.Set(Labels{"axis": axis}, boolValue(enabled))
}

// RecordStepsExecuted adds delta steps issued for the named axis.
func (em *ELSMetrics) RecordStepsExecuted(axis string, delta uint64) {
	em.StepsExecuted.Add(Labels{"axis": axis}, delta)
}

// RecordTick records the wall time spent servicing one coordinator tick.
func (em *ELSMetrics) RecordTick(d time.Duration) {
	em.TickDuration.Observe(nil, d.Seconds())
}

// SetEncoderStatus updates spindle encoder metrics.
func (em *ELSMetrics) SetEncoderStatus(rpm int, position int64, spinning bool) {
	em.EncoderRPM.Set(nil, float64(rpm))
	em.EncoderPosition.Set(nil, float64(position))
	em.EncoderSpinning.Set(nil, boolValue(spinning))
}

// SetModeActive marks mode as the one active coordinator mode, clearing all
// others in the given universe of mode names.
func (em *ELSMetrics) SetModeActive(active string, allModes []string) {
	for _, name := range allModes {
		v := float64(0)
		if name == active {
			v = 1
		}
		em.ModeActive.Set(Labels{"mode": name}, v)
	}
}

// SetCoordinatorStatus updates the enable/pass-index gauges.
func (em *ELSMetrics) SetCoordinatorStatus(enabled bool, passIndex int) {
	em.CoordinatorOn.Set(nil, boolValue(enabled))
	em.PassIndex.Set(nil, float64(passIndex))
}

// RecordOperationCompleted records a finished pass sequence.
func (em *ELSMetrics) RecordOperationCompleted() {
	em.OperationsDone.Inc(nil)
}

// SetEStopStatus updates the emergency-stop latch gauge.
func (em *ELSMetrics) SetEStopStatus(latched bool) {
	em.EStopLatched.Set(nil, boolValue(latched))
}

// RecordEStopEvent records a trip by reason.
func (em *ELSMetrics) RecordEStopEvent(reason string) {
	em.EStopEvents.Inc(Labels{"reason": reason})
}

// RecordError records an error by type.
func (em *ELSMetrics) RecordError(errorType string) {
	em.ErrorsTotal.Inc(Labels{"type": errorType})
}

// RecordWarning records a warning by type.
func (em *ELSMetrics) RecordWarning(warningType string) {
	em.WarningsTotal.Inc(Labels{"type": warningType})
}

// Gather returns all metrics in Prometheus text format.
func (em *ELSMetrics) Gather() string {
	em.UpdateSystemMetrics()
	return em.registry.Gather()
}

// Registry returns the internal registry.
func (em *ELSMetrics) Registry() *Registry {
	return em.registry
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var globalMetrics *ELSMetrics
var globalMetricsOnce sync.Once

// GlobalMetrics returns the process-wide ELSMetrics instance.
func GlobalMetrics() *ELSMetrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = NewELSMetrics()
	})
	return globalMetrics
}
