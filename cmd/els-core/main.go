// els-core is the motion core for an electronic lead screw lathe
// controller: it drives the Z/X/A1 axes off a spindle encoder, exposes a
// command surface for mode/pitch/starts changes, and serves the machine's
// live state over Prometheus metrics and a websocket status feed.
//
// Usage:
//
//	els-core -config machine.cfg [options]
//
// Options:
//
//	-config string        Machine configuration file (required)
//	-settings string      Persisted operating-state file (default "els-settings.yaml")
//	-metrics-addr string  Prometheus metrics listen address (default ":9100")
//	-status-addr string   Websocket status feed listen address (default ":8080")
//	-trace                Enable debug logging
//	-logfile string       Log file path (default: stderr)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nanoels/els-core/pkg/axis"
	"github.com/nanoels/els-core/pkg/config"
	"github.com/nanoels/els-core/pkg/encoder"
	"github.com/nanoels/els-core/pkg/gcode"
	"github.com/nanoels/els-core/pkg/hal"
	"github.com/nanoels/els-core/pkg/log"
	"github.com/nanoels/els-core/pkg/metrics"
	"github.com/nanoels/els-core/pkg/motion"
	"github.com/nanoels/els-core/pkg/reactor"
	"github.com/nanoels/els-core/pkg/safety"
	"github.com/nanoels/els-core/pkg/settings"
	"github.com/nanoels/els-core/pkg/status"
)

// motionTickPeriod is the target period of the motion tick per the
// coordinator/GCode task pairing: GCode dispatch happens inside Tick, so
// one reactor timer at this period covers both roles.
const motionTickPeriod = 0.001

func main() {
	configFile := flag.String("config", "", "Machine configuration file (required)")
	settingsFile := flag.String("settings", "els-settings.yaml", "Persisted operating-state file")
	metricsAddr := flag.String("metrics-addr", ":9100", "Prometheus metrics listen address")
	statusAddr := flag.String("status-addr", ":8080", "Websocket status feed listen address")
	trace := flag.Bool("trace", false, "Enable debug logging")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("main")
	if *trace {
		logger.SetLevel(log.DEBUG)
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetWriter(f)
	}
	log.SetDefaultLogger(logger)

	logger.Info("========================================")
	logger.Info("els-core starting")
	logger.Info("========================================")

	autosave, err := config.LoadAutosave(*configFile)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}
	mcfg, err := config.LoadMachineConfig(autosave.Config)
	if err != nil {
		logger.Error("failed to parse machine config: %v", err)
		os.Exit(1)
	}

	logger.Info("config: %s", *configFile)
	for name, ac := range mcfg.Axes {
		logger.Info("  axis %s: active=%v pitch_du=%d steps_per_rev=%d", name, ac.Active, ac.ScrewPitchDu, ac.MotorStepsPerRev)
	}

	engines := make(map[string]*axis.Engine)
	for name, ac := range mcfg.Axes {
		if !ac.Active {
			continue
		}
		eng, err := buildAxisEngine(ac)
		if err != nil {
			logger.Error("failed to build axis %s: %v", name, err)
			os.Exit(1)
		}
		engines[name] = eng
	}
	if engines["Z"] == nil || engines["X"] == nil {
		logger.Error("machine config must define active Z and X axes")
		os.Exit(1)
	}

	encGpioA, err := parseGPIONumber(mcfg.Encoder.APin.Name)
	if err != nil {
		logger.Error("bad encoder a_pin: %v", err)
		os.Exit(1)
	}
	encGpioB, err := parseGPIONumber(mcfg.Encoder.BPin.Name)
	if err != nil {
		logger.Error("bad encoder b_pin: %v", err)
		os.Exit(1)
	}
	counter, err := hal.NewQuadratureCounter(encGpioA, encGpioB, 1<<30)
	if err != nil {
		logger.Error("failed to open encoder counter: %v", err)
		os.Exit(1)
	}
	tracker := encoder.New(encoder.Config{
		PulsesPerRev:      mcfg.Encoder.PulsesPerRev,
		BacklashDu:        mcfg.Encoder.BacklashDu,
		SpinningTimeoutMs: mcfg.Encoder.SpinningTimeoutMs,
	}, counter)

	safetyMgr := safety.New()
	for _, eng := range engines {
		safetyMgr.RegisterMotor(safety.WrapAxis(eng))
	}

	em := metrics.GlobalMetrics()
	safetyMgr.OnTrip(func(reason safety.Reason, msg string) {
		logger.Error("emergency stop: %s: %s", reason, msg)
		em.RecordEStopEvent(string(reason))
		em.SetEStopStatus(true)
	})

	z := &motion.AxisBinding{Port: engines["Z"], Cfg: mcfg.Axes["Z"]}
	x := &motion.AxisBinding{Port: engines["X"], Cfg: mcfg.Axes["X"]}
	var a1 *motion.AxisBinding
	if eng, ok := engines["A1"]; ok {
		a1 = &motion.AxisBinding{Port: eng, Cfg: mcfg.Axes["A1"]}
	}

	coordinator := motion.New(mcfg.Coordinator, mcfg.Encoder.PulsesPerRev, tracker, z, x, a1)

	registry := config.NewRegistry()
	registry.RegisterWithPrefix("axis ", func(sec *config.Section) (config.Module, error) {
		name := strings.TrimPrefix(sec.GetName(), "axis ")
		ac, ok := mcfg.Axes[name]
		if !ok {
			return nil, fmt.Errorf("no parsed config for %s", sec.GetName())
		}
		return ac, nil
	})
	if _, err := registry.LoadModules(autosave.Config); err != nil {
		logger.Error("failed to register config modules: %v", err)
		os.Exit(1)
	}
	reloadMgr := config.NewReloadManager(registry, autosave.Config, *configFile)
	reloadMgr.SetCallbacks(
		func() { logger.Info("config reload starting") },
		func(results []config.ReloadResult) {
			for _, res := range results {
				switch {
				case res.Error != nil:
					logger.Error("reload %s: %v", res.Section, res.Error)
				case res.WasReloaded:
					if name := strings.TrimPrefix(res.Section, "axis "); engines[name] != nil {
						engines[name].ReloadConfig()
					}
					logger.Info("reload %s: applied", res.Section)
				case !res.CanReload:
					logger.Warn("reload %s: requires a restart, ignored", res.Section)
				}
			}
		},
	)

	snap, err := settings.Load(*settingsFile)
	if err != nil {
		logger.Warn("no persisted settings loaded (%v), starting from defaults", err)
		snap = settings.New()
	}
	coordinator.Restore(snap)

	gcodeQueue := gcode.NewQueue()
	coordinator.SetGCodeSource(gcodeQueue)

	metricsSrv := metrics.NewMetricsServer(em, *metricsAddr)
	metricsErrCh := metricsSrv.StartAsync()

	statusSrv := status.New(&statusProvider{coordinator: coordinator, safety: safetyMgr}, *statusAddr, mcfg.Coordinator.StatusHz)
	statusErrCh := statusSrv.StartAsync()

	r := reactor.New()
	r.RegisterPeriodic(motionTickPeriod, func(eventtime float64) {
		if err := safetyMgr.CheckOperational(); err != nil {
			return
		}
		start := time.Now()
		if err := coordinator.Tick(); err != nil {
			logger.Debug("tick: %v", err)
		}
		em.RecordTick(time.Since(start))
		for name, eng := range engines {
			moving, _ := coordinator.AxisMoving(name)
			em.SetAxisStatus(name, eng.PositionSteps(), eng.PositionDu(), moving, eng.IsEnabled())
		}
		em.SetCoordinatorStatus(coordinator.Enabled(), coordinator.PassIndex())
		em.SetEncoderStatus(coordinator.EncoderRPM(), coordinator.EncoderPosition(), tracker.IsSpinning())
	})
	r.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Info("========================================")
	logger.Info("els-core ready")
	logger.Info("metrics: http://localhost%s/metrics", *metricsAddr)
	logger.Info("status:  ws://localhost%s/status", *statusAddr)
	logger.Info("Press Ctrl+C to stop, SIGHUP to reload acceleration/speed/backlash tuning")
	logger.Info("========================================")

shutdownWait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if _, err := reloadMgr.ReloadFromFile(); err != nil {
					logger.Error("config reload failed: %v", err)
				}
				continue
			}
			logger.Info("received shutdown signal, exiting...")
			break shutdownWait
		case err := <-metricsErrCh:
			if err != nil {
				logger.Error("metrics server error: %v", err)
			}
			break shutdownWait
		case err := <-statusErrCh:
			if err != nil {
				logger.Error("status server error: %v", err)
			}
			break shutdownWait
		}
	}

	r.End()
	r.Wait()

	if s := coordinator.Snapshot(); s != nil {
		if err := s.Save(*settingsFile); err != nil {
			logger.Error("failed to save settings: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = statusSrv.Close()
	_ = metricsSrv.Shutdown(ctx)
	for _, eng := range engines {
		_ = eng.Close()
	}
	_ = tracker.Close()

	logger.Info("els-core stopped")
}

// buildAxisEngine opens the three GPIO lines an axis needs and constructs
// its Engine.
func buildAxisEngine(ac *config.AxisConfig) (*axis.Engine, error) {
	stepGpio, err := parseGPIONumber(ac.StepPin.Name)
	if err != nil {
		return nil, fmt.Errorf("step_pin: %w", err)
	}
	dirGpio, err := parseGPIONumber(ac.DirPin.Name)
	if err != nil {
		return nil, fmt.Errorf("dir_pin: %w", err)
	}
	enableGpio, err := parseGPIONumber(ac.EnablePin.Name)
	if err != nil {
		return nil, fmt.Errorf("enable_pin: %w", err)
	}

	stepLine, err := hal.NewOutputLine(stepGpio, ac.StepPin.Invert)
	if err != nil {
		return nil, fmt.Errorf("step line: %w", err)
	}
	dirLine, err := hal.NewOutputLine(dirGpio, ac.DirPin.Invert)
	if err != nil {
		return nil, fmt.Errorf("dir line: %w", err)
	}
	enableLine, err := hal.NewOutputLine(enableGpio, ac.EnablePin.Invert)
	if err != nil {
		return nil, fmt.Errorf("enable line: %w", err)
	}

	return axis.New(ac, stepLine, dirLine, enableLine), nil
}

// parseGPIONumber accepts either a bare Broadcom GPIO number ("17") or a
// "gpio17"-style name, matching the "gpio25" example on pkg/config/pin.go's
// Pin.Name field. Pin
// names inherited from other machine profiles (STM32-style "PA0") are not
// valid here; this core targets bare Linux GPIO character devices.
func parseGPIONumber(name string) (int, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(name), "gpio")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("expected a GPIO number, got %q", name)
	}
	return n, nil
}

// statusProvider adapts a Coordinator plus a safety.Manager into
// status.Provider, the shape the websocket feed needs.
type statusProvider struct {
	coordinator *motion.Coordinator
	safety      *safety.Manager
}

func (p *statusProvider) StatusSnapshot() status.Snapshot {
	axes := make(map[string]status.AxisSnapshot, len(p.coordinator.AxisNames()))
	for _, name := range p.coordinator.AxisNames() {
		pos, _ := p.coordinator.AxisPositionSteps(name)
		moving, _ := p.coordinator.AxisMoving(name)
		enabled, _ := p.coordinator.AxisEnabled(name)
		axes[name] = status.AxisSnapshot{
			PositionSteps: pos,
			Moving:        moving,
			Enabled:       enabled,
		}
	}

	safetyStatus := p.safety.GetStatus()

	return status.Snapshot{
		Mode:         p.coordinator.Mode().String(),
		Enabled:      p.coordinator.Enabled(),
		PitchDu:      p.coordinator.Pitch(),
		Starts:       p.coordinator.Starts(),
		EncoderRPM:   p.coordinator.EncoderRPM(),
		EncoderPos:   p.coordinator.EncoderPosition(),
		Axes:         axes,
		EStopLatched: p.safety.IsLatched(),
		EStopReason:  safetyStatus.Reason,
	}
}
