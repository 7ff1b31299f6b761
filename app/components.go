package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/peakshave/config"
	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/battery"
	"github.com/kilianp07/peakshave/core/controller"
	coremetrics "github.com/kilianp07/peakshave/core/metrics"
	"github.com/kilianp07/peakshave/core/monitor"
	"github.com/kilianp07/peakshave/core/mqtt"
	"github.com/kilianp07/peakshave/core/optimizer"
	"github.com/kilianp07/peakshave/core/planlog"
	"github.com/kilianp07/peakshave/core/protocol"
	"github.com/kilianp07/peakshave/infra/actuator"
	"github.com/kilianp07/peakshave/infra/logger"
	"github.com/kilianp07/peakshave/infra/qp"
	"github.com/kilianp07/peakshave/pkg/export"

	coreforecast "github.com/kilianp07/peakshave/core/forecast"
	infraforecast "github.com/kilianp07/peakshave/infra/forecast"

	// registers the sqlite and influx row stores
	_ "github.com/kilianp07/peakshave/infra/store"
)

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// wiring carries what every agent builder needs.
type wiring struct {
	cfg     *config.Config
	topics  protocol.Topics
	pub     mqtt.Publisher
	sink    coremetrics.MetricsSink
	closers *closers
}

func (w wiring) newBattery(ctx context.Context, loop *agent.Loop, acfg battery.AgentConfig) (*battery.Agent, error) {
	log := logger.New("battery")
	var act battery.Actuator
	if w.cfg.Battery.Actuated() {
		sma, err := actuator.NewSMA(w.cfg.Battery.Actuator, logger.New("actuator"))
		if err != nil {
			return nil, err
		}
		w.closers.add(sma.Close)
		act = sma
	}
	m, err := battery.NewModel(ctx, w.cfg.Battery.Initial, act, log)
	if err != nil {
		return nil, fmt.Errorf("battery model: %w", err)
	}
	return battery.NewAgent(acfg, w.topics, m, w.pub, loop, log, w.sink), nil
}

func (w wiring) batteryConfig() battery.AgentConfig {
	b := w.cfg.Battery
	return battery.AgentConfig{
		BatteryID:           w.cfg.IDs.BatteryID,
		ReportInterval:      seconds(b.ReportIntervalSeconds),
		DtScale:             b.DtScale,
		SubSteps:            b.SubSteps,
		CommandTimeout:      seconds(b.CommandTimeoutSeconds),
		StopOnSimulationEnd: b.StopOnSimulationEnd,
	}
}

func (w wiring) newController(loop *agent.Loop, stopOnEnd bool) (*controller.Controller, error) {
	plans, err := planlog.Open(w.cfg.PlanLog)
	if err != nil {
		return nil, fmt.Errorf("plan log: %w", err)
	}
	w.closers.add(plans.Close)
	timeout := time.Duration(w.cfg.Controller.SolveTimeoutMS) * time.Millisecond
	planner := optimizer.New(qp.NewADMM(w.cfg.QP), timeout)
	return controller.New(controller.Config{
		ControlID:           w.cfg.IDs.ControlID,
		BatteryID:           w.cfg.IDs.BatteryID,
		Placeholder:         w.cfg.Battery.Initial,
		Params:              w.cfg.Controller.Params,
		StopOnSimulationEnd: stopOnEnd,
	}, w.topics, planner, w.pub, loop, logger.New("controller"),
		controller.WithMetrics(w.sink), controller.WithPlanLog(plans))
}

func (w wiring) forecastConfig() coreforecast.Config {
	f := w.cfg.Forecast
	return coreforecast.Config{
		Interval:    seconds(f.IntervalSeconds),
		Window:      f.Window,
		Step:        time.Duration(f.StepMinutes) * time.Minute,
		UseMeasured: f.UseMeasured,
	}
}

func (w wiring) newForecast(ctx context.Context, loop *agent.Loop) (*coreforecast.Agent, error) {
	log := logger.New("forecast")
	if w.cfg.Forecast.Mode == config.ForecastLive {
		provider, err := infraforecast.NewHTTPProvider(w.cfg.Forecast.Provider)
		if err != nil {
			return nil, err
		}
		var ms coreforecast.MeasurementSource
		if w.cfg.Forecast.Measurements.URL != "" {
			src, err := w.measurements()
			if err != nil {
				return nil, err
			}
			ms = src
		}
		return coreforecast.NewLive(w.forecastConfig(), w.topics, provider, ms, w.pub, loop, log), nil
	}
	series, err := w.replaySeries(ctx, loop.Now())
	if err != nil {
		return nil, err
	}
	log.Infof("replaying %d steps from %s", len(series), series[0].Time.Format(time.RFC3339))
	return coreforecast.NewReplay(w.forecastConfig(), w.topics, series, w.pub, loop, log)
}

func (w wiring) measurements() (*infraforecast.InfluxSource, error) {
	mc := w.cfg.Forecast.Measurements
	mc.Step = time.Duration(w.cfg.Forecast.StepMinutes) * time.Minute
	src, err := infraforecast.NewInfluxSource(mc)
	if err != nil {
		return nil, err
	}
	w.closers.add(func() error { src.Close(); return nil })
	return src, nil
}

// replaySeries loads the scenario file, or joins the last replay_days of
// measurements and forecasts ending at now.
func (w wiring) replaySeries(ctx context.Context, now time.Time) (coreforecast.Series, error) {
	f := w.cfg.Forecast
	if f.Scenario != "" {
		sc, err := coreforecast.LoadScenario(f.Scenario)
		if err != nil {
			return nil, err
		}
		return sc.Series()
	}
	step := time.Duration(f.StepMinutes) * time.Minute
	to := now.UTC().Truncate(step)
	from := to.AddDate(0, 0, -f.ReplayDays)
	provider, err := infraforecast.NewHTTPProvider(f.Provider)
	if err != nil {
		return nil, err
	}
	src, err := w.measurements()
	if err != nil {
		return nil, err
	}
	measured, err := src.Measurements(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("replay measurements: %w", err)
	}
	predicted, err := provider.Forecast(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("replay forecast: %w", err)
	}
	series := coreforecast.Join(measured, predicted)
	if len(series) == 0 {
		return nil, fmt.Errorf("replay between %s and %s: %w", from.Format(time.RFC3339), to.Format(time.RFC3339), coreforecast.ErrNoData)
	}
	return series, nil
}

func (w wiring) newMonitor(loop *agent.Loop) (*monitor.Agent, error) {
	store, err := monitor.NewStore(w.cfg.Monitor.Stores)
	if err != nil {
		return nil, fmt.Errorf("monitor store: %w", err)
	}
	w.closers.add(store.Close)
	var rep monitor.Reporter
	if w.cfg.Monitor.ReportDir != "" {
		r, err := export.NewReporter(w.cfg.Monitor.ReportDir, w.cfg.Monitor.ReportFormats)
		if err != nil {
			return nil, err
		}
		rep = r
	}
	return monitor.New(w.topics, store, rep, loop, logger.New("monitor")), nil
}
