// Package forecast publishes load forecasts and measured load windows, either
// live from a provider or replayed from a recorded series.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/logger"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/core/mqtt"
	"github.com/kilianp07/peakshave/core/protocol"
)

// Provider returns the load forecast over [from, to).
type Provider interface {
	Forecast(ctx context.Context, from, to time.Time) ([]model.Sample, error)
}

// MeasurementSource returns the measured load over [from, to).
type MeasurementSource interface {
	Measurements(ctx context.Context, from, to time.Time) ([]model.Sample, error)
}

// ErrNoData is returned when a source has nothing for the requested range.
var ErrNoData = errors.New("no data")

// Config tunes the forecast agent.
type Config struct {
	// Interval is the publication period.
	Interval time.Duration
	// Window is the number of samples per publication.
	Window int
	// Step is the sample spacing used to align live requests.
	Step time.Duration
	// UseMeasured publishes measured instead of predicted load on the
	// forecast topic during replay.
	UseMeasured bool
}

func (c *Config) setDefaults() {
	if c.Step <= 0 {
		c.Step = 15 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = c.Step
	}
	if c.Window <= 0 {
		c.Window = 96
	}
}

// Agent publishes one forecast window and one sensor window per tick.
type Agent struct {
	cfg    Config
	topics protocol.Topics
	pub    mqtt.Publisher
	loop   *agent.Loop
	log    logger.Logger

	provider     Provider
	measurements MeasurementSource

	series Series
	cursor int
	done   bool
}

// NewLive registers a tick fetching the forecast from now on. measurements
// may be nil.
func NewLive(cfg Config, topics protocol.Topics, provider Provider, measurements MeasurementSource, pub mqtt.Publisher, loop *agent.Loop, log logger.Logger) *Agent {
	cfg.setDefaults()
	a := &Agent{cfg: cfg, topics: topics, pub: pub, loop: loop, log: log, provider: provider, measurements: measurements}
	loop.Every("forecast-live", cfg.Interval, a.tickLive)
	return a
}

// NewReplay registers a tick sliding over series. The stop sentinel is
// published once the series is exhausted.
func NewReplay(cfg Config, topics protocol.Topics, series Series, pub mqtt.Publisher, loop *agent.Loop, log logger.Logger) (*Agent, error) {
	cfg.setDefaults()
	if err := series.Validate(); err != nil {
		return nil, fmt.Errorf("replay series: %w", err)
	}
	a := &Agent{cfg: cfg, topics: topics, pub: pub, loop: loop, log: log, series: series}
	loop.Every("forecast-replay", cfg.Interval, a.Tick)
	return a, nil
}

// Done reports whether the replay finished.
func (a *Agent) Done() bool { return a.done }

// Cursor returns the index of the next replayed point.
func (a *Agent) Cursor() int { return a.cursor }

// Tick publishes the next replay window, or the stop sentinel at the end.
func (a *Agent) Tick(ctx context.Context) error {
	if a.done {
		return nil
	}
	if a.cursor >= len(a.series) {
		a.done = true
		a.log.Infof("replay finished after %d steps", a.cursor)
		payload, err := protocol.EncodeStop(a.loop.Now())
		if err != nil {
			return err
		}
		a.loop.Stop()
		return a.pub.Publish(a.topics.Stop, payload)
	}
	measured, predicted := a.series.Window(a.cursor, a.cfg.Window)
	a.cursor++
	fc := predicted
	if a.cfg.UseMeasured {
		fc = measured
	}
	if err := a.publish(a.topics.Forecast, fc); err != nil {
		return err
	}
	return a.publish(a.topics.Sensor, measured)
}

func (a *Agent) tickLive(ctx context.Context) error {
	now := a.loop.Now().UTC().Truncate(a.cfg.Step)
	to := now.Add(time.Duration(a.cfg.Window) * a.cfg.Step)
	samples, err := a.provider.Forecast(ctx, now, to)
	if err != nil {
		return fmt.Errorf("fetch forecast: %w", err)
	}
	w := model.ForecastWindow(samples).Truncate(a.cfg.Window)
	if err := w.Validate(); err != nil {
		a.log.Warnf("provider returned an unusable forecast: %v", err)
		return nil
	}
	if err := a.publish(a.topics.Forecast, w); err != nil {
		return err
	}
	if a.measurements == nil {
		return nil
	}
	m, err := a.measurements.Measurements(ctx, now.Add(-a.cfg.Step), now)
	if errors.Is(err, ErrNoData) || (err == nil && len(m) == 0) {
		a.log.Debugf("no measurement for %s", now.Add(-a.cfg.Step).Format(time.RFC3339))
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch measurements: %w", err)
	}
	return a.publish(a.topics.Sensor, m)
}

func (a *Agent) publish(topic string, w model.ForecastWindow) error {
	payload, err := protocol.EncodeForecast(w)
	if err != nil {
		return err
	}
	if err := a.pub.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
