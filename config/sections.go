package config

import (
	"fmt"

	"github.com/kilianp07/peakshave/core/factory"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/infra/actuator"
	"github.com/kilianp07/peakshave/infra/forecast"
)

// Forecast agent modes.
const (
	ForecastReplay = "replay"
	ForecastLive   = "live"
)

// BatteryConfig configures the battery agent. The battery is actuated when
// actuator.address is set.
type BatteryConfig struct {
	Initial               model.BatteryState `json:"initial"`
	ReportIntervalSeconds float64            `json:"report_interval_seconds"`
	DtScale               float64            `json:"dt_scale"`
	SubSteps              int                `json:"sub_steps"`
	CommandTimeoutSeconds float64            `json:"command_timeout_seconds"`
	StopOnSimulationEnd   bool               `json:"stop_on_simulation_end"`
	Actuator              actuator.Config    `json:"actuator"`
}

// DefaultBatteryConfig returns the reference battery.
func DefaultBatteryConfig() BatteryConfig {
	return BatteryConfig{Initial: model.DefaultBatteryState()}
}

// SetDefaults fills unset fields.
func (c *BatteryConfig) SetDefaults() {
	if c.ReportIntervalSeconds <= 0 {
		c.ReportIntervalSeconds = 1
	}
	if c.DtScale <= 0 {
		c.DtScale = 1
	}
	if c.SubSteps <= 0 {
		c.SubSteps = 1
	}
}

// Actuated reports whether an inverter is configured.
func (c BatteryConfig) Actuated() bool { return c.Actuator.Address != "" }

// Validate checks limits, the initial state and the actuator address.
func (c BatteryConfig) Validate() error {
	if err := c.Initial.ValidateLimits(); err != nil {
		return err
	}
	if c.Actuated() {
		return c.Actuator.Validate()
	}
	if err := c.Initial.Validate(); err != nil {
		return err
	}
	if c.CommandTimeoutSeconds < 0 {
		return fmt.Errorf("command_timeout_seconds must be >= 0")
	}
	return nil
}

// ControllerConfig configures the controller agent.
type ControllerConfig struct {
	Params              model.ControllerParameters `json:"params"`
	SolveTimeoutMS      int                        `json:"solve_timeout_ms"`
	StopOnSimulationEnd bool                       `json:"stop_on_simulation_end"`
}

// DefaultControllerConfig returns the reference controller.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{Params: model.DefaultControllerParameters()}
}

// SetDefaults fills unset fields.
func (c *ControllerConfig) SetDefaults() {
	if c.SolveTimeoutMS <= 0 {
		c.SolveTimeoutMS = 5000
	}
}

// Validate checks the initial parameters.
func (c ControllerConfig) Validate() error {
	return c.Params.Validate()
}

// ForecastConfig configures the forecast agent. Replay publishes a scenario
// file, or the last replay_days of history pulled from the provider and the
// measurement store. Live polls the provider.
type ForecastConfig struct {
	Mode            string                `json:"mode"`
	Scenario        string                `json:"scenario"`
	ReplayDays      int                   `json:"replay_days"`
	Window          int                   `json:"window"`
	StepMinutes     int                   `json:"step_minutes"`
	IntervalSeconds float64               `json:"interval_seconds"`
	UseMeasured     bool                  `json:"use_measured"`
	Provider        forecast.HTTPConfig   `json:"provider"`
	Measurements    forecast.InfluxConfig `json:"measurements"`
}

// SetDefaults fills unset fields.
func (c *ForecastConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ForecastReplay
	}
	if c.Window <= 0 {
		c.Window = 96
	}
	if c.StepMinutes <= 0 {
		c.StepMinutes = 15
	}
}

// Validate checks the mode and the window shape.
func (c ForecastConfig) Validate() error {
	if c.Mode != ForecastReplay && c.Mode != ForecastLive {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.IntervalSeconds < 0 {
		return fmt.Errorf("interval_seconds must be >= 0")
	}
	return nil
}

// validateSource checks that the configured mode has a data source.
func (c ForecastConfig) validateSource() error {
	if c.Mode == ForecastLive {
		return c.validateLive()
	}
	if c.Scenario != "" {
		return nil
	}
	if c.ReplayDays <= 0 {
		return fmt.Errorf("replay requires a scenario file or replay_days")
	}
	return c.validateLive()
}

func (c ForecastConfig) validateLive() error {
	if c.Provider.URL == "" {
		return fmt.Errorf("provider.url is required")
	}
	if c.Measurements.URL == "" {
		return fmt.Errorf("measurements.url is required")
	}
	return nil
}

// MonitorConfig configures persistence and the final report.
type MonitorConfig struct {
	Stores        []factory.ModuleConfig `json:"stores"`
	ReportDir     string                 `json:"report_dir"`
	ReportFormats []string               `json:"report_formats"`
}

// SetDefaults fills unset fields.
func (c *MonitorConfig) SetDefaults() {
	if c.ReportFormats == nil {
		c.ReportFormats = []string{"csv", "html"}
	}
}

// SimulationConfig tunes the in-process closed loop.
type SimulationConfig struct {
	// Duplicate delivers every message twice.
	Duplicate bool `json:"duplicate"`
	// MaxSteps bounds the run. Zero runs until the stop command.
	MaxSteps int `json:"max_steps"`
}
