// Package config loads the peakshave configuration with koanf. A YAML or JSON
// file is read first, then K_ environment variables override single keys
// (K_MQTT__BROKER sets mqtt.broker).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/peakshave/api"
	"github.com/kilianp07/peakshave/core/metrics"
	"github.com/kilianp07/peakshave/core/planlog"
	"github.com/kilianp07/peakshave/core/protocol"
	"github.com/kilianp07/peakshave/infra/mqtt"
	"github.com/kilianp07/peakshave/infra/qp"
)

// ErrConfig is returned for every invalid or missing setting.
var ErrConfig = errors.New("invalid configuration")

// Roles accepted by ValidateFor.
const (
	RoleBattery    = "battery"
	RoleController = "controller"
	RoleForecast   = "forecast"
	RoleMonitor    = "monitor"
	RoleSimulate   = "simulate"
	RoleReport     = "report"
	RoleParams     = "params"
)

type Config struct {
	MQTT       mqtt.Config          `json:"mqtt"`
	IDs        protocol.Identifiers `json:"ids"`
	Battery    BatteryConfig        `json:"battery"`
	Controller ControllerConfig     `json:"controller"`
	Forecast   ForecastConfig       `json:"forecast"`
	Monitor    MonitorConfig        `json:"monitor"`
	Simulation SimulationConfig     `json:"simulation"`
	Metrics    metrics.Config       `json:"metrics"`
	Logging    LoggingConfig        `json:"logging"`
	Sentry     SentryConfig         `json:"sentry"`
	PlanLog    planlog.Config       `json:"planlog"`
	QP         qp.Settings          `json:"qp"`
	API        api.Config           `json:"api"`
}

// Load reads path, applies the environment overrides and the defaults. An
// empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("%w: unsupported config format: %s", ErrConfig, ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration of the reference setup: one 15 kWh
// battery, a 4 kW threshold and a one day horizon at 15 minute steps.
func Default() *Config {
	cfg := &Config{
		IDs:        protocol.Identifiers{Sensor: "sensor", Phase: "l1", BatteryID: "1", ControlID: "1"},
		Battery:    DefaultBatteryConfig(),
		Controller: DefaultControllerConfig(),
		QP:         qp.DefaultSettings(),
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	c.MQTT.SetDefaults()
	c.Battery.SetDefaults()
	c.Controller.SetDefaults()
	c.Forecast.SetDefaults()
	c.Monitor.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks the settings shared by every role.
func (c *Config) Validate() error {
	checks := []struct {
		section string
		err     error
	}{
		{"ids", c.IDs.Validate()},
		{"battery", c.Battery.Validate()},
		{"controller", c.Controller.Validate()},
		{"forecast", c.Forecast.Validate()},
		{"logging", c.Logging.Validate()},
	}
	for _, chk := range checks {
		if chk.err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfig, chk.section, chk.err)
		}
	}
	return nil
}

// ValidateFor adds the checks that only matter for one role. Networked roles
// need a broker; the in-process simulation and the report do not.
func (c *Config) ValidateFor(role string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch role {
	case RoleBattery, RoleController, RoleMonitor, RoleParams:
		return c.requireBroker()
	case RoleForecast:
		if err := c.requireBroker(); err != nil {
			return err
		}
		return c.forecastSource()
	case RoleSimulate:
		if c.Forecast.Mode == ForecastLive {
			return fmt.Errorf("%w: simulate requires forecast.mode %q", ErrConfig, ForecastReplay)
		}
		return c.forecastSource()
	case RoleReport:
		return nil
	}
	return fmt.Errorf("%w: unknown role %q", ErrConfig, role)
}

func (c *Config) forecastSource() error {
	if err := c.Forecast.validateSource(); err != nil {
		return fmt.Errorf("%w: forecast: %v", ErrConfig, err)
	}
	return nil
}

func (c *Config) requireBroker() error {
	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("%w: mqtt: %v", ErrConfig, err)
	}
	return nil
}
