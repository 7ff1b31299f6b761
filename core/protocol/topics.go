package protocol

import (
	"fmt"
	"strings"
)

// Topic templates. Placeholders are substituted once by NewTopics.
const (
	forecastTemplate       = "forecast/active_power/{sensor}_{phase}"
	sensorTemplate         = "sensor/active_power/{sensor}_{phase}"
	batteryStatusTemplate  = "battery/battery_settings/battery_{battery}"
	batteryParamsTemplate  = "user/battery/set_battery_parameters/battery_{battery}"
	batteryCommandTemplate = "controller/set_power_battery/battery_{battery}"
	resultsTemplate        = "controller/optimizer_results/control_{control}"
	controlParamsTemplate  = "user/controller/control_settings/control_{control}"

	// StopTopic is the simulation stop sentinel shared by all instances.
	StopTopic = "forecast/stop_simulation_command"
)

// Identifiers select one sensor phase, one battery and one controller.
type Identifiers struct {
	Sensor    string `json:"sensor"`
	Phase     string `json:"phase"`
	BatteryID string `json:"battery"`
	ControlID string `json:"control"`
}

// Validate checks that every identifier is set and contains no topic separators
// or wildcards.
func (i Identifiers) Validate() error {
	fields := []struct{ name, value string }{
		{"sensor", i.Sensor}, {"phase", i.Phase}, {"battery", i.BatteryID}, {"control", i.ControlID},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("identifier %s is required", f.name)
		}
		if strings.ContainsAny(f.value, "/+#") {
			return fmt.Errorf("identifier %s=%q contains a topic separator or wildcard", f.name, f.value)
		}
	}
	return nil
}

// Topics holds the concrete topic names of one deployment. It is a value built
// once and never changed.
type Topics struct {
	Forecast       string
	Sensor         string
	BatteryStatus  string
	BatteryParams  string
	BatteryCommand string
	Results        string
	ControlParams  string
	Stop           string
}

// NewTopics expands the templates for the given identifiers.
func NewTopics(ids Identifiers) (Topics, error) {
	if err := ids.Validate(); err != nil {
		return Topics{}, err
	}
	r := strings.NewReplacer(
		"{sensor}", ids.Sensor,
		"{phase}", ids.Phase,
		"{battery}", ids.BatteryID,
		"{control}", ids.ControlID,
	)
	return Topics{
		Forecast:       r.Replace(forecastTemplate),
		Sensor:         r.Replace(sensorTemplate),
		BatteryStatus:  r.Replace(batteryStatusTemplate),
		BatteryParams:  r.Replace(batteryParamsTemplate),
		BatteryCommand: r.Replace(batteryCommandTemplate),
		Results:        r.Replace(resultsTemplate),
		ControlParams:  r.Replace(controlParamsTemplate),
		Stop:           StopTopic,
	}, nil
}
