package app

import (
	"fmt"

	"github.com/kilianp07/peakshave/config"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/core/mqtt"
	"github.com/kilianp07/peakshave/core/protocol"
)

// Parameter update targets.
const (
	TargetBattery    = "battery"
	TargetController = "controller"
)

// PublishParameters checks u against the configured parameters of target and
// publishes it on the target's user topic. The receiving agent merges it
// again against its live state.
func PublishParameters(pub mqtt.Publisher, cfg *config.Config, target string, u model.ParameterUpdate) error {
	topics, err := protocol.NewTopics(cfg.IDs)
	if err != nil {
		return fmt.Errorf("%w: ids: %v", config.ErrConfig, err)
	}
	var topic string
	switch target {
	case TargetBattery:
		if _, err := cfg.Battery.Initial.Merge(u); err != nil {
			return err
		}
		topic = topics.BatteryParams
	case TargetController:
		if _, err := cfg.Controller.Params.Merge(u); err != nil {
			return err
		}
		topic = topics.ControlParams
	default:
		return fmt.Errorf("unknown target %q", target)
	}
	payload, err := protocol.EncodeUpdate(u)
	if err != nil {
		return err
	}
	return pub.Publish(topic, payload)
}
