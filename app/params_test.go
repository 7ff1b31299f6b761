package app

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/peakshave/config"
	"github.com/kilianp07/peakshave/core/model"
)

type recordingPublisher struct {
	topic   string
	payload []byte
	calls   int
}

func (r *recordingPublisher) Publish(topic string, payload []byte) error {
	r.topic, r.payload = topic, payload
	r.calls++
	return nil
}

func TestPublishParameters(t *testing.T) {
	cfg := config.Default()
	tests := []struct {
		name   string
		target string
		update model.ParameterUpdate
		topic  string
		err    error
	}{
		{"controller threshold", TargetController, model.ParameterUpdate{model.KeyThreshold: 3}, "user/controller/control_settings/control_1", nil},
		{"battery soc bounds", TargetBattery, model.ParameterUpdate{model.KeySoCMin: 0.2}, "user/battery/set_battery_parameters/battery_1", nil},
		{"unknown key", TargetController, model.ParameterUpdate{"speed": 1}, "", model.ErrUnknownKey},
		{"invalid value", TargetBattery, model.ParameterUpdate{model.KeyCapacity: -1}, "", model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			err := PublishParameters(pub, cfg, tt.target, tt.update)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
				assert.Zero(t, pub.calls)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.topic, pub.topic)
			var got model.ParameterUpdate
			require.NoError(t, json.Unmarshal(pub.payload, &got))
			assert.Equal(t, tt.update, got)
		})
	}
}

func TestPublishParametersUnknownTarget(t *testing.T) {
	err := PublishParameters(&recordingPublisher{}, config.Default(), "inverter", model.ParameterUpdate{model.KeyThreshold: 1})
	assert.Error(t, err)
}
