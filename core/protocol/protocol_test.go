package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/peakshave/core/model"
)

func TestNewTopics(t *testing.T) {
	topics, err := NewTopics(Identifiers{Sensor: "gebouw", Phase: "l1", BatteryID: "1", ControlID: "2"})
	require.NoError(t, err)
	checks := []struct {
		got, want string
	}{
		{topics.Forecast, "forecast/active_power/gebouw_l1"},
		{topics.Sensor, "sensor/active_power/gebouw_l1"},
		{topics.BatteryStatus, "battery/battery_settings/battery_1"},
		{topics.BatteryParams, "user/battery/set_battery_parameters/battery_1"},
		{topics.BatteryCommand, "controller/set_power_battery/battery_1"},
		{topics.Results, "controller/optimizer_results/control_2"},
		{topics.ControlParams, "user/controller/control_settings/control_2"},
		{topics.Stop, "forecast/stop_simulation_command"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("got %s want %s", c.got, c.want)
		}
	}
}

func TestTopicsArePerInstance(t *testing.T) {
	a, err := NewTopics(Identifiers{Sensor: "s", Phase: "l1", BatteryID: "1", ControlID: "1"})
	require.NoError(t, err)
	b, err := NewTopics(Identifiers{Sensor: "s", Phase: "l2", BatteryID: "2", ControlID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "battery/battery_settings/battery_1", a.BatteryStatus)
	assert.Equal(t, "battery/battery_settings/battery_2", b.BatteryStatus)
	assert.Equal(t, "forecast/active_power/s_l1", a.Forecast)
}

func TestNewTopicsRejectsBadIdentifiers(t *testing.T) {
	_, err := NewTopics(Identifiers{Sensor: "s", Phase: "l1", BatteryID: "", ControlID: "1"})
	assert.Error(t, err)
	_, err = NewTopics(Identifiers{Sensor: "s/x", Phase: "l1", BatteryID: "1", ControlID: "1"})
	assert.Error(t, err)
	_, err = NewTopics(Identifiers{Sensor: "s", Phase: "+", BatteryID: "1", ControlID: "1"})
	assert.Error(t, err)
}

func TestEmptyAndMalformedPayloads(t *testing.T) {
	for _, p := range [][]byte{nil, []byte(""), []byte("  \n")} {
		_, err := DecodeStatus(p)
		assert.ErrorIs(t, err, ErrEmptyPayload)
		_, err = DecodeCommand(p)
		assert.ErrorIs(t, err, ErrEmptyPayload)
		_, err = DecodeUpdate(p)
		assert.ErrorIs(t, err, ErrEmptyPayload)
	}
	_, err := DecodeUpdate([]byte("{}"))
	assert.ErrorIs(t, err, ErrEmptyPayload)
	_, err = DecodeForecast([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeUpdate([]byte(`{"p_net_threshold":"high"}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeSolution([]byte("null"))
	assert.ErrorIs(t, err, ErrMessage)
}

func TestStatusWireFormat(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := EncodeStatus(model.DefaultBatteryState(), at)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pb_nom":15,"pb_discharge_max":4,"pb_charge_max":6,"delta_t":0.25,
		"soc_min":0.1,"soc_max":0.9,"efficiency":1,"soc_ini":0.5,"pb_actual_power":0,
		"online":false,"timestamp":"2024-03-01T12:00:00Z"}`, string(b))

	st, err := DecodeStatus(b)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultBatteryState(), st.BatteryState)
	assert.True(t, st.Timestamp.Equal(at))
}

func TestCommandWireFormat(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := EncodeCommand(model.CommandBatch{{Time: at, BatteryKW: -1.5}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"datetimeFC":"2024-03-01T12:00:00Z","p_battery":-1.5}]`, string(b))
}

func TestDecodeForecast(t *testing.T) {
	w, err := DecodeForecast([]byte(`[{"datetimeFC":"2024-03-01T12:00:00Z","value":5},
		{"datetimeFC":"2024-03-01T12:15:00+00:00","value":6}]`))
	require.NoError(t, err)
	require.Len(t, w, 2)
	assert.Equal(t, 15*time.Minute, w.Step())
	assert.Equal(t, 6.0, w[1].LoadKW)
}

func TestStopAndUpdateEncoding(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := EncodeStop(at)
	require.NoError(t, err)
	s, err := DecodeStop(b)
	require.NoError(t, err)
	assert.True(t, s.Stop)

	_, err = EncodeUpdate(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)
	b, err = EncodeUpdate(model.ParameterUpdate{model.KeyThreshold: 4.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p_net_threshold":4.5}`, string(b))
}
