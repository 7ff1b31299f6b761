package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/peakshave/core/model"
)

var (
	// ErrMessage is the root of every transport level rejection.
	ErrMessage = errors.New("message error")
	// ErrEmptyPayload is returned for empty payloads, which are a no-op.
	ErrEmptyPayload = fmt.Errorf("%w: empty payload", ErrMessage)
	// ErrMalformed is returned when a payload cannot be decoded.
	ErrMalformed = fmt.Errorf("%w: malformed payload", ErrMessage)
)

// Status is the battery status broadcast: a full snapshot plus the time it was
// taken.
type Status struct {
	model.BatteryState
	Timestamp time.Time `json:"timestamp"`
}

// Stop is the simulation stop sentinel.
type Stop struct {
	Stop      bool      `json:"stop"`
	Timestamp time.Time `json:"timestamp"`
}

func decode(payload []byte, out any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return ErrEmptyPayload
	}
	if bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return fmt.Errorf("%w: null", ErrMalformed)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeStatus serialises a battery snapshot.
func EncodeStatus(s model.BatteryState, at time.Time) ([]byte, error) {
	return json.Marshal(Status{BatteryState: s, Timestamp: at.UTC()})
}

// DecodeStatus parses a battery snapshot.
func DecodeStatus(payload []byte) (Status, error) {
	var s Status
	err := decode(payload, &s)
	return s, err
}

// EncodeCommand serialises the set point series of a plan.
func EncodeCommand(c model.CommandBatch) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses a set point series.
func DecodeCommand(payload []byte) (model.CommandBatch, error) {
	var c model.CommandBatch
	err := decode(payload, &c)
	return c, err
}

// EncodeSolution serialises a full dispatch solution.
func EncodeSolution(s model.DispatchSolution) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSolution parses a full dispatch solution.
func DecodeSolution(payload []byte) (model.DispatchSolution, error) {
	var s model.DispatchSolution
	err := decode(payload, &s)
	return s, err
}

// EncodeForecast serialises a load window. Sensor windows share the format.
func EncodeForecast(w model.ForecastWindow) ([]byte, error) {
	return json.Marshal(w)
}

// DecodeForecast parses a load window.
func DecodeForecast(payload []byte) (model.ForecastWindow, error) {
	var w model.ForecastWindow
	err := decode(payload, &w)
	return w, err
}

// DecodeUpdate parses a partial parameter update.
func DecodeUpdate(payload []byte) (model.ParameterUpdate, error) {
	var u model.ParameterUpdate
	if err := decode(payload, &u); err != nil {
		return nil, err
	}
	if len(u) == 0 {
		return nil, ErrEmptyPayload
	}
	return u, nil
}

// EncodeStop serialises the stop sentinel.
func EncodeStop(at time.Time) ([]byte, error) {
	return json.Marshal(Stop{Stop: true, Timestamp: at.UTC()})
}

// DecodeStop parses the stop sentinel.
func DecodeStop(payload []byte) (Stop, error) {
	var s Stop
	err := decode(payload, &s)
	return s, err
}

// EncodeUpdate serialises a partial parameter update.
func EncodeUpdate(u model.ParameterUpdate) ([]byte, error) {
	if len(u) == 0 {
		return nil, ErrEmptyPayload
	}
	return json.Marshal(u)
}

// ErrStale is returned for messages older than the state already applied.
var ErrStale = fmt.Errorf("%w: stale message", ErrMessage)
