package forecast

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/peakshave/core/model"
)

// Point joins the measured and predicted load of one step.
type Point struct {
	Time        time.Time
	MeasuredKW  float64
	PredictedKW float64
}

// Series is an ordered replay source.
type Series []Point

// Join keeps the timestamps present in both inputs, ordered by time.
func Join(measured, predicted []model.Sample) Series {
	pred := make(map[int64]float64, len(predicted))
	for _, s := range predicted {
		pred[s.Time.UnixNano()] = s.LoadKW
	}
	out := make(Series, 0, len(measured))
	for _, s := range measured {
		if p, ok := pred[s.Time.UnixNano()]; ok {
			out = append(out, Point{Time: s.Time.UTC(), MeasuredKW: s.LoadKW, PredictedKW: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Window returns up to n points starting at from as measured and predicted
// load windows.
func (s Series) Window(from, n int) (measured, predicted model.ForecastWindow) {
	if from >= len(s) || n <= 0 {
		return nil, nil
	}
	end := from + n
	if end > len(s) {
		end = len(s)
	}
	measured = make(model.ForecastWindow, 0, end-from)
	predicted = make(model.ForecastWindow, 0, end-from)
	for _, p := range s[from:end] {
		measured = append(measured, model.Sample{Time: p.Time, LoadKW: p.MeasuredKW})
		predicted = append(predicted, model.Sample{Time: p.Time, LoadKW: p.PredictedKW})
	}
	return measured, predicted
}

// Validate checks the series is non-empty and regularly spaced.
func (s Series) Validate() error {
	w := make(model.ForecastWindow, len(s))
	for i, p := range s {
		w[i] = model.Sample{Time: p.Time, LoadKW: p.MeasuredKW}
	}
	return w.Validate()
}

// Scenario is a replay file. Predicted may be omitted, in which case the
// measured load doubles as the forecast.
type Scenario struct {
	Start     time.Time     `json:"start" yaml:"start"`
	Step      time.Duration `json:"step" yaml:"step"`
	Measured  []float64     `json:"measured" yaml:"measured"`
	Predicted []float64     `json:"predicted" yaml:"predicted"`
}

// LoadScenario reads a YAML or JSON scenario.
func LoadScenario(path string) (Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}
	var sc Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &sc)
	case ".json":
		err = json.Unmarshal(b, &sc)
	default:
		return Scenario{}, fmt.Errorf("unsupported scenario format: %s", filepath.Ext(path))
	}
	if err != nil {
		return Scenario{}, fmt.Errorf("decode scenario %s: %w", path, err)
	}
	return sc, nil
}

// Series expands the scenario into timestamped points.
func (sc Scenario) Series() (Series, error) {
	if sc.Step <= 0 {
		return nil, fmt.Errorf("%w: scenario step must be > 0", model.ErrValidation)
	}
	if len(sc.Measured) == 0 {
		return nil, fmt.Errorf("%w: scenario has no measured load", model.ErrValidation)
	}
	if len(sc.Predicted) != 0 && len(sc.Predicted) != len(sc.Measured) {
		return nil, fmt.Errorf("%w: %d predicted values for %d measured", model.ErrValidation, len(sc.Predicted), len(sc.Measured))
	}
	out := make(Series, len(sc.Measured))
	for i, m := range sc.Measured {
		p := m
		if len(sc.Predicted) != 0 {
			p = sc.Predicted[i]
		}
		out[i] = Point{Time: sc.Start.UTC().Add(time.Duration(i) * sc.Step), MeasuredKW: m, PredictedKW: p}
	}
	return out, nil
}
