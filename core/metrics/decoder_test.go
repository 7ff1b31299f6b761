package metrics_test

import (
	"testing"

	"gopkg.in/yaml.v3"

	metrics "github.com/kilianp07/peakshave/core/metrics"
	_ "github.com/kilianp07/peakshave/infra/metrics"
)

// Test decoding from YAML with multiple sinks.
func TestMetricsConfigDecodeYAML(t *testing.T) {
	data := `sinks:
  - type: nop
  - type: nop
prometheus_port: "9100"
`
	var cfg struct {
		Sinks []struct {
			Type string `yaml:"type"`
		} `yaml:"sinks"`
		PrometheusPort string `yaml:"prometheus_port"`
	}
	if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
		t.Fatalf("yaml unmarshal: %v", err)
	}
	var mc metrics.Config
	mc.PrometheusPort = cfg.PrometheusPort
	for _, s := range cfg.Sinks {
		mc.Sinks = append(mc.Sinks, factoryConfig(s.Type))
	}
	s, err := metrics.NewMetricsSink(mc.Sinks)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := s.(*metrics.MultiSink); !ok {
		t.Fatalf("expected MultiSink")
	}
	if mc.PrometheusPort != "9100" {
		t.Fatalf("port not decoded: %q", mc.PrometheusPort)
	}
}
