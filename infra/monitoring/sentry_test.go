package monitoring

import (
	"errors"
	"testing"

	"github.com/kilianp07/peakshave/config"
	coremon "github.com/kilianp07/peakshave/core/monitoring"
)

func TestNewSentryMonitorWithoutDSN(t *testing.T) {
	m, err := NewSentryMonitor(config.SentryConfig{}, "controller")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.(coremon.NopMonitor); !ok {
		t.Fatalf("expected NopMonitor, got %T", m)
	}
}

func TestNewSentryMonitorInvalidDSN(t *testing.T) {
	if _, err := NewSentryMonitor(config.SentryConfig{DSN: "::not a dsn"}, "controller"); err == nil {
		t.Fatal("expected dsn error")
	}
}

func TestSentryMonitorCapture(t *testing.T) {
	m, err := NewSentryMonitor(config.SentryConfig{DSN: "https://public@127.0.0.1:1/1", Environment: "test"}, "battery")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	m.CaptureException(errors.New("actuator offline"), map[string]string{"battery": "1"})
	m.CaptureException(nil, nil)
	m.Flush(0)
}
