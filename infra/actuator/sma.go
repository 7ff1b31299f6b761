// Package actuator drives a battery inverter over Modbus TCP.
package actuator

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/kilianp07/peakshave/core/battery"
	"github.com/kilianp07/peakshave/core/logger"
	"github.com/kilianp07/peakshave/core/model"
)

// ErrRating is returned for set points beyond the inverter rating. Nothing is
// written to the inverter.
var ErrRating = fmt.Errorf("%w: set point beyond inverter rating", model.ErrValidation)

// Default SMA Sunny Island register map.
const (
	RegisterACPower  uint16 = 30775 // input, S32, W
	RegisterSoC      uint16 = 30845 // input, U32, %
	RegisterSetPoint uint16 = 40149 // holding, S32, W
)

// nanS32 is the SMA marker for an unavailable signed value.
const nanS32 = int32(math.MinInt32)

// Config addresses one inverter.
type Config struct {
	Address   string `json:"address"`
	SlaveID   byte   `json:"slave_id"`
	TimeoutMS int    `json:"timeout_ms"`
	// InvertSign is set when the inverter reports and accepts positive power
	// as discharge.
	InvertSign bool `json:"invert_sign"`
	// MaxPowerW is the inverter rating. Larger set points are rejected. Zero
	// disables the check.
	MaxPowerW float64 `json:"max_power_w"`
}

// Validate checks the address.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("actuator address is required")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("invalid actuator address %q: %w", c.Address, err)
	}
	return nil
}

// SMA implements battery.Actuator.
type SMA struct {
	cfg     Config
	handler *modbus.TCPClientHandler
	client  modbus.Client
	log     logger.Logger

	mu sync.Mutex
}

var _ battery.Actuator = (*SMA)(nil)

// NewSMA connects to the inverter.
func NewSMA(cfg Config, log logger.Logger) (*SMA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SlaveID == 0 {
		cfg.SlaveID = 3
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 2000
	}
	h := modbus.NewTCPClientHandler(cfg.Address)
	h.SlaveId = cfg.SlaveID
	h.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("connect inverter %s: %w", cfg.Address, err)
	}
	return &SMA{cfg: cfg, handler: h, client: modbus.NewClient(h), log: log}, nil
}

// ReadTelemetry reads the AC power and the state of charge.
func (s *SMA) ReadTelemetry(ctx context.Context) (battery.Telemetry, error) {
	if err := ctx.Err(); err != nil {
		return battery.Telemetry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.client.ReadInputRegisters(RegisterACPower, 2)
	if err != nil {
		return battery.Telemetry{}, fmt.Errorf("read ac power: %w", err)
	}
	p := int32(binary.BigEndian.Uint32(raw))
	if p == nanS32 {
		p = 0
	}
	raw, err = s.client.ReadInputRegisters(RegisterSoC, 2)
	if err != nil {
		return battery.Telemetry{}, fmt.Errorf("read soc: %w", err)
	}
	soc := binary.BigEndian.Uint32(raw)
	if soc > 100 {
		return battery.Telemetry{}, fmt.Errorf("soc register out of range: %d", soc)
	}
	return battery.Telemetry{PowerW: s.toModel(float64(p)), SoCPercent: float64(soc)}, nil
}

// SetPower writes the set point in watts, model convention.
func (s *SMA) SetPower(ctx context.Context, watts float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cfg.MaxPowerW > 0 && math.Abs(watts) > s.cfg.MaxPowerW {
		return fmt.Errorf("%w: %.0f W exceeds %.0f W", ErrRating, watts, s.cfg.MaxPowerW)
	}
	v := int32(math.Round(s.toModel(watts)))
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.client.WriteMultipleRegisters(RegisterSetPoint, 2, buf); err != nil {
		return fmt.Errorf("write set point: %w", err)
	}
	s.log.Debugf("inverter set point %d W", v)
	return nil
}

// Close closes the TCP connection.
func (s *SMA) Close() error {
	return s.handler.Close()
}

// toModel converts between the inverter and model conventions. The mapping is
// its own inverse.
func (s *SMA) toModel(w float64) float64 {
	if s.cfg.InvertSign {
		return -w
	}
	return w
}
