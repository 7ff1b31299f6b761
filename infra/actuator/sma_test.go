package actuator

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"

	"github.com/kilianp07/peakshave/core/battery"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/infra/logger"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func putS32(regs []uint16, at uint16, v int32) {
	u := uint32(v)
	regs[at] = uint16(u >> 16)
	regs[at+1] = uint16(u)
}

func fakeInverter(t *testing.T) (*mbserver.Server, string) {
	t.Helper()
	serv := mbserver.NewServer()
	addr := freeAddr(t)
	require.NoError(t, serv.ListenTCP(addr))
	t.Cleanup(serv.Close)
	return serv, addr
}

func TestSMATelemetryAndSetPoint(t *testing.T) {
	serv, addr := fakeInverter(t)
	putS32(serv.InputRegisters, RegisterACPower, -1500)
	putS32(serv.InputRegisters, RegisterSoC, 42)

	sma, err := NewSMA(Config{Address: addr, TimeoutMS: 1000}, logger.NopLogger{})
	require.NoError(t, err)
	defer func() { _ = sma.Close() }()

	tm, err := sma.ReadTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1500.0, tm.PowerW)
	assert.Equal(t, 42.0, tm.SoCPercent)

	require.NoError(t, sma.SetPower(context.Background(), -2500))
	got := int32(uint32(serv.HoldingRegisters[RegisterSetPoint])<<16 | uint32(serv.HoldingRegisters[RegisterSetPoint+1]))
	assert.Equal(t, int32(-2500), got)
}

func TestSMAInvertSignAndRating(t *testing.T) {
	serv, addr := fakeInverter(t)
	putS32(serv.InputRegisters, RegisterACPower, 800)
	putS32(serv.InputRegisters, RegisterSoC, 50)

	sma, err := NewSMA(Config{Address: addr, InvertSign: true, MaxPowerW: 4000}, logger.NopLogger{})
	require.NoError(t, err)
	defer func() { _ = sma.Close() }()

	tm, err := sma.ReadTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -800.0, tm.PowerW)

	require.NoError(t, sma.SetPower(context.Background(), 4000))
	got := int32(uint32(serv.HoldingRegisters[RegisterSetPoint])<<16 | uint32(serv.HoldingRegisters[RegisterSetPoint+1]))
	assert.Equal(t, int32(-4000), got)

	err = sma.SetPower(context.Background(), 6000)
	require.ErrorIs(t, err, ErrRating)
	assert.ErrorIs(t, err, model.ErrValidation)
	got = int32(uint32(serv.HoldingRegisters[RegisterSetPoint])<<16 | uint32(serv.HoldingRegisters[RegisterSetPoint+1]))
	assert.Equal(t, int32(-4000), got)
}

func TestRatingRejectionLeavesModelPowerUntouched(t *testing.T) {
	serv, addr := fakeInverter(t)
	putS32(serv.InputRegisters, RegisterSoC, 50)

	sma, err := NewSMA(Config{Address: addr, MaxPowerW: 2000}, logger.NopLogger{})
	require.NoError(t, err)
	defer func() { _ = sma.Close() }()

	m, err := battery.NewModel(context.Background(), model.DefaultBatteryState(), sma, logger.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, m.ApplyPower(context.Background(), -1.5))
	assert.ErrorIs(t, m.ApplyPower(context.Background(), -3), ErrRating)
	assert.Equal(t, -1.5, m.State().PowerKW)
}

func TestSMAUnavailablePowerAndBadSoC(t *testing.T) {
	serv, addr := fakeInverter(t)
	putS32(serv.InputRegisters, RegisterACPower, nanS32)
	putS32(serv.InputRegisters, RegisterSoC, 250)

	sma, err := NewSMA(Config{Address: addr}, logger.NopLogger{})
	require.NoError(t, err)
	defer func() { _ = sma.Close() }()

	_, err = sma.ReadTelemetry(context.Background())
	assert.Error(t, err)

	putS32(serv.InputRegisters, RegisterSoC, 10)
	tm, err := sma.ReadTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, tm.PowerW)
}

func TestSMAHonoursCancelledContext(t *testing.T) {
	_, addr := fakeInverter(t)
	sma, err := NewSMA(Config{Address: addr}, logger.NopLogger{})
	require.NoError(t, err)
	defer func() { _ = sma.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sma.SetPower(ctx, 0), context.Canceled)
	_, err = sma.ReadTelemetry(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Address: "inverter"}.Validate())
	assert.NoError(t, Config{Address: "192.168.105.20:502"}.Validate())

	_, err := NewSMA(Config{Address: freeAddr(t), TimeoutMS: 50}, logger.NopLogger{})
	assert.Error(t, err)
}
