package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lrm-service/internal/config"
	"lrm-service/internal/event"
	"lrm-service/internal/utils"
	"lrm-service/pkg/lrm"
)

// stubTransport answers every measurement request with the next queued
// distance and records written frames.
type stubTransport struct {
	mu      sync.Mutex
	writes  [][]byte
	replies chan []byte
}

func newStubTransport() *stubTransport {
	return &stubTransport{replies: make(chan []byte, 32)}
}

func (s *stubTransport) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	select {
	case r := <-s.replies:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (s *stubTransport) Close() error { return nil }

func (s *stubTransport) reply(addr byte, ascii string) {
	s.replies <- lrm.Frame{Address: addr, Command: lrm.CmdMeasure, Payload: append([]byte{lrm.RespSingle}, ascii...)}.Bytes()
}

type harness struct {
	svc        *DeviceService
	bus        *event.EventBus
	mu         sync.Mutex
	transports map[string]*stubTransport
	failPorts  map[string]bool
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}

	h := &harness{transports: make(map[string]*stubTransport), failPorts: make(map[string]bool)}
	opener := lrm.OpenerFunc(func(ctx context.Context, name string) (lrm.Transport, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.failPorts[name] {
			return nil, errors.New("no such device")
		}
		tr := newStubTransport()
		h.transports[name] = tr
		return tr, nil
	})

	logger := zaptest.NewLogger(t)
	driver := lrm.NewDriver(lrm.NewPool(2, logger), opener, lrm.WithLogger(logger), lrm.WithPollInterval(time.Millisecond))
	h.bus = event.NewEventBus(logger)
	go h.bus.Start()
	t.Cleanup(h.bus.Stop)

	h.svc = NewDeviceService(driver, h.bus, cfg, logger)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) transport(port string) *stubTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[port]
}

func nextEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return event.Event{}
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	events := h.bus.Subscribe(event.All)

	info, err := h.svc.CreateSession(ctx, &CreateSessionRequest{Name: "left", Port: "/dev/ttyUSB0"})
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.True(t, info.Device.Connected)
	assert.Equal(t, "/dev/ttyUSB0", info.Device.Port)

	assert.Equal(t, event.TypeDeviceAcquired, nextEvent(t, events).Type)
	assert.Equal(t, event.TypeDeviceConnected, nextEvent(t, events).Type)

	byName, err := h.svc.GetSession("left")
	require.NoError(t, err)
	assert.Equal(t, info.ID, byName.ID)

	list, err := h.svc.ListSessions()
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, PoolStatus{Capacity: 2, InUse: 1}, h.svc.PoolStatus())

	require.NoError(t, h.svc.ReleaseSession(info.ID))
	assert.Equal(t, event.TypeDeviceReleased, nextEvent(t, events).Type)

	_, err = h.svc.GetSession(info.ID)
	assert.ErrorIs(t, err, utils.ErrNotFound)
	assert.ErrorIs(t, h.svc.ReleaseSession(info.ID), utils.ErrNotFound)
	assert.Zero(t, h.svc.PoolStatus().InUse)
}

func TestCreateSessionConnectFailureReleasesSlot(t *testing.T) {
	h := newHarness(t, nil)
	h.failPorts["/dev/ttyUSB9"] = true

	_, err := h.svc.CreateSession(context.Background(), &CreateSessionRequest{Port: "/dev/ttyUSB9"})
	require.ErrorIs(t, err, lrm.ErrCommunication)
	assert.Zero(t, h.svc.PoolStatus().InUse)
}

func TestCreateSessionPoolExhausted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.svc.CreateSession(ctx, &CreateSessionRequest{})
		require.NoError(t, err)
	}
	_, err := h.svc.CreateSession(ctx, &CreateSessionRequest{})
	assert.ErrorIs(t, err, lrm.ErrPoolExhausted)
}

func TestMeasurePublishesEvent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	measurements := h.bus.Subscribe(event.TypeMeasurement)

	info, err := h.svc.CreateSession(ctx, &CreateSessionRequest{Name: "m", Port: "/dev/ttyUSB0"})
	require.NoError(t, err)

	h.transport("/dev/ttyUSB0").reply(0x80, "050.123")
	result, err := h.svc.Measure(ctx, info.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50.123, result.Distance, 1e-9)

	e := nextEvent(t, measurements)
	require.NotNil(t, e.Measurement)
	assert.Equal(t, ModeSingle, e.Measurement.Mode)
	assert.True(t, e.Measurement.OK())
	assert.InDelta(t, 50.123, e.Measurement.Distance, 1e-9)

	h.transport("/dev/ttyUSB0").reply(0x80, "ERR-15")
	_, err = h.svc.Measure(ctx, info.ID)
	require.ErrorIs(t, err, lrm.ErrMeasurement)

	e = nextEvent(t, measurements)
	assert.Equal(t, lrm.StatusMeasurementError, e.Measurement.Status)
	require.NotNil(t, e.Measurement.HardwareCode)
	assert.Equal(t, 15, *e.Measurement.HardwareCode)

	errInfo, err := h.svc.MeasurementError(info.ID)
	require.NoError(t, err)
	require.NotNil(t, errInfo.Code)
	assert.Equal(t, 15, *errInfo.Code)
	assert.Equal(t, "ERR-15", errInfo.ASCII)
	assert.Equal(t, "out of range", errInfo.Description)

	last, err := h.svc.LastMeasurement(info.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50.123, last.Distance, 1e-9)

	stats, err := h.svc.Stats(info.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalSamples)
	require.NoError(t, h.svc.ResetStats(info.ID))
}

func TestConfigureStopsAtFirstError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	info, err := h.svc.CreateSession(ctx, &CreateSessionRequest{Port: "/dev/ttyUSB0"})
	require.NoError(t, err)

	rng, freq, badRes, pos := 30, 10, 7, "top"
	applied, err := h.svc.Configure(ctx, info.ID, &ConfigRequest{
		Range:         &rng,
		Resolution:    &badRes,
		Frequency:     &freq,
		StartPosition: &pos,
	})
	require.ErrorIs(t, err, lrm.ErrInvalidParameter)
	assert.ErrorContains(t, err, "resolution")
	assert.Equal(t, []string{"range"}, applied)

	got, err := h.svc.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, lrm.Range30m, got.Device.Range)
	assert.Equal(t, 5, got.Device.FrequencyHz, "later fields are not applied")

	badPos := "middle"
	_, err = h.svc.Configure(ctx, info.ID, &ConfigRequest{StartPosition: &badPos})
	assert.ErrorIs(t, err, lrm.ErrInvalidParameter)
}

func TestContinuousPublishesMeasurements(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	measurements := h.bus.Subscribe(event.TypeMeasurement)

	info, err := h.svc.CreateSession(ctx, &CreateSessionRequest{Port: "/dev/ttyUSB0"})
	require.NoError(t, err)
	require.NoError(t, h.svc.StartContinuous(ctx, info.ID))

	h.transport("/dev/ttyUSB0").reply(0x80, "007.250")
	for {
		e := nextEvent(t, measurements)
		require.Equal(t, ModeContinuous, e.Measurement.Mode)
		if e.Measurement.OK() {
			assert.InDelta(t, 7.25, e.Measurement.Distance, 1e-9)
			break
		}
		assert.Equal(t, lrm.StatusTimeout, e.Measurement.Status)
	}

	_, err = h.svc.Measure(ctx, info.ID)
	assert.ErrorIs(t, err, lrm.ErrInvalidParameter)

	require.NoError(t, h.svc.StopContinuous(info.ID))
	got, err := h.svc.GetSession(info.ID)
	require.NoError(t, err)
	assert.False(t, got.Device.Continuous)
}

func TestProvision(t *testing.T) {
	addr := 0x80
	cfg := &config.Config{Devices: []config.DeviceProvision{
		{Name: "front", Port: "/dev/ttyUSB0", Address: &addr, Range: 50, Frequency: 20, StartPosition: "top", AutoConnect: true, Continuous: true},
		{Name: "spare", Port: "/dev/ttyUSB1"},
		{Name: "broken", Port: "/dev/ttyUSB9", AutoConnect: true},
	}}
	h := newHarness(t, cfg)
	h.failPorts["/dev/ttyUSB9"] = true

	n := h.svc.Provision(context.Background())
	assert.Equal(t, 2, n)

	front, err := h.svc.GetSession("front")
	require.NoError(t, err)
	assert.True(t, front.Device.Connected)
	assert.True(t, front.Device.Continuous)
	assert.Equal(t, lrm.Range50m, front.Device.Range)
	assert.Equal(t, 20, front.Device.FrequencyHz)

	spare, err := h.svc.GetSession("spare")
	require.NoError(t, err)
	assert.False(t, spare.Device.Connected)

	_, err = h.svc.GetSession("broken")
	assert.ErrorIs(t, err, utils.ErrNotFound)

	h.svc.Close()
	assert.Zero(t, h.svc.PoolStatus().InUse)
}
