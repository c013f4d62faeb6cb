// internal/service/device_service.go
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lrm-service/internal/config"
	"lrm-service/internal/event"
	"lrm-service/internal/utils"
	"lrm-service/pkg/lrm"
)

// Measurement modes reported in events.
const (
	ModeSingle     = "single"
	ModeContinuous = "continuous"
	ModeCache      = "cache"
)

// session binds a pool handle to a stable external ID.
type session struct {
	id        string
	name      string
	handle    lrm.Handle
	createdAt time.Time
	logger    *utils.DeviceLogger
}

// DeviceService handles device session business logic
type DeviceService struct {
	driver *lrm.Driver
	bus    *event.EventBus
	config *config.Config
	logger *utils.ServiceLogger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewDeviceService creates a new device service instance
func NewDeviceService(driver *lrm.Driver, bus *event.EventBus, cfg *config.Config, logger *zap.Logger) *DeviceService {
	return &DeviceService{
		driver:   driver,
		bus:      bus,
		config:   cfg,
		logger:   utils.NewServiceLogger(logger, "device-service"),
		sessions: make(map[string]*session),
	}
}

// CreateSession acquires a pool slot and, when a port is given, connects it.
// A failed connect releases the slot again.
func (ds *DeviceService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*SessionInfo, error) {
	h, err := ds.driver.Acquire()
	if err != nil {
		ds.logger.Warn("Failed to acquire device slot", zap.Error(err))
		return nil, err
	}

	s := &session{
		id:        uuid.NewString(),
		name:      req.Name,
		handle:    h,
		createdAt: time.Now(),
	}
	s.logger = utils.NewDeviceLogger(ds.logger.Logger, s.id, s.name, h.String())

	if req.Port != "" {
		err := ds.driver.Connect(ctx, h, req.Port)
		s.logger.LogConnection("connect", req.Port, err)
		if err != nil {
			if rerr := ds.driver.Release(h); rerr != nil {
				s.logger.Error("Failed to release slot after connect failure", zap.Error(rerr))
			}
			return nil, err
		}
	}

	ds.mu.Lock()
	ds.sessions[s.id] = s
	ds.mu.Unlock()

	ds.publish(event.TypeDeviceAcquired, s, map[string]interface{}{"port": req.Port})
	if req.Port != "" {
		ds.publish(event.TypeDeviceConnected, s, map[string]interface{}{"port": req.Port})
	}
	s.logger.Info("Device session created")

	return ds.info(s)
}

// ListSessions returns every session ordered by creation time.
func (ds *DeviceService) ListSessions() ([]*SessionInfo, error) {
	ds.mu.RLock()
	sessions := make([]*session, 0, len(ds.sessions))
	for _, s := range ds.sessions {
		sessions = append(sessions, s)
	}
	ds.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].createdAt.Before(sessions[j].createdAt)
	})

	infos := make([]*SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info, err := ds.info(s)
		if err != nil {
			// Released concurrently.
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GetSession returns the session with the given ID or name.
func (ds *DeviceService) GetSession(id string) (*SessionInfo, error) {
	s, err := ds.lookup(id)
	if err != nil {
		return nil, err
	}
	return ds.info(s)
}

// ReleaseSession disconnects the device and frees its slot.
func (ds *DeviceService) ReleaseSession(id string) error {
	s, err := ds.lookup(id)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	if _, ok := ds.sessions[s.id]; !ok {
		ds.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, utils.ErrNotFound)
	}
	delete(ds.sessions, s.id)
	ds.mu.Unlock()

	err = ds.driver.Release(s.handle)
	s.logger.LogOperation("release", 0, err)
	ds.publish(event.TypeDeviceReleased, s, nil)
	return err
}

// Connect opens port for the session.
func (ds *DeviceService) Connect(ctx context.Context, id, port string) error {
	s, err := ds.lookup(id)
	if err != nil {
		return err
	}
	err = ds.driver.Connect(ctx, s.handle, port)
	s.logger.LogConnection("connect", port, err)
	if err == nil {
		ds.publish(event.TypeDeviceConnected, s, map[string]interface{}{"port": port})
	}
	return err
}

// Disconnect closes the session's port.
func (ds *DeviceService) Disconnect(id string) error {
	s, err := ds.lookup(id)
	if err != nil {
		return err
	}
	err = ds.driver.Disconnect(s.handle)
	s.logger.LogConnection("disconnect", "", err)
	if err == nil {
		ds.publish(event.TypeDeviceDisconnected, s, nil)
	}
	return err
}

// Configure applies the set fields of req in a fixed order and stops at the
// first failure. The returned list names the fields that were applied.
func (ds *DeviceService) Configure(ctx context.Context, id string, req *ConfigRequest) ([]string, error) {
	s, err := ds.lookup(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	applied, err := ds.applyConfig(ctx, s.handle, req)
	s.logger.LogOperation("configure", time.Since(start), err, zap.Strings("applied", applied))
	if len(applied) > 0 {
		ds.publish(event.TypeDeviceConfigured, s, map[string]interface{}{"applied": applied})
	}
	return applied, err
}

func (ds *DeviceService) applyConfig(ctx context.Context, h lrm.Handle, req *ConfigRequest) ([]string, error) {
	steps := []struct {
		field string
		set   bool
		apply func() error
	}{
		{"address", req.Address != nil, func() error { return ds.driver.SetAddress(ctx, h, *req.Address) }},
		{"range", req.Range != nil, func() error { return ds.driver.SetRange(ctx, h, lrm.Range(*req.Range)) }},
		{"resolution", req.Resolution != nil, func() error { return ds.driver.SetResolution(ctx, h, lrm.Resolution(*req.Resolution)) }},
		{"frequency", req.Frequency != nil, func() error { return ds.driver.SetFrequency(ctx, h, *req.Frequency) }},
		{"interval_ms", req.IntervalMs != nil, func() error { return ds.driver.SetMeasurementInterval(ctx, h, *req.IntervalMs) }},
		{"correction_mm", req.CorrectionMm != nil, func() error { return ds.driver.SetDistanceCorrection(ctx, h, *req.CorrectionMm) }},
		{"start_position", req.StartPosition != nil, func() error {
			p, err := ParseStartPosition(*req.StartPosition)
			if err != nil {
				return err
			}
			return ds.driver.SetStartPosition(ctx, h, p)
		}},
		{"auto_measure", req.AutoMeasure != nil, func() error { return ds.driver.SetAutoMeasurement(ctx, h, *req.AutoMeasure) }},
	}

	var applied []string
	for _, step := range steps {
		if !step.set {
			continue
		}
		if err := step.apply(); err != nil {
			return applied, fmt.Errorf("%s: %w", step.field, err)
		}
		applied = append(applied, step.field)
	}
	return applied, nil
}

// Measure runs a single measurement.
func (ds *DeviceService) Measure(ctx context.Context, id string) (*MeasurementResult, error) {
	return ds.measure(ctx, id, ModeSingle, ds.driver.SingleMeasurement)
}

// ReadCache reads the distance latched by a broadcast measurement.
func (ds *DeviceService) ReadCache(ctx context.Context, id string) (*MeasurementResult, error) {
	return ds.measure(ctx, id, ModeCache, ds.driver.ReadCache)
}

func (ds *DeviceService) measure(ctx context.Context, id, mode string, run func(context.Context, lrm.Handle) (float64, error)) (*MeasurementResult, error) {
	s, err := ds.lookup(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	distance, err := run(ctx, s.handle)
	s.logger.LogOperation(mode+"_measurement", time.Since(start), err)

	// Usage errors never reached the device.
	if err == nil || !utils.IsUsageError(err) {
		ds.publishMeasurement(s, mode, distance, err)
	}
	if err != nil {
		return nil, err
	}
	return &MeasurementResult{SessionID: s.id, Distance: distance, Timestamp: time.Now()}, nil
}

// Broadcast triggers a measurement on every device sharing the bus.
func (ds *DeviceService) Broadcast(ctx context.Context, id string) error {
	return ds.do(id, "broadcast", func(h lrm.Handle) error {
		return ds.driver.BroadcastMeasurement(ctx, h)
	})
}

// SetLaser switches the pointing laser.
func (ds *DeviceService) SetLaser(ctx context.Context, id string, on bool) error {
	return ds.do(id, "laser", func(h lrm.Handle) error {
		if on {
			return ds.driver.LaserOn(ctx, h)
		}
		return ds.driver.LaserOff(ctx, h)
	})
}

// LaserStatus returns the last commanded laser state.
func (ds *DeviceService) LaserStatus(id string) (bool, error) {
	s, err := ds.lookup(id)
	if err != nil {
		return false, err
	}
	return ds.driver.LaserStatus(s.handle)
}

// ShutdownDevice powers the device down.
func (ds *DeviceService) ShutdownDevice(ctx context.Context, id string) error {
	return ds.do(id, "shutdown", func(h lrm.Handle) error {
		return ds.driver.Shutdown(ctx, h)
	})
}

// DeviceID reads the device identifier.
func (ds *DeviceService) DeviceID(ctx context.Context, id string) (string, error) {
	var deviceID string
	err := ds.do(id, "read_device_id", func(h lrm.Handle) error {
		var err error
		deviceID, err = ds.driver.ReadDeviceID(ctx, h)
		return err
	})
	return deviceID, err
}

// StartContinuous starts continuous measurement; every cycle is published
// as a measurement event.
func (ds *DeviceService) StartContinuous(ctx context.Context, id string) error {
	s, err := ds.lookup(id)
	if err != nil {
		return err
	}

	cb := func(_ lrm.Handle, distance float64, err error) {
		ds.publishMeasurement(s, ModeContinuous, distance, err)
	}
	if err := ds.driver.SetMeasurementCallback(s.handle, cb); err != nil {
		return err
	}

	err = ds.driver.StartContinuous(ctx, s.handle)
	s.logger.LogOperation("start_continuous", 0, err)
	if err == nil {
		ds.publish(event.TypeContinuousStarted, s, nil)
	}
	return err
}

// StopContinuous stops continuous measurement.
func (ds *DeviceService) StopContinuous(id string) error {
	s, err := ds.lookup(id)
	if err != nil {
		return err
	}
	err = ds.driver.StopContinuous(s.handle)
	s.logger.LogOperation("stop_continuous", 0, err)
	if err == nil {
		ds.publish(event.TypeContinuousStopped, s, nil)
	}
	return err
}

// LastMeasurement returns the most recent successful distance.
func (ds *DeviceService) LastMeasurement(id string) (*MeasurementResult, error) {
	s, err := ds.lookup(id)
	if err != nil {
		return nil, err
	}
	snap, err := ds.driver.Snapshot(s.handle)
	if err != nil {
		return nil, err
	}
	return &MeasurementResult{SessionID: s.id, Distance: snap.LastDistance, Timestamp: snap.LastMeasurement}, nil
}

// MeasurementError returns the last hardware error of the device.
func (ds *DeviceService) MeasurementError(id string) (*ErrorInfo, error) {
	s, err := ds.lookup(id)
	if err != nil {
		return nil, err
	}
	code, ok, err := ds.driver.MeasurementError(s.handle)
	if err != nil {
		return nil, err
	}
	ascii, err := ds.driver.LastHardwareErrorASCII(s.handle)
	if err != nil {
		return nil, err
	}

	info := &ErrorInfo{SessionID: s.id, ASCII: ascii}
	if ok {
		info.Code = &code
		info.Description = lrm.DescribeHardwareError(code)
	}
	return info, nil
}

// Stats returns the measurement statistics of the session.
func (ds *DeviceService) Stats(id string) (*lrm.Stats, error) {
	s, err := ds.lookup(id)
	if err != nil {
		return nil, err
	}
	stats, err := ds.driver.Stats(s.handle)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ResetStats clears the measurement statistics of the session.
func (ds *DeviceService) ResetStats(id string) error {
	s, err := ds.lookup(id)
	if err != nil {
		return err
	}
	return ds.driver.ResetStats(s.handle)
}

// PoolStatus reports slot usage.
func (ds *DeviceService) PoolStatus() PoolStatus {
	pool := ds.driver.Pool()
	return PoolStatus{Capacity: pool.Capacity(), InUse: pool.InUse()}
}

// Close releases every session.
func (ds *DeviceService) Close() {
	ds.mu.Lock()
	sessions := ds.sessions
	ds.sessions = make(map[string]*session)
	ds.mu.Unlock()

	for _, s := range sessions {
		if err := ds.driver.Release(s.handle); err != nil {
			s.logger.Warn("Failed to release session", zap.Error(err))
		}
		ds.publish(event.TypeDeviceReleased, s, nil)
	}
	ds.logger.Info("All device sessions released", zap.Int("count", len(sessions)))
}

func (ds *DeviceService) do(id, operation string, fn func(h lrm.Handle) error) error {
	s, err := ds.lookup(id)
	if err != nil {
		return err
	}
	start := time.Now()
	err = fn(s.handle)
	s.logger.LogOperation(operation, time.Since(start), err)
	return err
}

func (ds *DeviceService) lookup(id string) (*session, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if s, ok := ds.sessions[id]; ok {
		return s, nil
	}
	for _, s := range ds.sessions {
		if s.name != "" && s.name == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("session %s: %w", id, utils.ErrNotFound)
}

func (ds *DeviceService) info(s *session) (*SessionInfo, error) {
	snap, err := ds.driver.Snapshot(s.handle)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{
		ID:        s.id,
		Name:      s.name,
		CreatedAt: s.createdAt,
		Device:    snap,
	}, nil
}

func (ds *DeviceService) publish(eventType string, s *session, data map[string]interface{}) {
	if ds.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["name"] = s.name
	ds.bus.Publish(event.Event{Type: eventType, Source: s.id, Data: data})
}

func (ds *DeviceService) publishMeasurement(s *session, mode string, distance float64, err error) {
	if ds.bus == nil {
		return
	}
	m := &event.Measurement{
		SessionID: s.id,
		Name:      s.name,
		Mode:      mode,
		Distance:  distance,
		Status:    lrm.StatusCode(err),
		Category:  string(lrm.Classify(err)),
		Timestamp: time.Now(),
	}
	if err != nil {
		m.Error = err.Error()
		if hwErr, ok := asHardwareError(err); ok {
			code := hwErr.Code
			m.HardwareCode = &code
		}
	}
	ds.bus.Publish(event.Event{Type: event.TypeMeasurement, Source: s.id, Measurement: m, Timestamp: m.Timestamp})
}
