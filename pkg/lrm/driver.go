// pkg/lrm/driver.go
package lrm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is the pause between continuous read cycles.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultMaxFrame bounds a single response read.
	DefaultMaxFrame = 64
)

// Driver runs protocol transactions against the devices of a Pool.
//
// Every operation validates the handle first, then its arguments, then
// requires a live transport. Synchronous transactions hold the device lock
// from the write to the parsed reply, so operations on one device never
// interleave while operations on different devices never contend.
type Driver struct {
	pool         *Pool
	opener       Opener
	logger       *zap.Logger
	pollInterval time.Duration
	maxFrame     int
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(logger *zap.Logger) Option {
	return func(dr *Driver) {
		if logger != nil {
			dr.logger = logger
		}
	}
}

// WithPollInterval sets the pause between continuous read cycles.
func WithPollInterval(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.pollInterval = d
		}
	}
}

// WithMaxFrame sets the read buffer size for one response.
func WithMaxFrame(n int) Option {
	return func(dr *Driver) {
		if n >= errorFrameLen {
			dr.maxFrame = n
		}
	}
}

// NewDriver creates a driver over pool, opening transports with opener. A
// nil pool selects DefaultPool.
func NewDriver(pool *Pool, opener Opener, opts ...Option) *Driver {
	if pool == nil {
		pool = DefaultPool()
	}
	dr := &Driver{
		pool:         pool,
		opener:       opener,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
		maxFrame:     DefaultMaxFrame,
	}
	for _, opt := range opts {
		opt(dr)
	}
	dr.logger = dr.logger.With(zap.String("component", "lrm-driver"))
	return dr
}

// Pool returns the underlying pool.
func (dr *Driver) Pool() *Pool {
	return dr.pool
}

// Acquire claims a device slot.
func (dr *Driver) Acquire() (Handle, error) {
	return dr.pool.Acquire()
}

// Release disconnects h if needed and frees its slot.
func (dr *Driver) Release(h Handle) error {
	return dr.pool.Release(h)
}

// Connect opens the named transport for h.
func (dr *Driver) Connect(ctx context.Context, h Handle, port string) error {
	if err := dr.pool.Validate(h); err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return fmt.Errorf("%w: empty port name", ErrInvalidParameter)
	}
	if dr.opener == nil {
		return fmt.Errorf("%w: no transport opener configured", ErrNotConnected)
	}

	return dr.withDevice(h, func(d *device) error {
		if d.connected {
			return fmt.Errorf("%w: already connected to %s", ErrInvalidParameter, d.port)
		}
		t, err := dr.opener.Open(ctx, port)
		if err != nil {
			return linkError("open "+port, err)
		}
		d.transport = t
		d.port = port
		d.connected = true
		d.connectedAt = time.Now()

		dr.logger.Info("Device connected",
			zap.Stringer("handle", h),
			zap.String("port", port),
		)
		return nil
	})
}

// Disconnect stops continuous measurement and closes the transport.
// Disconnecting an idle handle succeeds.
func (dr *Driver) Disconnect(h Handle) error {
	return dr.withDevice(h, func(d *device) error {
		wasConnected, port := d.connected, d.port
		if err := d.disconnectLocked(); err != nil {
			return linkError("close "+port, err)
		}
		if wasConnected {
			dr.logger.Info("Device disconnected",
				zap.Stringer("handle", h),
				zap.String("port", port),
			)
		}
		return nil
	})
}

// IsConnected reports whether h has a live transport.
func (dr *Driver) IsConnected(h Handle) (bool, error) {
	var connected bool
	err := dr.withDevice(h, func(d *device) error {
		connected = d.connected
		return nil
	})
	return connected, err
}

// SetAddress changes the protocol address of the device (0-255).
func (dr *Driver) SetAddress(ctx context.Context, h Handle, address int) error {
	if err := dr.pool.Validate(h); err != nil {
		return err
	}
	if address < 0 || address > 0xFF {
		return fmt.Errorf("%w: address %d out of [0, 255]", ErrInvalidParameter, address)
	}
	return dr.configure(ctx, h, BuildSetAddress(byte(address)), func(d *device) {
		d.address = byte(address)
	})
}

// SetRange selects the measuring range.
func (dr *Driver) SetRange(ctx context.Context, h Handle, r Range) error {
	return dr.configureChecked(ctx, h, func() ([]byte, error) { return BuildSetRange(r) }, func(d *device) {
		d.rangeM = r
	})
}

// SetResolution selects 1 mm or 0.1 mm resolution.
func (dr *Driver) SetResolution(ctx context.Context, h Handle, res Resolution) error {
	return dr.configureChecked(ctx, h, func() ([]byte, error) { return BuildSetResolution(res) }, func(d *device) {
		d.resolution = res
	})
}

// SetFrequency selects the measuring frequency in Hz.
func (dr *Driver) SetFrequency(ctx context.Context, h Handle, hz int) error {
	return dr.configureChecked(ctx, h, func() ([]byte, error) { return BuildSetFrequency(hz) }, func(d *device) {
		d.frequencyHz = hz
	})
}

// SetMeasurementInterval sets the output interval: 0 or at least 1000 ms.
func (dr *Driver) SetMeasurementInterval(ctx context.Context, h Handle, ms int) error {
	return dr.configureChecked(ctx, h, func() ([]byte, error) { return BuildSetInterval(ms) }, nil)
}

// SetDistanceCorrection applies a signed offset of up to 255 mm.
func (dr *Driver) SetDistanceCorrection(ctx context.Context, h Handle, mm int) error {
	return dr.configureChecked(ctx, h, func() ([]byte, error) { return BuildDistanceCorrection(mm) }, nil)
}

// SetStartPosition selects the reference edge.
func (dr *Driver) SetStartPosition(ctx context.Context, h Handle, p StartPosition) error {
	return dr.configureChecked(ctx, h, func() ([]byte, error) { return BuildSetStartPosition(p) }, nil)
}

// SetAutoMeasurement toggles measuring on power up.
func (dr *Driver) SetAutoMeasurement(ctx context.Context, h Handle, enable bool) error {
	if err := dr.pool.Validate(h); err != nil {
		return err
	}
	return dr.configure(ctx, h, BuildSetAutoMeasurement(enable), nil)
}

// LaserOn switches the pointing laser on.
func (dr *Driver) LaserOn(ctx context.Context, h Handle) error {
	return dr.setLaser(ctx, h, true)
}

// LaserOff switches the pointing laser off.
func (dr *Driver) LaserOff(ctx context.Context, h Handle) error {
	return dr.setLaser(ctx, h, false)
}

// LaserStatus returns the state of the last successful laser command.
func (dr *Driver) LaserStatus(h Handle) (bool, error) {
	var on bool
	err := dr.withConnected(h, func(d *device) error {
		on = d.laserOn
		return nil
	})
	return on, err
}

func (dr *Driver) setLaser(ctx context.Context, h Handle, on bool) error {
	return dr.withConnected(h, func(d *device) error {
		if err := dr.send(ctx, d, BuildLaser(d.address, on)); err != nil {
			return err
		}
		d.laserOn = on
		return nil
	})
}

// BroadcastMeasurement triggers a measurement on every device on the bus.
// Devices answer nothing; results are fetched with ReadCache.
func (dr *Driver) BroadcastMeasurement(ctx context.Context, h Handle) error {
	return dr.withConnected(h, func(d *device) error {
		return dr.send(ctx, d, BuildBroadcastMeasurement())
	})
}

// SingleMeasurement triggers one measurement and returns the distance in
// meters.
func (dr *Driver) SingleMeasurement(ctx context.Context, h Handle) (float64, error) {
	return dr.measure(ctx, h, func(addr byte) []byte { return BuildSingleMeasurement(addr) })
}

// ReadCache returns the distance cached by a previous broadcast measurement.
func (dr *Driver) ReadCache(ctx context.Context, h Handle) (float64, error) {
	return dr.measure(ctx, h, func(addr byte) []byte { return BuildReadCache(addr) })
}

func (dr *Driver) measure(ctx context.Context, h Handle, build func(addr byte) []byte) (float64, error) {
	var distance float64
	err := dr.withIdle(h, func(d *device) error {
		raw, err := dr.transact(ctx, d, build(d.address))
		if err == nil {
			distance, err = DecodeMeasurement(d.address, raw)
		}
		d.recordResult(distance, err)
		if err != nil {
			distance = 0
		}
		return err
	})
	return distance, err
}

// ReadDeviceID returns the device identifier string.
func (dr *Driver) ReadDeviceID(ctx context.Context, h Handle) (string, error) {
	var id string
	err := dr.withIdle(h, func(d *device) error {
		raw, err := dr.transact(ctx, d, BuildReadDeviceID())
		if err != nil {
			return err
		}
		id, err = ParseDeviceID(raw)
		return err
	})
	return id, err
}

// ReadDeviceIDInto copies the device identifier into buf and returns its
// length. A buf too small for the identifier is ErrInvalidParameter.
func (dr *Driver) ReadDeviceIDInto(ctx context.Context, h Handle, buf []byte) (int, error) {
	if err := dr.pool.Validate(h); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalidParameter)
	}
	id, err := dr.ReadDeviceID(ctx, h)
	if err != nil {
		return 0, err
	}
	if len(id) > len(buf) {
		return 0, fmt.Errorf("%w: buffer of %d bytes too small for %d byte id", ErrInvalidParameter, len(buf), len(id))
	}
	return copy(buf, id), nil
}

// Shutdown powers the device down and waits for its acknowledgement.
func (dr *Driver) Shutdown(ctx context.Context, h Handle) error {
	return dr.withIdle(h, func(d *device) error {
		raw, err := dr.transact(ctx, d, BuildShutdown(d.address))
		if err != nil {
			return err
		}
		return ParseShutdownAck(d.address, raw)
	})
}

// LastMeasurement returns the most recent successfully parsed distance.
func (dr *Driver) LastMeasurement(h Handle) (float64, error) {
	var distance float64
	err := dr.withDevice(h, func(d *device) error {
		distance = d.lastDistance
		return nil
	})
	return distance, err
}

// MeasurementError returns the code of the last hardware error frame; ok is
// false when no hardware error is stored.
func (dr *Driver) MeasurementError(h Handle) (code int, ok bool, err error) {
	err = dr.withDevice(h, func(d *device) error {
		if d.lastErrCode != nil {
			code, ok = *d.lastErrCode, true
		}
		return nil
	})
	return code, ok, err
}

// LastHardwareErrorASCII returns the raw "ERR-XX" text of the last hardware
// error frame, or "" when none is stored.
func (dr *Driver) LastHardwareErrorASCII(h Handle) (string, error) {
	var ascii string
	err := dr.withDevice(h, func(d *device) error {
		ascii = d.lastErrASCII
		return nil
	})
	return ascii, err
}

// Snapshot returns a copy of the device record.
func (dr *Driver) Snapshot(h Handle) (Snapshot, error) {
	var s Snapshot
	err := dr.withDevice(h, func(d *device) error {
		s = d.snapshot()
		return nil
	})
	return s, err
}

// Stats returns the measurement statistics of h.
func (dr *Driver) Stats(h Handle) (Stats, error) {
	var s Stats
	err := dr.withDevice(h, func(d *device) error {
		s = d.stats.snapshot()
		return nil
	})
	return s, err
}

// ResetStats clears the measurement statistics of h.
func (dr *Driver) ResetStats(h Handle) error {
	return dr.withDevice(h, func(d *device) error {
		d.stats.reset()
		return nil
	})
}

func (dr *Driver) configureChecked(ctx context.Context, h Handle, build func() ([]byte, error), apply func(d *device)) error {
	if err := dr.pool.Validate(h); err != nil {
		return err
	}
	frame, err := build()
	if err != nil {
		return err
	}
	return dr.configure(ctx, h, frame, apply)
}

// configure sends a write-only configuration frame and applies the state
// change once the frame is fully written.
func (dr *Driver) configure(ctx context.Context, h Handle, frame []byte, apply func(d *device)) error {
	return dr.withConnected(h, func(d *device) error {
		if err := dr.send(ctx, d, frame); err != nil {
			return err
		}
		if apply != nil {
			apply(d)
		}
		return nil
	})
}

func (dr *Driver) withDevice(h Handle, fn func(d *device) error) error {
	d, err := dr.pool.lockDevice(h)
	if err != nil {
		return err
	}
	defer d.mu.Unlock()
	return fn(d)
}

func (dr *Driver) withConnected(h Handle, fn func(d *device) error) error {
	return dr.withDevice(h, func(d *device) error {
		if !d.connected {
			return fmt.Errorf("%w: %s", ErrNotConnected, h)
		}
		return fn(d)
	})
}

// withIdle is withConnected for transactions that read a reply, which the
// continuous worker would otherwise race for.
func (dr *Driver) withIdle(h Handle, fn func(d *device) error) error {
	return dr.withConnected(h, func(d *device) error {
		if d.workerDone != nil {
			return fmt.Errorf("%w: continuous measurement running", ErrInvalidParameter)
		}
		return fn(d)
	})
}

func (dr *Driver) send(ctx context.Context, d *device, frame []byte) error {
	dr.logger.Debug("TX", zap.Int("slot", d.index), zap.Binary("frame", frame))
	if err := d.transport.Write(ctx, frame); err != nil {
		dr.logger.Warn("Transport write failed", zap.String("port", d.port), zap.Error(err))
		return linkError("write", err)
	}
	return nil
}

func (dr *Driver) transact(ctx context.Context, d *device, frame []byte) ([]byte, error) {
	if err := dr.send(ctx, d, frame); err != nil {
		return nil, err
	}
	return dr.receive(ctx, d.transport, d)
}

func (dr *Driver) receive(ctx context.Context, t Transport, d *device) ([]byte, error) {
	raw, err := t.Read(ctx, dr.maxFrame)
	if err != nil {
		dr.logger.Warn("Transport read failed", zap.String("port", d.port), zap.Error(err))
		return nil, linkError("read", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no reply", ErrTimeout)
	}
	dr.logger.Debug("RX", zap.Int("slot", d.index), zap.Binary("frame", raw))
	return raw, nil
}

// linkError classifies a transport failure as a timeout or a communication
// error, keeping errors that are already classified.
func linkError(op string, err error) error {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrCommunication):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrCommunication, err)
	}
}
