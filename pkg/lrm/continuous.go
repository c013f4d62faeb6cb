// pkg/lrm/continuous.go
package lrm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SetMeasurementCallback registers cb for continuous results of h. A nil cb
// clears the registration. The callback runs on the worker goroutine and must
// not stop, disconnect or release its own handle.
func (dr *Driver) SetMeasurementCallback(h Handle, cb MeasurementCallback) error {
	return dr.withDevice(h, func(d *device) error {
		d.callback = cb
		return nil
	})
}

// StartContinuous sends the continuous measurement command and starts the
// background reader for h. At most one reader runs per device.
func (dr *Driver) StartContinuous(ctx context.Context, h Handle) error {
	return dr.withConnected(h, func(d *device) error {
		if d.workerDone != nil {
			return fmt.Errorf("%w: continuous measurement already running", ErrInvalidParameter)
		}
		if err := dr.send(ctx, d, BuildContinuousMeasurement(d.address)); err != nil {
			return err
		}

		workerCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		d.continuous = true
		d.workerDone = done
		d.workerCancel = cancel
		go dr.runContinuous(workerCtx, d, h, done)

		dr.logger.Info("Continuous measurement started", zap.Stringer("handle", h))
		return nil
	})
}

// StopContinuous stops the background reader and waits for it to exit. It
// is a no-op when continuous measurement is not running.
func (dr *Driver) StopContinuous(h Handle) error {
	return dr.withDevice(h, func(d *device) error {
		if d.workerDone == nil {
			return nil
		}
		d.stopWorkerLocked()
		dr.logger.Info("Continuous measurement stopped", zap.Stringer("handle", h))
		return nil
	})
}

// IsContinuous reports whether the background reader of h is running.
func (dr *Driver) IsContinuous(h Handle) (bool, error) {
	var running bool
	err := dr.withDevice(h, func(d *device) error {
		running = d.continuous
		return nil
	})
	return running, err
}

// runContinuous reads one frame per cycle. The transport is read without the
// device lock; the result is applied under it and the callback runs after it
// is released. A stop observed after the read discards that read.
func (dr *Driver) runContinuous(ctx context.Context, d *device, h Handle, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			dr.logger.Error("Continuous worker panic",
				zap.Stringer("handle", h),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			d.mu.Lock()
			if d.workerDone == done {
				d.continuous = false
				if d.workerCancel != nil {
					d.workerCancel()
				}
				d.workerDone = nil
				d.workerCancel = nil
			}
			d.mu.Unlock()
		}
	}()

	for {
		d.mu.Lock()
		if !d.continuous || !d.connected {
			d.mu.Unlock()
			return
		}
		t := d.transport
		d.mu.Unlock()

		raw, readErr := t.Read(ctx, dr.maxFrame)

		d.mu.Lock()
		if !d.continuous {
			d.mu.Unlock()
			return
		}
		var (
			distance float64
			err      error
		)
		switch {
		case readErr != nil:
			err = linkError("read", readErr)
		case len(raw) == 0:
			err = fmt.Errorf("%w: no reply", ErrTimeout)
		default:
			distance, err = DecodeMeasurement(d.address, raw)
		}
		d.recordResult(distance, err)
		if err != nil {
			distance = 0
		}
		cb := d.callback
		d.mu.Unlock()

		if err != nil {
			dr.logger.Debug("Continuous cycle failed", zap.Stringer("handle", h), zap.Error(err))
		}
		if cb != nil {
			dr.invokeCallback(h, cb, distance, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(dr.pollInterval):
		}
	}
}

// invokeCallback runs cb for one cycle. A panicking callback is logged and
// the loop keeps running.
func (dr *Driver) invokeCallback(h Handle, cb MeasurementCallback, distance float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			dr.logger.Error("Measurement callback panic",
				zap.Stringer("handle", h),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	cb(h, distance, err)
}
