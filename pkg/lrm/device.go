// pkg/lrm/device.go
package lrm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// device is one pool slot. inUse and generation are written only while both
// the pool lock and mu are held, so either lock is enough to read them.
type device struct {
	mu sync.Mutex

	index      int
	inUse      bool
	generation uint32

	address     byte
	port        string
	transport   Transport
	connected   bool
	connectedAt time.Time

	lastDistance    float64
	lastMeasurement time.Time
	lastErrCode     *int
	lastErrASCII    string

	laserOn     bool
	rangeM      Range
	resolution  Resolution
	frequencyHz int

	continuous   bool
	workerDone   chan struct{}
	workerCancel context.CancelFunc
	callback     MeasurementCallback

	stats statsAccumulator
}

// reset clears every transient field for a fresh acquisition.
func (d *device) reset() {
	d.address = defaultAddress
	d.port = ""
	d.transport = nil
	d.connected = false
	d.connectedAt = time.Time{}
	d.lastDistance = 0
	d.lastMeasurement = time.Time{}
	d.clearError()
	d.laserOn = false
	d.rangeM = defaultRange
	d.resolution = defaultResolution
	d.frequencyHz = defaultFrequencyHz
	d.continuous = false
	d.workerDone = nil
	d.workerCancel = nil
	d.callback = nil
	d.stats.reset()
}

func (d *device) handle() Handle {
	return Handle{index: d.index, generation: d.generation}
}

// owns reports whether h still refers to this record's current acquisition.
func (d *device) owns(h Handle) bool {
	return d.inUse && d.generation == h.generation
}

func (d *device) clearError() {
	d.lastErrCode = nil
	d.lastErrASCII = ""
}

// recordResult applies a parse outcome. Link failures leave the stored error
// state untouched.
func (d *device) recordResult(distance float64, err error) {
	if err == nil {
		d.lastDistance = distance
		d.lastMeasurement = time.Now()
		d.clearError()
		d.stats.addSuccess(distance)
		return
	}
	d.stats.addFailure()
	var hwErr *HardwareError
	if errors.As(err, &hwErr) {
		code := hwErr.Code
		d.lastErrCode = &code
		d.lastErrASCII = hwErr.ASCII
	}
}

// stopWorkerLocked clears the continuous flag and waits for the worker to
// exit. mu must be held on entry; it is released while waiting and held
// again on return.
func (d *device) stopWorkerLocked() {
	if d.workerDone == nil {
		d.continuous = false
		return
	}
	d.continuous = false
	done, cancel := d.workerDone, d.workerCancel
	if cancel != nil {
		cancel()
	}
	d.mu.Unlock()
	<-done
	d.mu.Lock()
	d.workerDone = nil
	d.workerCancel = nil
}

// disconnectLocked stops continuous mode and closes the transport.
func (d *device) disconnectLocked() error {
	if !d.connected {
		return nil
	}
	d.stopWorkerLocked()

	var err error
	if d.transport != nil {
		err = d.transport.Close()
	}
	d.transport = nil
	d.connected = false
	d.connectedAt = time.Time{}
	d.port = ""
	d.laserOn = false
	return err
}

func (d *device) snapshot() Snapshot {
	s := Snapshot{
		Handle:          d.handle().String(),
		Port:            d.port,
		Address:         d.address,
		Connected:       d.connected,
		LaserOn:         d.laserOn,
		Continuous:      d.continuous,
		Range:           d.rangeM,
		Resolution:      d.resolution,
		FrequencyHz:     d.frequencyHz,
		LastDistance:    d.lastDistance,
		LastErrorASCII:  d.lastErrASCII,
		LastMeasurement: d.lastMeasurement,
		ConnectedAt:     d.connectedAt,
		Stats:           d.stats.snapshot(),
	}
	if d.lastErrCode != nil {
		code := *d.lastErrCode
		s.LastErrorCode = &code
	}
	if p, ok := d.transport.(LinkStatsProvider); ok {
		link := p.LinkStats()
		s.Link = &link
	}
	return s
}
