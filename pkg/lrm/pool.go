// pkg/lrm/pool.go
package lrm

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of slots in the process-wide pool.
const DefaultCapacity = 16

const (
	defaultAddress     byte = 0x80
	defaultRange            = Range80m
	defaultResolution       = Resolution1mm
	defaultFrequencyHz      = 5
)

// Handle identifies one acquisition of a pool slot. The zero Handle is
// never valid, and a Handle stops being valid once released even if its
// slot is handed out again.
type Handle struct {
	index      int
	generation uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.generation == 0
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.generation)
}

// Pool is a fixed table of device records. Slots are allocated once and
// reused across Acquire/Release cycles.
type Pool struct {
	mu     sync.Mutex
	slots  []device
	logger *zap.Logger
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// DefaultPool returns the process-wide pool, built on first use.
func DefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool(DefaultCapacity, nil)
	})
	return defaultPool
}

// NewPool builds a pool with a fixed number of slots. A non-positive
// capacity selects DefaultCapacity.
func NewPool(capacity int, logger *zap.Logger) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		slots:  make([]device, capacity),
		logger: logger.With(zap.String("component", "lrm-pool")),
	}
	for i := range p.slots {
		d := &p.slots[i]
		d.index = i
		d.generation = 1
		d.reset()
	}
	return p
}

// Capacity returns the fixed number of slots.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// InUse returns the number of acquired slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i := range p.slots {
		if p.slots[i].inUse {
			n++
		}
	}
	return n
}

// Acquire claims a free slot and returns its handle.
func (p *Pool) Acquire() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		d := &p.slots[i]
		if d.inUse {
			continue
		}
		d.mu.Lock()
		d.reset()
		d.inUse = true
		h := d.handle()
		d.mu.Unlock()

		p.logger.Debug("Handle acquired", zap.Stringer("handle", h))
		return h, nil
	}
	return Handle{}, fmt.Errorf("%w: all %d slots in use", ErrPoolExhausted, len(p.slots))
}

// Release disconnects the slot if needed and returns it to the pool. Any
// continuous measurement is stopped before the transport is closed.
func (p *Pool) Release(h Handle) error {
	d, err := p.lockDevice(h)
	if err != nil {
		return err
	}
	defer d.mu.Unlock()

	if cerr := d.disconnectLocked(); cerr != nil {
		p.logger.Warn("Transport close failed during release",
			zap.Stringer("handle", h),
			zap.Error(cerr),
		)
	}

	// The worker join may have let another Release of the same handle in.
	if !d.owns(h) {
		return fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}

	p.mu.Lock()
	d.inUse = false
	d.generation++
	if d.generation == 0 {
		d.generation = 1
	}
	d.callback = nil
	p.mu.Unlock()

	p.logger.Debug("Handle released", zap.Stringer("handle", h))
	return nil
}

// Validate checks that h refers to a live acquisition.
func (p *Pool) Validate(h Handle) error {
	_, err := p.slot(h)
	return err
}

func (p *Pool) slot(h Handle) (*device, error) {
	if h.IsZero() || h.index < 0 || h.index >= len(p.slots) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d := &p.slots[h.index]
	if !d.owns(h) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	return d, nil
}

// lockDevice validates h and returns its record with mu held.
func (p *Pool) lockDevice(h Handle) (*device, error) {
	d, err := p.slot(h)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if !d.owns(h) {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	return d, nil
}
