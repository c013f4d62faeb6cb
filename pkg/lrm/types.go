// pkg/lrm/types.go
package lrm

import (
	"context"
	"fmt"
	"time"
)

// Library version.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 1
)

// Version returns the library version triple.
func Version() (major, minor, patch int) {
	return VersionMajor, VersionMinor, VersionPatch
}

// VersionString returns the version as "major.minor.patch".
func VersionString() string {
	return fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}

// Transport is the half-duplex byte stream a device record owns while
// connected. Reads and writes are bounded by the transport's own timeouts.
type Transport interface {
	// Write sends data in full; a partial write is an error.
	Write(ctx context.Context, data []byte) error
	// Read returns the next burst of bytes, at most maxBytes. Zero bytes
	// means the read timed out.
	Read(ctx context.Context, maxBytes int) ([]byte, error)
	Close() error
}

// Opener opens a named transport, e.g. "/dev/ttyUSB0" or "COM3".
type Opener interface {
	Open(ctx context.Context, name string) (Transport, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, name string) (Transport, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, name string) (Transport, error) {
	return f(ctx, name)
}

// LinkStats are the traffic counters of a transport.
type LinkStats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	Operations     int64         `json:"operations"`
	Errors         int64         `json:"errors"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
}

// LinkStatsProvider is implemented by transports that count their traffic.
// Snapshot includes the counters of such a transport while connected.
type LinkStatsProvider interface {
	LinkStats() LinkStats
}

// MeasurementCallback receives every continuous measurement cycle: the parsed
// distance in meters (0 on failure) and the cycle's error, nil on success.
// It runs on the device's worker goroutine, outside the device lock.
type MeasurementCallback func(h Handle, distance float64, err error)

// Range is the measuring range in meters.
type Range int

const (
	Range5m  Range = 5
	Range10m Range = 10
	Range30m Range = 30
	Range50m Range = 50
	Range80m Range = 80
)

// Resolution selects the distance resolution.
type Resolution int

const (
	Resolution1mm  Resolution = 1
	Resolution01mm Resolution = 2
)

// StartPosition selects the measurement reference edge.
type StartPosition int

const (
	StartTail StartPosition = 0
	StartTop  StartPosition = 1
)

// Snapshot is a point-in-time copy of a device record.
type Snapshot struct {
	Handle          string     `json:"handle"`
	Port            string     `json:"port,omitempty"`
	Address         byte       `json:"address"`
	Connected       bool       `json:"connected"`
	LaserOn         bool       `json:"laser_on"`
	Continuous      bool       `json:"continuous"`
	Range           Range      `json:"range"`
	Resolution      Resolution `json:"resolution"`
	FrequencyHz     int        `json:"frequency_hz"`
	LastDistance    float64    `json:"last_distance"`
	LastErrorCode   *int       `json:"last_error_code,omitempty"`
	LastErrorASCII  string     `json:"last_error_ascii,omitempty"`
	LastMeasurement time.Time  `json:"last_measurement"`
	ConnectedAt     time.Time  `json:"connected_at"`
	Stats           Stats      `json:"stats"`
	Link            *LinkStats `json:"link,omitempty"`
}
