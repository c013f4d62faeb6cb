// pkg/lrm/errors.go
package lrm

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every public operation returns nil or an error wrapping
// exactly one of these.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrNotConnected     = errors.New("device not connected")
	ErrCommunication    = errors.New("communication error")
	ErrTimeout          = errors.New("timeout")
	ErrPoolExhausted    = errors.New("device pool exhausted")
	ErrMeasurement      = errors.New("measurement error")
)

// Numeric status codes, stable across the JSON and WebSocket APIs.
const (
	StatusSuccess            = 0
	StatusInvalidParameter   = -1
	StatusInvalidHandle      = -2
	StatusNotConnected       = -3
	StatusCommunicationError = -4
	StatusTimeout            = -5
	StatusPoolExhausted      = -6
	StatusMeasurementError   = -7
)

// Category groups errors into the three result classes callers must be able
// to tell apart.
type Category string

const (
	CategoryNone   Category = "none"
	CategoryUsage  Category = "usage"  // caller misused the API
	CategoryLink   Category = "link"   // could not talk to the device
	CategoryDevice Category = "device" // device reported a fault
)

// HardwareError is a well-formed "ERR-XX" frame reported by the device.
type HardwareError struct {
	Code  int
	ASCII string
}

// Error implements error.
func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrMeasurement, e.ASCII, e.Description())
}

// Unwrap lets errors.Is match ErrMeasurement.
func (e *HardwareError) Unwrap() error {
	return ErrMeasurement
}

// Description returns the documented meaning of the hardware code.
func (e *HardwareError) Description() string {
	return DescribeHardwareError(e.Code)
}

var hardwareErrorDescriptions = map[int]string{
	10: "low battery",
	14: "calculation error",
	15: "out of range",
	16: "weak signal or timeout",
	18: "strong ambient light",
	26: "display range exceeded",
}

// DescribeHardwareError maps a device error code to a short description.
func DescribeHardwareError(code int) string {
	if d, ok := hardwareErrorDescriptions[code]; ok {
		return d
	}
	return "unknown hardware error"
}

// Classify returns the result category of err.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrMeasurement):
		return CategoryDevice
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrInvalidHandle),
		errors.Is(err, ErrNotConnected), errors.Is(err, ErrPoolExhausted):
		return CategoryUsage
	default:
		// Communication, timeout and unclassified transport failures.
		return CategoryLink
	}
}

// StatusCode maps err to its numeric status code.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrInvalidParameter):
		return StatusInvalidParameter
	case errors.Is(err, ErrInvalidHandle):
		return StatusInvalidHandle
	case errors.Is(err, ErrNotConnected):
		return StatusNotConnected
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrPoolExhausted):
		return StatusPoolExhausted
	case errors.Is(err, ErrMeasurement):
		return StatusMeasurementError
	default:
		return StatusCommunicationError
	}
}
