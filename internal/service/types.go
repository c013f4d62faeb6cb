// internal/service/types.go
package service

import (
	"errors"
	"fmt"
	"time"

	"lrm-service/pkg/lrm"
)

// Data Transfer Objects

// CreateSessionRequest represents a device session request
type CreateSessionRequest struct {
	Name string `json:"name"`
	Port string `json:"port"`
}

// SessionInfo represents a session and its device state
type SessionInfo struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	Device    lrm.Snapshot `json:"device"`
}

// ConfigRequest carries optional device settings. Only set fields are sent.
type ConfigRequest struct {
	Address       *int    `json:"address,omitempty"`
	Range         *int    `json:"range,omitempty"`
	Resolution    *int    `json:"resolution,omitempty"`
	Frequency     *int    `json:"frequency,omitempty"`
	IntervalMs    *int    `json:"interval_ms,omitempty"`
	CorrectionMm  *int    `json:"correction_mm,omitempty"`
	StartPosition *string `json:"start_position,omitempty"`
	AutoMeasure   *bool   `json:"auto_measure,omitempty"`
}

// IsEmpty reports whether no field is set.
func (r *ConfigRequest) IsEmpty() bool {
	return r.Address == nil && r.Range == nil && r.Resolution == nil && r.Frequency == nil &&
		r.IntervalMs == nil && r.CorrectionMm == nil && r.StartPosition == nil && r.AutoMeasure == nil
}

// MeasurementResult represents a distance reading
type MeasurementResult struct {
	SessionID string    `json:"session_id"`
	Distance  float64   `json:"distance"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorInfo represents the stored hardware error of a device
type ErrorInfo struct {
	SessionID   string `json:"session_id"`
	Code        *int   `json:"code,omitempty"`
	ASCII       string `json:"ascii,omitempty"`
	Description string `json:"description,omitempty"`
}

// PoolStatus represents device pool usage
type PoolStatus struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
}

// ParseStartPosition maps "tail" and "top" to their protocol values.
func ParseStartPosition(name string) (lrm.StartPosition, error) {
	switch name {
	case "tail":
		return lrm.StartTail, nil
	case "top":
		return lrm.StartTop, nil
	default:
		return 0, fmt.Errorf("%w: start position %q (want tail or top)", lrm.ErrInvalidParameter, name)
	}
}

func asHardwareError(err error) (*lrm.HardwareError, bool) {
	var hwErr *lrm.HardwareError
	ok := errors.As(err, &hwErr)
	return hwErr, ok
}
