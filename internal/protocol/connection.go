// internal/protocol/connection.go
package protocol

import "time"

// SerialConfig represents serial line settings shared by every port the
// service opens.
type SerialConfig struct {
	BaudRate     int           `json:"baud_rate"`
	DataBits     int           `json:"data_bits"`
	StopBits     int           `json:"stop_bits"`
	Parity       string        `json:"parity"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	ReadInterval time.Duration `json:"read_interval"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultSerialConfig returns the rangefinder line settings: 9600 8N1 with a
// one second reply window and a 50ms inter-byte gap.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:     9600,
		DataBits:     8,
		StopBits:     1,
		Parity:       "none",
		ReadTimeout:  time.Second,
		ReadInterval: 50 * time.Millisecond,
		WriteTimeout: time.Second,
	}
}
