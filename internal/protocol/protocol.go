// internal/protocol/protocol.go
package protocol

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port the connection needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortOpenFunc opens a named port with the given mode.
type PortOpenFunc func(name string, mode *serial.Mode) (Port, error)

func openSerialPort(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}
