// internal/protocol/opener.go
package protocol

import (
	"context"

	"go.uber.org/zap"

	"lrm-service/pkg/lrm"
)

// SerialOpener opens SerialConnections with shared line settings.
type SerialOpener struct {
	config   SerialConfig
	openPort PortOpenFunc
	logger   *zap.Logger
}

// NewSerialOpener creates an lrm.Opener for serial ports.
func NewSerialOpener(config SerialConfig, logger *zap.Logger) *SerialOpener {
	return &SerialOpener{config: config, logger: logger}
}

// WithPortOpener replaces the function used to open ports.
func (o *SerialOpener) WithPortOpener(fn PortOpenFunc) *SerialOpener {
	o.openPort = fn
	return o
}

// Open implements lrm.Opener.
func (o *SerialOpener) Open(ctx context.Context, name string) (lrm.Transport, error) {
	conn := NewSerialConnection(name, o.config, o.openPort, o.logger)
	if err := conn.Open(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}
