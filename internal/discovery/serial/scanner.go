// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// PortInfo describes one serial port present on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Scanner lists serial ports. It never opens or probes them.
type Scanner struct {
	logger   *zap.Logger
	detailed func() ([]*enumerator.PortDetails, error)
	plain    func() ([]string, error)
}

// NewScanner creates a new serial port scanner
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{
		logger:   logger.With(zap.String("scanner", "serial")),
		detailed: enumerator.GetDetailedPortsList,
		plain:    serial.GetPortsList,
	}
}

// ListPorts returns the ports sorted by name. USB details are filled in when
// the platform enumerator provides them.
func (s *Scanner) ListPorts(ctx context.Context) ([]PortInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	details, err := s.detailed()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          strings.ToUpper(d.VID),
				PID:          strings.ToUpper(d.PID),
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return s.sorted(ports), nil
	}

	s.logger.Debug("Detailed port enumeration failed, falling back to names", zap.Error(err))
	names, err := s.plain()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, PortInfo{Name: name})
	}
	return s.sorted(ports), nil
}

func (s *Scanner) sorted(ports []PortInfo) []PortInfo {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	s.logger.Debug("Serial ports listed", zap.Int("count", len(ports)))
	return ports
}
