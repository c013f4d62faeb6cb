// internal/protocol/serial_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"lrm-service/pkg/lrm"
)

// SerialConnection implements lrm.Transport over a serial port.
type SerialConnection struct {
	name     string
	config   SerialConfig
	openPort PortOpenFunc
	port     Port
	logger   *zap.Logger
	mutex    sync.Mutex // guards port, isOpen and stats
	readMu   sync.Mutex
	writeMu  sync.Mutex
	isOpen   bool
	stats    lrm.LinkStats
}

// NewSerialConnection creates a new serial connection for the named port.
// A nil openPort uses go.bug.st/serial.
func NewSerialConnection(name string, config SerialConfig, openPort PortOpenFunc, logger *zap.Logger) *SerialConnection {
	if openPort == nil {
		openPort = openSerialPort
	}
	return &SerialConnection{
		name:     name,
		config:   config,
		openPort: openPort,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", name),
		),
	}
}

// Open opens the serial connection
func (sc *SerialConnection) Open(ctx context.Context) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.isOpen {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sc.logger.Info("Opening serial port",
		zap.Int("baud_rate", sc.config.BaudRate),
		zap.String("parity", sc.config.Parity),
	)

	mode := &serial.Mode{
		BaudRate: sc.config.BaudRate,
		DataBits: sc.config.DataBits,
		Parity:   parity(sc.config.Parity),
		StopBits: stopBits(sc.config.StopBits),
	}

	port, err := sc.openPort(sc.name, mode)
	if err != nil {
		sc.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	// Reads poll at the inter-byte gap; Read enforces the total reply window.
	if err := port.SetReadTimeout(sc.config.ReadInterval); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		sc.logger.Warn("Failed to flush input buffer", zap.Error(err))
	}

	sc.port = port
	sc.isOpen = true
	sc.stats = lrm.LinkStats{LastActivity: time.Now()}

	sc.logger.Info("Serial port opened successfully")
	return nil
}

// Close closes the serial connection
func (sc *SerialConnection) Close() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen || sc.port == nil {
		return nil
	}

	err := sc.port.Close()
	sc.port = nil
	sc.isOpen = false
	if err != nil {
		sc.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}

	sc.logger.Info("Serial port closed successfully",
		zap.Int64("bytes_written", sc.stats.BytesWritten),
		zap.Int64("bytes_read", sc.stats.BytesRead),
		zap.Int64("errors", sc.stats.Errors),
	)
	return nil
}

// LinkStats returns a copy of the connection counters.
func (sc *SerialConnection) LinkStats() lrm.LinkStats {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.stats
}

// Write writes data to the serial port. The write is abandoned with
// lrm.ErrTimeout once WriteTimeout passes.
func (sc *SerialConnection) Write(ctx context.Context, data []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	port, err := sc.openPortRef()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	startTime := time.Now()
	done := make(chan struct {
		n   int
		err error
	}, 1)
	go func() {
		n, err := port.Write(data)
		done <- struct {
			n   int
			err error
		}{n, err}
	}()

	timer := time.NewTimer(sc.config.WriteTimeout)
	defer timer.Stop()

	select {
	case result := <-done:
		if result.err != nil {
			sc.countError()
			sc.logger.Error("Serial write failed", zap.Error(result.err))
			return fmt.Errorf("failed to write to serial port: %w", result.err)
		}
		if result.n != len(data) {
			sc.countError()
			return fmt.Errorf("incomplete write: wrote %d of %d bytes", result.n, len(data))
		}
	case <-timer.C:
		sc.countError()
		return fmt.Errorf("%w: write exceeded %s", lrm.ErrTimeout, sc.config.WriteTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	sc.mutex.Lock()
	sc.stats.BytesWritten += int64(len(data))
	sc.stats.Operations++
	sc.stats.LastActivity = time.Now()
	sc.updateAverageLatency(time.Since(startTime))
	sc.mutex.Unlock()

	sc.logger.Debug("Serial write completed", zap.Int("bytes", len(data)))
	return nil
}

// Read assembles one reply of at most maxBytes. It returns once a burst is
// followed by ReadInterval of silence, once maxBytes arrive, or with zero
// bytes when nothing arrives within ReadTimeout.
func (sc *SerialConnection) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	sc.readMu.Lock()
	defer sc.readMu.Unlock()

	port, err := sc.openPortRef()
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("invalid read size %d", maxBytes)
	}

	buffer := make([]byte, maxBytes)
	n := 0
	deadline := time.Now().Add(sc.config.ReadTimeout)

	for n < maxBytes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		got, err := port.Read(buffer[n:])
		if err != nil && !errors.Is(err, io.EOF) {
			sc.countError()
			return nil, fmt.Errorf("failed to read from serial port: %w", err)
		}
		if got > 0 {
			n += got
			continue
		}
		if n > 0 || !time.Now().Before(deadline) {
			break
		}
	}

	if n > 0 {
		sc.mutex.Lock()
		sc.stats.BytesRead += int64(n)
		sc.stats.Operations++
		sc.stats.LastActivity = time.Now()
		sc.mutex.Unlock()
	}
	return buffer[:n:n], nil
}

func (sc *SerialConnection) openPortRef() (Port, error) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	if !sc.isOpen || sc.port == nil {
		return nil, errors.New("serial port not open")
	}
	return sc.port, nil
}

func (sc *SerialConnection) countError() {
	sc.mutex.Lock()
	sc.stats.Errors++
	sc.mutex.Unlock()
}

// updateAverageLatency updates the running average latency
func (sc *SerialConnection) updateAverageLatency(newLatency time.Duration) {
	if sc.stats.AverageLatency == 0 {
		sc.stats.AverageLatency = newLatency
	} else {
		sc.stats.AverageLatency = (sc.stats.AverageLatency + newLatency) / 2
	}
}

func parity(name string) serial.Parity {
	switch name {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func stopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}
