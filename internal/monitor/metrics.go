// internal/monitor/metrics.go
package monitor

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lrm-service/internal/event"
	"lrm-service/internal/service"
)

const namespace = "lrm"

// DeviceSource reports the current device sessions.
type DeviceSource interface {
	PoolStatus() service.PoolStatus
	ListSessions() ([]*service.SessionInfo, error)
}

// Monitor turns bus events into Prometheus metrics. It keeps its own
// registry so several instances can coexist in tests.
type Monitor struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	measurements *prometheus.CounterVec
	hwErrors     *prometheus.CounterVec
	lastDistance *prometheus.GaugeVec
	events       *prometheus.CounterVec
}

// NewMonitor creates the metric set and registers it together with the Go
// runtime and process collectors.
func NewMonitor(devices DeviceSource, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		logger:   logger.With(zap.String("component", "monitor")),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurements_total",
			Help:      "Measurement cycles by mode and result category.",
		}, []string{"mode", "category"}),
		hwErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hardware_errors_total",
			Help:      "ERR-XX frames reported by devices.",
		}, []string{"code"}),
		lastDistance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_distance_meters",
			Help:      "Last successful distance per session.",
		}, []string{"session"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events seen on the event bus.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.measurements,
		m.hwErrors,
		m.lastDistance,
		m.events,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Acquired device slots.",
		}, func() float64 {
			return float64(devices.PoolStatus().InUse)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_capacity",
			Help:      "Device slots in the pool.",
		}, func() float64 {
			return float64(devices.PoolStatus().Capacity)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Sessions with an open port.",
		}, func() float64 {
			return float64(countSessions(devices, func(s *service.SessionInfo) bool { return s.Device.Connected }))
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_continuous",
			Help:      "Sessions in continuous measurement mode.",
		}, func() float64 {
			return float64(countSessions(devices, func(s *service.SessionInfo) bool { return s.Device.Continuous }))
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Run consumes events until ctx is done or the channel is closed.
func (m *Monitor) Run(ctx context.Context, events <-chan event.Event) {
	m.logger.Info("Metrics collection started")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe updates the metrics for one event.
func (m *Monitor) Observe(e event.Event) {
	m.events.WithLabelValues(e.Type).Inc()

	switch e.Type {
	case event.TypeMeasurement:
		if e.Measurement == nil {
			return
		}
		meas := e.Measurement
		m.measurements.WithLabelValues(meas.Mode, meas.Category).Inc()
		if meas.OK() {
			m.lastDistance.WithLabelValues(sessionLabel(meas)).Set(meas.Distance)
		}
		if meas.HardwareCode != nil {
			m.hwErrors.WithLabelValues(hardwareLabel(*meas.HardwareCode)).Inc()
		}
	case event.TypeDeviceReleased:
		m.lastDistance.DeleteLabelValues(e.Source)
		if name, _ := e.Data["name"].(string); name != "" {
			m.lastDistance.DeleteLabelValues(name)
		}
	}
}

// sessionLabel prefers the configured name over the generated ID.
func sessionLabel(meas *event.Measurement) string {
	if meas.Name != "" {
		return meas.Name
	}
	return meas.SessionID
}

func hardwareLabel(code int) string {
	return fmt.Sprintf("ERR-%02d", code)
}

func countSessions(devices DeviceSource, match func(*service.SessionInfo) bool) int {
	sessions, err := devices.ListSessions()
	if err != nil {
		return 0
	}
	n := 0
	for _, s := range sessions {
		if match(s) {
			n++
		}
	}
	return n
}
