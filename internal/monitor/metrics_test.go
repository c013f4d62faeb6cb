package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lrm-service/internal/event"
	"lrm-service/internal/service"
	"lrm-service/pkg/lrm"
)

type fakeDevices struct {
	status   service.PoolStatus
	sessions []*service.SessionInfo
}

func (f *fakeDevices) PoolStatus() service.PoolStatus { return f.status }

func (f *fakeDevices) ListSessions() ([]*service.SessionInfo, error) { return f.sessions, nil }

func measurementEvent(name, mode string, distance float64, err error) event.Event {
	m := &event.Measurement{
		SessionID: "id-" + name,
		Name:      name,
		Mode:      mode,
		Distance:  distance,
		Status:    lrm.StatusCode(err),
		Category:  string(lrm.Classify(err)),
	}
	if hwErr, ok := err.(*lrm.HardwareError); ok {
		code := hwErr.Code
		m.HardwareCode = &code
	}
	return event.Event{Type: event.TypeMeasurement, Source: m.SessionID, Measurement: m}
}

func TestObserveMeasurements(t *testing.T) {
	m := NewMonitor(&fakeDevices{}, zaptest.NewLogger(t))

	m.Observe(measurementEvent("front", "single", 50.123, nil))
	m.Observe(measurementEvent("front", "continuous", 50.5, nil))
	m.Observe(measurementEvent("front", "continuous", 0, lrm.ErrTimeout))
	m.Observe(measurementEvent("front", "continuous", 0, &lrm.HardwareError{Code: 16, ASCII: "ERR-16"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.measurements.WithLabelValues("single", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.measurements.WithLabelValues("continuous", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.measurements.WithLabelValues("continuous", "link")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.measurements.WithLabelValues("continuous", "device")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hwErrors.WithLabelValues("ERR-16")))
	assert.Equal(t, 50.5, testutil.ToFloat64(m.lastDistance.WithLabelValues("front")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.events.WithLabelValues(event.TypeMeasurement)))

	m.Observe(event.Event{Type: event.TypeDeviceReleased, Source: "id-front", Data: map[string]interface{}{"name": "front"}})
	assert.Equal(t, 0, testutil.CollectAndCount(m.lastDistance))
}

func TestDeviceGauges(t *testing.T) {
	devices := &fakeDevices{
		status: service.PoolStatus{Capacity: 16, InUse: 2},
		sessions: []*service.SessionInfo{
			{ID: "a", Device: lrm.Snapshot{Connected: true, Continuous: true}},
			{ID: "b", Device: lrm.Snapshot{}},
		},
	}
	m := NewMonitor(devices, nil)

	expected := `
# HELP lrm_devices_connected Sessions with an open port.
# TYPE lrm_devices_connected gauge
lrm_devices_connected 1
# HELP lrm_devices_continuous Sessions in continuous measurement mode.
# TYPE lrm_devices_continuous gauge
lrm_devices_continuous 1
# HELP lrm_sessions_active Acquired device slots.
# TYPE lrm_sessions_active gauge
lrm_sessions_active 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"lrm_devices_connected", "lrm_devices_continuous", "lrm_sessions_active"))
}

func TestRunAndHandler(t *testing.T) {
	m := NewMonitor(&fakeDevices{status: service.PoolStatus{Capacity: 16}}, zaptest.NewLogger(t))

	events := make(chan event.Event, 1)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), events)
		close(done)
	}()
	events <- measurementEvent("rear", "single", 3.25, nil)
	close(events)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `lrm_last_distance_meters{session="rear"} 3.25`)
	assert.Contains(t, body, "lrm_pool_capacity 16")
	assert.Contains(t, body, "go_goroutines")
}
