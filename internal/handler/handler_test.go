package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lrm-service/internal/config"
	serialscan "lrm-service/internal/discovery/serial"
	"lrm-service/internal/event"
	"lrm-service/internal/middleware"
	"lrm-service/internal/service"
	"lrm-service/internal/utils"
	"lrm-service/pkg/lrm"
)

type stubTransport struct {
	replies chan []byte
}

func (s *stubTransport) Write(ctx context.Context, data []byte) error { return nil }

func (s *stubTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	select {
	case r := <-s.replies:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (s *stubTransport) Close() error { return nil }

func (s *stubTransport) reply(ascii string) {
	s.replies <- lrm.Frame{Address: 0x80, Command: lrm.CmdMeasure, Payload: append([]byte{lrm.RespSingle}, ascii...)}.Bytes()
}

type stubLister struct {
	ports []serialscan.PortInfo
	err   error
}

func (s stubLister) ListPorts(ctx context.Context) ([]serialscan.PortInfo, error) {
	return s.ports, s.err
}

type testEnv struct {
	engine     *gin.Engine
	svc        *service.DeviceService
	bus        *event.EventBus
	health     *HealthHandler
	ws         *WebSocketHandler
	mu         sync.Mutex
	transports map[string]*stubTransport
}

func newTestEnv(t *testing.T, lister PortLister) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{transports: make(map[string]*stubTransport)}
	opener := lrm.OpenerFunc(func(ctx context.Context, name string) (lrm.Transport, error) {
		if strings.HasSuffix(name, "missing") {
			return nil, errors.New("no such file or directory")
		}
		env.mu.Lock()
		defer env.mu.Unlock()
		tr := &stubTransport{replies: make(chan []byte, 8)}
		env.transports[name] = tr
		return tr, nil
	})

	// WebSocket goroutines may log after the test returns.
	logger := zap.NewNop()
	cfg := &config.Config{App: config.AppConfig{Name: "lrm-service", Version: "test"}}
	driver := lrm.NewDriver(lrm.NewPool(2, logger), opener, lrm.WithLogger(logger), lrm.WithPollInterval(time.Millisecond))

	env.bus = event.NewEventBus(logger)
	go env.bus.Start()
	t.Cleanup(env.bus.Stop)

	env.svc = service.NewDeviceService(driver, env.bus, cfg, logger)
	t.Cleanup(env.svc.Close)

	env.health = NewHealthHandler(env.svc, cfg, logger)
	env.ws = NewWebSocketHandler(env.svc, env.bus, &config.ServerConfig{AllowedOrigins: []string{"*"}}, logger)

	r := gin.New()
	r.Use(middleware.RequestIDMiddleware())
	env.health.RegisterRoutes(r)
	api := r.Group("/api/v1")
	NewDeviceHandler(env.svc, logger).RegisterRoutes(api)
	NewDiscoveryHandler(lister, logger).RegisterRoutes(api)
	env.ws.RegisterRoutes(r.Group("/ws"))
	env.engine = r
	return env
}

func (e *testEnv) transport(port string) *stubTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[port]
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, utils.APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var resp utils.APIResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func dataMap(t *testing.T, resp utils.APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func (e *testEnv) createSession(t *testing.T, name, port string) string {
	t.Helper()
	w, resp := e.do(t, http.MethodPost, "/api/v1/devices", service.CreateSessionRequest{Name: name, Port: port})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return dataMap(t, resp)["id"].(string)
}

func TestDeviceLifecycle(t *testing.T) {
	env := newTestEnv(t, stubLister{})
	id := env.createSession(t, "front", "/dev/ttyUSB0")

	w, resp := env.do(t, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	devices := dataMap(t, resp)["devices"].([]interface{})
	assert.Len(t, devices, 1)
	pool := dataMap(t, resp)["pool"].(map[string]interface{})
	assert.EqualValues(t, 2, pool["capacity"])
	assert.EqualValues(t, 1, pool["in_use"])

	env.transport("/dev/ttyUSB0").reply("050.123")
	w, resp = env.do(t, http.MethodPost, "/api/v1/devices/front/measure", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 50.123, dataMap(t, resp)["distance"], 1e-9)

	w, resp = env.do(t, http.MethodGet, "/api/v1/devices/"+id+"/measurement", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 50.123, dataMap(t, resp)["distance"], 1e-9)

	w, resp = env.do(t, http.MethodGet, "/api/v1/devices/"+id+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, dataMap(t, resp)["valid_samples"])

	w, resp = env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/laser", LaserRequest{On: boolPtr(true)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, dataMap(t, resp)["laser_on"])

	w, _ = env.do(t, http.MethodDelete, "/api/v1/devices/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/devices/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, lrm.StatusInvalidHandle, resp.Error.Status)
}

func TestDeviceErrorMapping(t *testing.T) {
	env := newTestEnv(t, stubLister{})
	id := env.createSession(t, "", "/dev/ttyUSB0")

	t.Run("invalid range", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPut, "/api/v1/devices/"+id+"/config", map[string]int{"range": 7})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "usage", resp.Error.Category)
		assert.Equal(t, lrm.StatusInvalidParameter, resp.Error.Status)
	})

	t.Run("empty config", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPut, "/api/v1/devices/"+id+"/config", map[string]int{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	})

	t.Run("applied fields", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPut, "/api/v1/devices/"+id+"/config", map[string]interface{}{
			"range":          30,
			"start_position": "top",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, []interface{}{"range", "start_position"}, dataMap(t, resp)["applied"])
	})

	t.Run("timeout", func(t *testing.T) {
		w, resp := env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/measure", nil)
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "link", resp.Error.Category)
	})

	t.Run("hardware error", func(t *testing.T) {
		env.transport("/dev/ttyUSB0").reply("ERR-16")
		w, resp := env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/measure", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "device", resp.Error.Category)

		w, resp = env.do(t, http.MethodGet, "/api/v1/devices/"+id+"/error", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 16, dataMap(t, resp)["code"])
		assert.Equal(t, "ERR-16", dataMap(t, resp)["ascii"])
	})

	t.Run("already connected", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/connect", ConnectRequest{Port: "/dev/ttyUSB1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not connected", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/disconnect", nil)
		require.Equal(t, http.StatusOK, w.Code)
		w, resp := env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/measure", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, lrm.StatusNotConnected, resp.Error.Status)
	})

	t.Run("open failure", func(t *testing.T) {
		w, _ := env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/connect", ConnectRequest{Port: "/dev/missing"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestPoolExhausted(t *testing.T) {
	env := newTestEnv(t, stubLister{})
	env.createSession(t, "a", "")
	env.createSession(t, "b", "")

	w, resp := env.do(t, http.MethodPost, "/api/v1/devices", service.CreateSessionRequest{Name: "c"})
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, lrm.StatusPoolExhausted, resp.Error.Status)

	w, _ = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "degraded", health.Checks["device_pool"].Status)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, stubLister{})

	w, _ := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "lrm-service", health.Service)

	w, _ = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	env.health.SetReady(true)
	w, _ = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPortsAndVersion(t *testing.T) {
	env := newTestEnv(t, stubLister{ports: []serialscan.PortInfo{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4", PID: "EA60"},
	}})

	w, resp := env.do(t, http.MethodGet, "/api/v1/ports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, dataMap(t, resp)["ports_found"])
	port := dataMap(t, resp)["ports"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "10C4", port["vid"])

	w, resp = env.do(t, http.MethodGet, "/api/v1/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.0.1", dataMap(t, resp)["version"])

	failing := newTestEnv(t, stubLister{err: errors.New("enumeration unsupported")})
	w, _ = failing.do(t, http.MethodGet, "/api/v1/ports", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == msgType {
			return msg
		}
	}
}

func TestWebSocketEvents(t *testing.T) {
	env := newTestEnv(t, stubLister{})
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/events")
	require.Eventually(t, func() bool {
		return env.ws.GetConnectionStats().ByType[ClientTypeEvents] == 1
	}, 2*time.Second, 5*time.Millisecond)

	id := env.createSession(t, "rear", "")
	msg := readUntil(t, conn, event.TypeDeviceAcquired)
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, id, data["source"])
}

func TestWebSocketDeviceStream(t *testing.T) {
	env := newTestEnv(t, stubLister{})
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	id := env.createSession(t, "front", "/dev/ttyUSB0")

	conn := dialWS(t, srv, "/ws/devices/"+id)
	initial := readUntil(t, conn, "initial_status")
	assert.Equal(t, id, initial["data"].(map[string]interface{})["id"])

	env.transport("/dev/ttyUSB0").reply("012.500")
	require.NoError(t, conn.WriteJSON(WebSocketMessage{
		Type:      "device_command",
		Data:      map[string]interface{}{"command": "measure"},
		RequestID: "req-1",
	}))

	resp := readUntil(t, conn, "command_response")
	assert.Equal(t, "req-1", resp["request_id"])
	result := resp["data"].(map[string]interface{})
	assert.Equal(t, true, result["success"])
	assert.InDelta(t, 12.5, result["result"].(map[string]interface{})["distance"], 1e-9)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	readUntil(t, conn, "pong")

	require.NoError(t, conn.WriteJSON(WebSocketMessage{
		Type: "device_command",
		Data: map[string]interface{}{"command": "selfdestruct"},
	}))
	readUntil(t, conn, "error")
}

func TestWebSocketDeviceMeasurementEvent(t *testing.T) {
	env := newTestEnv(t, stubLister{})
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	id := env.createSession(t, "front", "/dev/ttyUSB0")
	conn := dialWS(t, srv, "/ws/devices/"+id)
	readUntil(t, conn, "initial_status")

	env.transport("/dev/ttyUSB0").reply("001.000")
	_, err := env.svc.Measure(context.Background(), id)
	require.NoError(t, err)

	msg := readUntil(t, conn, event.TypeMeasurement)
	m := msg["data"].(map[string]interface{})["measurement"].(map[string]interface{})
	assert.Equal(t, id, m["session_id"])
	assert.InDelta(t, 1.0, m["distance"], 1e-9)
	assert.EqualValues(t, 0, m["status"])
}

func TestWebSocketUnknownDevice(t *testing.T) {
	env := newTestEnv(t, stubLister{})
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/devices/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, stubLister{})
	srv := httptest.NewServer(env.engine)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/events")
	require.Eventually(t, func() bool {
		return env.ws.GetConnectionStats().TotalConnections == 1
	}, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return env.ws.GetConnectionStats().TotalConnections == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func boolPtr(v bool) *bool { return &v }
