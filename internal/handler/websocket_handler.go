// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lrm-service/internal/config"
	"lrm-service/internal/event"
	"lrm-service/internal/service"
	"lrm-service/internal/utils"
	"lrm-service/pkg/lrm"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
	wsWriteWait    = 10 * time.Second
	wsCommandWait  = 10 * time.Second
	wsSendBuffer   = 256
	wsMessageLimit = 4096
)

// WebSocketHandler streams bus events to WebSocket clients
type WebSocketHandler struct {
	upgrader      websocket.Upgrader
	connections   *ConnectionManager
	deviceService *service.DeviceService
	bus           *event.EventBus
	logger        *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	deviceService *service.DeviceService,
	bus *event.EventBus,
	serverConfig *config.ServerConfig,
	logger *zap.Logger,
) *WebSocketHandler {
	origins := serverConfig.AllowedOrigins
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(origins) == 0 || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}

	return &WebSocketHandler{
		upgrader:      upgrader,
		connections:   NewConnectionManager(),
		deviceService: deviceService,
		bus:           bus,
		logger:        utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/devices/:id", h.HandleDeviceConnection)
	router.GET("/events", h.HandleEventConnection)
}

// HandleDeviceConnection streams the events of one device session
func (h *WebSocketHandler) HandleDeviceConnection(c *gin.Context) {
	info, err := h.deviceService.GetSession(c.Param("id"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Device not found", err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := h.newClient(c, conn, ClientTypeDevice)
	client.SessionID = info.ID

	h.logger.Info("Device WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("session_id", info.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.serve(client, func(e event.Event) bool { return e.Source == info.ID }, &WebSocketMessage{
		Type:      "initial_status",
		Data:      info,
		Timestamp: time.Now(),
	})
}

// HandleEventConnection streams every event
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := h.newClient(c, conn, ClientTypeEvents)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.serve(client, func(event.Event) bool { return true }, nil)
}

func (h *WebSocketHandler) newClient(c *gin.Context, conn *websocket.Conn, clientType string) *Client {
	return &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, wsSendBuffer),
		Type:        clientType,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}
}

// serve wires a client to the bus. The forwarder and the read loop are the
// only senders on client.Send; both are finished before Unregister closes it.
func (h *WebSocketHandler) serve(client *Client, filter func(event.Event) bool, initial *WebSocketMessage) {
	h.connections.Register(client)
	sub := h.bus.Subscribe(event.All)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for e := range sub {
			if filter(e) {
				h.sendMessage(client, &WebSocketMessage{Type: e.Type, Data: e, Timestamp: e.Timestamp})
			}
		}
	}()

	if initial != nil {
		h.sendMessage(client, initial)
	}

	go h.handleClientWrite(client)
	go func() {
		h.handleClientRead(client)

		h.bus.Unsubscribe(sub)
		<-forwardDone
		h.connections.Unregister(client)
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.ID))
	}()
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	conn := client.Connection
	conn.SetReadLimit(wsMessageLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "invalid message")
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	case "device_command":
		h.handleDeviceCommand(client, message)
	default:
		h.sendError(client, fmt.Sprintf("unknown message type: %s", message.Type))
	}
}

// handleDeviceCommand runs a command against the client's session. Commands
// run on the read loop so replies keep their order.
func (h *WebSocketHandler) handleDeviceCommand(client *Client, message *WebSocketMessage) {
	if client.Type != ClientTypeDevice {
		h.sendError(client, "device_command only available on device connections")
		return
	}

	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, "invalid command data")
		return
	}
	command, ok := data["command"].(string)
	if !ok {
		h.sendError(client, "command is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsCommandWait)
	defer cancel()

	var (
		result interface{}
		err    error
	)
	switch command {
	case "measure":
		result, err = h.deviceService.Measure(ctx, client.SessionID)
	case "read_cache":
		result, err = h.deviceService.ReadCache(ctx, client.SessionID)
	case "start_continuous":
		err = h.deviceService.StartContinuous(ctx, client.SessionID)
	case "stop_continuous":
		err = h.deviceService.StopContinuous(client.SessionID)
	case "status":
		result, err = h.deviceService.GetSession(client.SessionID)
	default:
		h.sendError(client, fmt.Sprintf("unknown command: %s", command))
		return
	}

	response := map[string]interface{}{
		"command": command,
		"success": err == nil,
		"result":  result,
	}
	if err != nil {
		response["error"] = err.Error()
		response["status"] = lrm.StatusCode(err)
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      "command_response",
		Data:      response,
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
	})
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}
