// internal/handler/device_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lrm-service/internal/service"
	"lrm-service/internal/utils"
)

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(deviceService *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device-related routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.POST("", h.CreateSession)
		devices.GET("", h.ListSessions)

		device := devices.Group("/:id")
		{
			device.GET("", h.GetSession)
			device.DELETE("", h.ReleaseSession)
			device.POST("/connect", h.Connect)
			device.POST("/disconnect", h.Disconnect)
			device.PUT("/config", h.Configure)

			device.POST("/measure", h.Measure)
			device.POST("/broadcast", h.Broadcast)
			device.POST("/cache", h.ReadCache)
			device.POST("/laser", h.SetLaser)
			device.POST("/shutdown", h.Shutdown)
			device.POST("/continuous/start", h.StartContinuous)
			device.POST("/continuous/stop", h.StopContinuous)

			device.GET("/measurement", h.LastMeasurement)
			device.GET("/error", h.MeasurementError)
			device.GET("/device-id", h.DeviceID)
			device.GET("/stats", h.Stats)
			device.DELETE("/stats", h.ResetStats)
		}
	}
}

// CreateSession acquires a device slot
// @Summary Acquire a device
// @Description Acquire a pool slot and optionally connect it to a serial port
// @Tags Devices
// @Accept json
// @Produce json
// @Param request body service.CreateSessionRequest true "Session request"
// @Success 201 {object} utils.APIResponse{data=service.SessionInfo} "Device acquired"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 409 {object} utils.APIResponse "Pool exhausted"
// @Failure 502 {object} utils.APIResponse "Port could not be opened"
// @Router /devices [post]
func (h *DeviceHandler) CreateSession(c *gin.Context) {
	var req service.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	info, err := h.deviceService.CreateSession(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("Failed to acquire device", zap.String("port", req.Port), zap.Error(err))
		utils.DeviceErrorResponse(c, "Failed to acquire device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Device acquired", info)
}

// ListSessions lists acquired devices
// @Summary List devices
// @Description Get every acquired device with its current state
// @Tags Devices
// @Produce json
// @Success 200 {object} utils.APIResponse{data=object{devices=[]service.SessionInfo,pool=service.PoolStatus}} "Devices retrieved"
// @Router /devices [get]
func (h *DeviceHandler) ListSessions(c *gin.Context) {
	sessions, err := h.deviceService.ListSessions()
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to list devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved", gin.H{
		"devices": sessions,
		"pool":    h.deviceService.PoolStatus(),
	})
}

// GetSession gets a device by session ID or name
// @Summary Get device
// @Tags Devices
// @Produce json
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse{data=service.SessionInfo} "Device retrieved"
// @Failure 404 {object} utils.APIResponse "Device not found"
// @Router /devices/{id} [get]
func (h *DeviceHandler) GetSession(c *gin.Context) {
	info, err := h.deviceService.GetSession(c.Param("id"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Device not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device retrieved", info)
}

// ReleaseSession releases a device
// @Summary Release device
// @Description Stop continuous measurement, close the port and free the slot
// @Tags Devices
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse "Device released"
// @Failure 404 {object} utils.APIResponse "Device not found"
// @Router /devices/{id} [delete]
func (h *DeviceHandler) ReleaseSession(c *gin.Context) {
	if err := h.deviceService.ReleaseSession(c.Param("id")); err != nil {
		utils.DeviceErrorResponse(c, "Failed to release device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device released", nil)
}

// ConnectRequest names the serial port to open.
type ConnectRequest struct {
	Port string `json:"port" binding:"required"`
}

// Connect opens a serial port for the device
// @Summary Connect device
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Session ID or name"
// @Param request body ConnectRequest true "Port"
// @Success 200 {object} utils.APIResponse "Device connected"
// @Failure 400 {object} utils.APIResponse "Already connected or invalid port"
// @Failure 502 {object} utils.APIResponse "Port could not be opened"
// @Router /devices/{id}/connect [post]
func (h *DeviceHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.deviceService.Connect(c.Request.Context(), c.Param("id"), req.Port); err != nil {
		utils.DeviceErrorResponse(c, "Failed to connect device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device connected", gin.H{"port": req.Port})
}

// Disconnect closes the device port
// @Summary Disconnect device
// @Tags Devices
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse "Device disconnected"
// @Router /devices/{id}/disconnect [post]
func (h *DeviceHandler) Disconnect(c *gin.Context) {
	if err := h.deviceService.Disconnect(c.Param("id")); err != nil {
		utils.DeviceErrorResponse(c, "Failed to disconnect device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device disconnected", nil)
}

// Configure updates device settings
// @Summary Configure device
// @Description Apply address, range, resolution, frequency, interval_ms, correction_mm, start_position and auto_measure in that order, stopping at the first failure
// @Tags Devices
// @Accept json
// @Produce json
// @Param id path string true "Session ID or name"
// @Param request body service.ConfigRequest true "Settings"
// @Success 200 {object} utils.APIResponse{data=object{applied=[]string}} "Device configured"
// @Failure 400 {object} utils.APIResponse "Invalid setting"
// @Router /devices/{id}/config [put]
func (h *DeviceHandler) Configure(c *gin.Context) {
	var req service.ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IsEmpty() {
		utils.ValidationErrorResponse(c, map[string]string{"body": "at least one setting is required"})
		return
	}

	applied, err := h.deviceService.Configure(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to configure device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device configured", gin.H{"applied": applied})
}

// Measure runs a single measurement
// @Summary Single measurement
// @Tags Measurement
// @Produce json
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse{data=service.MeasurementResult} "Measurement completed"
// @Failure 422 {object} utils.APIResponse "Device reported a hardware error"
// @Failure 502 {object} utils.APIResponse "Invalid response"
// @Failure 504 {object} utils.APIResponse "No response"
// @Router /devices/{id}/measure [post]
func (h *DeviceHandler) Measure(c *gin.Context) {
	result, err := h.deviceService.Measure(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Measurement failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Measurement completed", result)
}

// Broadcast triggers a measurement on every device of the bus
// @Summary Broadcast measurement
// @Tags Measurement
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse "Broadcast sent"
// @Router /devices/{id}/broadcast [post]
func (h *DeviceHandler) Broadcast(c *gin.Context) {
	if err := h.deviceService.Broadcast(c.Request.Context(), c.Param("id")); err != nil {
		utils.DeviceErrorResponse(c, "Broadcast failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Broadcast sent", nil)
}

// ReadCache reads the cached distance
// @Summary Read cache
// @Tags Measurement
// @Produce json
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse{data=service.MeasurementResult} "Cache read"
// @Router /devices/{id}/cache [post]
func (h *DeviceHandler) ReadCache(c *gin.Context) {
	result, err := h.deviceService.ReadCache(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Cache read failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Cache read", result)
}

// LaserRequest switches the laser.
type LaserRequest struct {
	On *bool `json:"on" binding:"required"`
}

// SetLaser switches the pointing laser
// @Summary Laser control
// @Tags Devices
// @Accept json
// @Param id path string true "Session ID or name"
// @Param request body LaserRequest true "Laser state"
// @Success 200 {object} utils.APIResponse{data=object{laser_on=bool}} "Laser updated"
// @Router /devices/{id}/laser [post]
func (h *DeviceHandler) SetLaser(c *gin.Context) {
	var req LaserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id := c.Param("id")
	if err := h.deviceService.SetLaser(c.Request.Context(), id, *req.On); err != nil {
		utils.DeviceErrorResponse(c, "Laser command failed", err)
		return
	}
	on, err := h.deviceService.LaserStatus(id)
	if err != nil {
		utils.DeviceErrorResponse(c, "Laser command failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Laser updated", gin.H{"laser_on": on})
}

// Shutdown powers the device down
// @Summary Shutdown device
// @Tags Devices
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse "Device shut down"
// @Router /devices/{id}/shutdown [post]
func (h *DeviceHandler) Shutdown(c *gin.Context) {
	if err := h.deviceService.ShutdownDevice(c.Request.Context(), c.Param("id")); err != nil {
		utils.DeviceErrorResponse(c, "Shutdown failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device shut down", nil)
}

// StartContinuous starts continuous measurement
// @Summary Start continuous measurement
// @Description Results are streamed on /ws/devices/{id}
// @Tags Measurement
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse "Continuous measurement started"
// @Router /devices/{id}/continuous/start [post]
func (h *DeviceHandler) StartContinuous(c *gin.Context) {
	if err := h.deviceService.StartContinuous(c.Request.Context(), c.Param("id")); err != nil {
		utils.DeviceErrorResponse(c, "Failed to start continuous measurement", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Continuous measurement started", nil)
}

// StopContinuous stops continuous measurement
// @Summary Stop continuous measurement
// @Tags Measurement
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse "Continuous measurement stopped"
// @Router /devices/{id}/continuous/stop [post]
func (h *DeviceHandler) StopContinuous(c *gin.Context) {
	if err := h.deviceService.StopContinuous(c.Param("id")); err != nil {
		utils.DeviceErrorResponse(c, "Failed to stop continuous measurement", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Continuous measurement stopped", nil)
}

// LastMeasurement returns the last successful distance
// @Summary Last measurement
// @Tags Measurement
// @Produce json
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse{data=service.MeasurementResult} "Last measurement"
// @Router /devices/{id}/measurement [get]
func (h *DeviceHandler) LastMeasurement(c *gin.Context) {
	result, err := h.deviceService.LastMeasurement(c.Param("id"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to read last measurement", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Last measurement", result)
}

// MeasurementError returns the stored hardware error
// @Summary Last hardware error
// @Tags Measurement
// @Produce json
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse{data=service.ErrorInfo} "Hardware error state"
// @Router /devices/{id}/error [get]
func (h *DeviceHandler) MeasurementError(c *gin.Context) {
	info, err := h.deviceService.MeasurementError(c.Param("id"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to read error state", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Hardware error state", info)
}

// DeviceID reads the device identifier
// @Summary Device identifier
// @Tags Devices
// @Produce json
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse{data=object{device_id=string}} "Device identifier"
// @Router /devices/{id}/device-id [get]
func (h *DeviceHandler) DeviceID(c *gin.Context) {
	deviceID, err := h.deviceService.DeviceID(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to read device identifier", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device identifier", gin.H{"device_id": deviceID})
}

// Stats returns measurement statistics
// @Summary Measurement statistics
// @Tags Measurement
// @Produce json
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse{data=lrm.Stats} "Statistics"
// @Router /devices/{id}/stats [get]
func (h *DeviceHandler) Stats(c *gin.Context) {
	stats, err := h.deviceService.Stats(c.Param("id"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to read statistics", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Statistics", stats)
}

// ResetStats clears measurement statistics
// @Summary Reset statistics
// @Tags Measurement
// @Param id path string true "Session ID or name"
// @Success 200 {object} utils.APIResponse "Statistics reset"
// @Router /devices/{id}/stats [delete]
func (h *DeviceHandler) ResetStats(c *gin.Context) {
	if err := h.deviceService.ResetStats(c.Param("id")); err != nil {
		utils.DeviceErrorResponse(c, "Failed to reset statistics", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Statistics reset", nil)
}
