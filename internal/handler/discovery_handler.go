// internal/handler/discovery_handler.go
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	serialscan "lrm-service/internal/discovery/serial"
	"lrm-service/internal/utils"
	"lrm-service/pkg/lrm"
)

// PortLister lists the serial ports of the host.
type PortLister interface {
	ListPorts(ctx context.Context) ([]serialscan.PortInfo, error)
}

// DiscoveryHandler serves port listing and version information
type DiscoveryHandler struct {
	scanner PortLister
	logger  *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(scanner PortLister, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		scanner: scanner,
		logger:  utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/ports", h.ListPorts)
	router.GET("/version", h.Version)
}

// ListPorts lists serial ports
// @Summary List serial ports
// @Description List serial ports with USB VID/PID when the platform reports them. Ports are not opened.
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=object{ports_found=int,ports=[]serial.PortInfo}} "Ports listed"
// @Failure 500 {object} utils.APIResponse "Enumeration failed"
// @Router /ports [get]
func (h *DiscoveryHandler) ListPorts(c *gin.Context) {
	ports, err := h.scanner.ListPorts(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list serial ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Ports listed", gin.H{
		"ports_found": len(ports),
		"ports":       ports,
	})
}

// Version returns the driver version
// @Summary Driver version
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=object{version=string,major=int,minor=int,patch=int}} "Version"
// @Router /version [get]
func (h *DiscoveryHandler) Version(c *gin.Context) {
	major, minor, patch := lrm.Version()
	utils.SuccessResponse(c, http.StatusOK, "Version", gin.H{
		"version": lrm.VersionString(),
		"major":   major,
		"minor":   minor,
		"patch":   patch,
	})
}
