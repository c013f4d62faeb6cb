// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lrm-service/internal/config"
	"lrm-service/internal/event"
	"lrm-service/internal/handler"
	"lrm-service/internal/middleware"
	"lrm-service/internal/monitor"
	"lrm-service/internal/service"
	"lrm-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config        *config.Config
	logger        *zap.Logger
	deviceService *service.DeviceService
	bus           *event.EventBus
	scanner       handler.PortLister
	monitor       *monitor.Monitor

	healthHandler *handler.HealthHandler
}

// NewRouter creates a new router instance. mon may be nil when metrics are
// disabled.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	deviceService *service.DeviceService,
	bus *event.EventBus,
	scanner handler.PortLister,
	mon *monitor.Monitor,
) *Router {
	return &Router{
		config:        config,
		logger:        logger,
		deviceService: deviceService,
		bus:           bus,
		scanner:       scanner,
		monitor:       mon,
		healthHandler: handler.NewHealthHandler(deviceService, config, logger),
	}
}

// HealthHandler returns the handler behind /health, /ready and /live.
func (r *Router) HealthHandler() *handler.HealthHandler {
	return r.healthHandler
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	// Inside logging so recovered requests are still logged.
	router.Use(middleware.RecoveryMiddleware(r.logger))

	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	deviceHandler := handler.NewDeviceHandler(r.deviceService, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.scanner, r.logger)
	wsHandler := handler.NewWebSocketHandler(r.deviceService, r.bus, &r.config.Server, r.logger)

	r.healthHandler.RegisterRoutes(router)

	apiV1 := router.Group("/api/v1")
	deviceHandler.RegisterRoutes(apiV1)
	discoveryHandler.RegisterRoutes(apiV1)

	wsHandler.RegisterRoutes(router.Group("/ws"))

	if r.monitor != nil {
		router.GET(r.config.Metrics.Path, gin.WrapH(r.monitor.Handler()))
	}

	r.logger.Info("All routes configured successfully")
}
