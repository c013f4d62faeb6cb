// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"lrm-service/internal/config"
	serialscan "lrm-service/internal/discovery/serial"
	"lrm-service/internal/event"
	"lrm-service/internal/monitor"
	"lrm-service/internal/protocol"
	mqttpub "lrm-service/internal/publisher/mqtt"
	redispub "lrm-service/internal/publisher/redis"
	"lrm-service/internal/routes"
	"lrm-service/internal/service"
	"lrm-service/internal/utils"
	"lrm-service/pkg/lrm"
)

// Application represents the main application
type Application struct {
	config        *config.Config
	logger        *zap.Logger
	serviceLogger *utils.ServiceLogger
	server        *http.Server
	router        *routes.Router

	bus           *event.EventBus
	driver        *lrm.Driver
	deviceService *service.DeviceService
	monitor       *monitor.Monitor
	mqtt          *mqttpub.Publisher
	redis         *redispub.Publisher

	// Background consumers of the event bus.
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// @title Laser Rangefinder Service API
// @version 1.0.1
// @description Pool-based driver service for serial laser rangefinder modules
// @BasePath /api/v1
func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Application stopped: %v\n", err)
		os.Exit(1)
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config:        cfg,
		logger:        logger,
		serviceLogger: utils.NewServiceLogger(logger, cfg.App.Name),
		ctx:           ctx,
		cancel:        cancel,
	}
	app.serviceLogger.LogServiceStart(cfg.App.Version,
		zap.String("environment", cfg.App.Environment),
		zap.String("driver_version", lrm.VersionString()),
		zap.Int("pool_capacity", cfg.Pool.Capacity),
	)

	app.initializeEventBus()
	app.initializeDriver()
	app.initializeServices()
	app.initializeMonitor()
	app.initializePublishers()
	app.initializeServer()

	return app, nil
}

// initializeEventBus starts the in-process event bus
func (app *Application) initializeEventBus() {
	app.bus = event.NewEventBus(app.logger)
	go app.bus.Start()
}

// initializeDriver builds the device pool and the serial transport
func (app *Application) initializeDriver() {
	opener := protocol.NewSerialOpener(protocol.SerialConfig(app.config.Serial), app.logger)
	pool := lrm.NewPool(app.config.Pool.Capacity, app.logger)
	app.driver = lrm.NewDriver(pool, opener,
		lrm.WithLogger(app.logger),
		lrm.WithPollInterval(app.config.Pool.PollInterval),
		lrm.WithMaxFrame(app.config.Pool.MaxFrame),
	)

	app.logger.Info("Driver initialized",
		zap.Int("capacity", pool.Capacity()),
		zap.Int("baud_rate", app.config.Serial.BaudRate),
	)
}

// initializeServices creates service instances
func (app *Application) initializeServices() {
	app.deviceService = service.NewDeviceService(app.driver, app.bus, app.config, app.logger)
	app.logger.Info("Services initialized successfully")
}

// initializeMonitor registers Prometheus metrics fed from the bus
func (app *Application) initializeMonitor() {
	if !app.config.Metrics.Enabled {
		return
	}
	app.monitor = monitor.NewMonitor(app.deviceService, app.logger)
	app.consume(func(ctx context.Context, events <-chan event.Event) {
		app.monitor.Run(ctx, events)
	})
}

// initializePublishers connects the optional MQTT and Redis outputs. A
// broker that cannot be reached is logged and skipped.
func (app *Application) initializePublishers() {
	if app.config.MQTT.Enabled {
		pub, err := mqttpub.New(&app.config.MQTT, app.logger)
		if err != nil {
			app.logger.Error("MQTT publisher disabled", zap.Error(err))
		} else {
			app.mqtt = pub
			app.consume(pub.Run)
		}
	}

	if app.config.Redis.Enabled {
		pub, err := redispub.New(app.ctx, &app.config.Redis, app.logger)
		if err != nil {
			app.logger.Error("Redis publisher disabled", zap.Error(err))
		} else {
			app.redis = pub
			app.consume(pub.Run)
		}
	}
}

// consume runs fn on a fresh subscription to every bus event.
func (app *Application) consume(fn func(ctx context.Context, events <-chan event.Event)) {
	events := app.bus.Subscribe(event.All)
	app.workers.Add(1)
	go func() {
		defer app.workers.Done()
		fn(app.ctx, events)
	}()
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	scanner := serialscan.NewScanner(app.logger)
	app.router = routes.NewRouter(app.config, app.logger, app.deviceService, app.bus, scanner, app.monitor)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
}

// Start serves HTTP, provisions configured devices and blocks until a
// shutdown signal arrives or the server fails.
func (app *Application) Start() error {
	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	provisioned := app.deviceService.Provision(app.ctx)
	app.logger.Info("Device provisioning finished",
		zap.Int("configured", len(app.config.Devices)),
		zap.Int("provisioned", provisioned),
	)
	app.router.HealthHandler().SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	reason := "shutdown signal received"
	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case serveErr = <-errCh:
		app.logger.Error("HTTP server failed", zap.Error(serveErr))
		reason = "http server failed"
	}

	app.shutdown(reason)
	return serveErr
}

// shutdown performs graceful shutdown
func (app *Application) shutdown(reason string) {
	app.serviceLogger.LogServiceStop(reason)
	app.router.HealthHandler().SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// Stops continuous workers and closes every port.
	app.deviceService.Close()

	app.bus.Stop()
	app.cancel()
	app.workers.Wait()

	if app.mqtt != nil {
		app.mqtt.Close()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn("Redis close error", zap.Error(err))
		}
	}

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Fprintf(os.Stderr, "Logger close error: %v\n", err)
	}
}
