// internal/service/provisioning.go
package service

import (
	"context"

	"go.uber.org/zap"

	"lrm-service/internal/config"
)

// Provision creates a session for every configured device. Failures are
// logged and skipped so one missing device does not block the others. It
// returns the number of devices provisioned without error.
func (ds *DeviceService) Provision(ctx context.Context) int {
	ok := 0
	for _, dev := range ds.config.Devices {
		logger := ds.logger.With(zap.String("device_name", dev.Name), zap.String("port", dev.Port))
		if err := ds.provisionOne(ctx, dev); err != nil {
			logger.Error("Device provisioning failed", zap.Error(err))
			continue
		}
		logger.Info("Device provisioned",
			zap.Bool("connected", dev.AutoConnect),
			zap.Bool("continuous", dev.Continuous),
		)
		ok++
	}
	return ok
}

func (ds *DeviceService) provisionOne(ctx context.Context, dev config.DeviceProvision) error {
	req := &CreateSessionRequest{Name: dev.Name}
	if dev.AutoConnect {
		req.Port = dev.Port
	}
	info, err := ds.CreateSession(ctx, req)
	if err != nil {
		return err
	}
	if !dev.AutoConnect {
		return nil
	}

	cfg := provisionConfig(dev)
	if !cfg.IsEmpty() {
		if _, err := ds.Configure(ctx, info.ID, cfg); err != nil {
			return err
		}
	}
	if dev.Continuous {
		return ds.StartContinuous(ctx, info.ID)
	}
	return nil
}

func provisionConfig(dev config.DeviceProvision) *ConfigRequest {
	cfg := &ConfigRequest{Address: dev.Address}
	if dev.Range != 0 {
		cfg.Range = &dev.Range
	}
	if dev.Resolution != 0 {
		cfg.Resolution = &dev.Resolution
	}
	if dev.Frequency != 0 {
		cfg.Frequency = &dev.Frequency
	}
	if dev.StartPosition != "" {
		cfg.StartPosition = &dev.StartPosition
	}
	return cfg
}
