package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/telestackhq/db/internal/pkg/logger"
)

// Start starts background services (River maintenance workers).
func (a *Application) Start(ctx context.Context) error {
	if a.Infra != nil && a.Infra.RiverClient != nil {
		if err := a.Infra.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, maintenance jobs will now be consumed")
	}
	return nil
}

// Shutdown gracefully shuts down all application components.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	if a.Infra != nil && a.Infra.RiverClient != nil {
		if err := a.Infra.RiverClient.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
	}

	if a.Pools != nil {
		a.Pools.Shutdown()
	}

	if a.Infra != nil {
		a.Infra.Close()
	}
}
