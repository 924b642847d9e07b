// Package app — composition root. Bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"github.com/telestackhq/db/internal/api/handlers"
	"github.com/telestackhq/db/internal/bus"
	"github.com/telestackhq/db/internal/config"
	"github.com/telestackhq/db/internal/engine"
	"github.com/telestackhq/db/internal/infrastructure"
	"github.com/telestackhq/db/internal/jobs"
	"github.com/telestackhq/db/internal/pkg/worker"
	"github.com/telestackhq/db/internal/repository"
	"github.com/telestackhq/db/internal/rules"
	"github.com/telestackhq/db/internal/token"
)

// Application holds composed application dependencies.
type Application struct {
	Config *config.Config
	Router *gin.Engine
	Infra  *infrastructure.Clients
	Pools  *worker.Pools
}

// Bootstrap initializes all dependencies using manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := infrastructure.NewClients(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	store := repository.New(infra.Pool)
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			infra.Close()
			return nil, fmt.Errorf("auto-migrate schema: %w", err)
		}
		if err := infra.MigrateRiver(ctx); err != nil {
			infra.Close()
			return nil, fmt.Errorf("auto-migrate river: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		PublishPoolSize: cfg.Worker.PublishPoolSize,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewTombstonePurgeWorker(store, cfg.River.TombstoneRetention))
	if err := infra.InitRiverClient(workers, cfg.River); err != nil {
		pools.Shutdown()
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}
	// Tombstone retention cleanup: run daily and once on startup so a long
	// downtime does not leave stale tombstones behind.
	infra.RiverClient.PeriodicJobs().Add(
		river.NewPeriodicJob(
			river.PeriodicInterval(24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return jobs.TombstonePurgeArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	)

	ruleEngine := rules.New(cfg.Rules)
	docEngine := engine.New(store, ruleEngine)
	publisher := bus.NewPublisher(infra.Redis, pools)
	issuer := token.NewIssuer([]byte(cfg.Security.BrokerSigningKey), cfg.Security.TokenLifetime)

	server := handlers.NewServer(handlers.ServerDeps{
		Engine:     docEngine,
		Store:      store,
		Publisher:  publisher,
		Issuer:     issuer,
		AdminToken: cfg.Security.AdminToken,
	})

	return &Application{
		Config: cfg,
		Router: NewRouter(server),
		Infra:  infra,
		Pools:  pools,
	}, nil
}
