package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/openrepo/editsync/cmd/editsync/fanout"
	"github.com/openrepo/editsync/cmd/editsync/repository"
	"github.com/openrepo/editsync/cmd/editsync/service"
	"github.com/openrepo/editsync/common/bootstrap"
	"github.com/openrepo/editsync/common/gateway"
	"github.com/openrepo/editsync/common/jsonpatch"
	"github.com/openrepo/editsync/common/metrics"
	"github.com/openrepo/editsync/common/notify"
	"github.com/openrepo/editsync/common/objectupdates"
	"github.com/openrepo/editsync/common/ratelimit"
	"github.com/openrepo/editsync/common/schema"
	"github.com/openrepo/editsync/common/validation"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components
	Metrics    *metrics.Metrics

	// Domain
	Schema   *schema.Schema
	Store    *objectupdates.Store
	Gateway  *gateway.Gateway
	Notifier *notify.Notifier
	Journal  service.Journal
	Limiter  ratelimit.Limiter

	// Services
	EditSessions *service.EditSessionService

	// Push
	Hub      *fanout.Hub
	Upgrader *websocket.Upgrader
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	var m *metrics.Metrics
	if components.Telemetry != nil {
		m = components.Telemetry.Metrics
	}

	evaluator, err := validation.NewExprEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression evaluator: %w", err)
	}
	registry := validation.NewRegistry(evaluator)

	resourceSchema, err := schema.Load(cfg.Store.SchemaFile, registry, cfg.Store.SchemaVariant, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource schema: %w", err)
	}

	store := objectupdates.NewStore(log, objectupdates.Options{
		Policy:          resourceSchema,
		IdleTTL:         cfg.Store.IdleTTL,
		ReinstateWindow: cfg.Store.ReinstateWindow,
	})

	gwOpts := gateway.Options{
		BaseURL:      cfg.Backend.BaseURL,
		Timeout:      cfg.Backend.Timeout,
		FetchRetries: cfg.Backend.FetchRetries,
		CacheTTL:     cfg.Cache.DefaultTTL,
	}
	if cfg.Cache.Enabled {
		gwOpts.Cache = components.Cache
	}
	if cfg.Features.EnableDistributedLock {
		if components.Redis == nil {
			return nil, errors.New("distributed lock enabled but redis is not configured")
		}
		gwOpts.Distributed = gateway.NewRedisLocker(components.Redis, cfg.Backend.SubmitLockTTL)
	}
	gw := gateway.New(gwOpts, log)

	var journal service.Journal
	if components.DB != nil {
		journal = repository.NewPatchJournalRepository(components.DB)
	} else {
		log.Info("no database configured, keeping patch journal in memory")
		journal = repository.NewMemoryJournal(100)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.SubmitLimit > 0 {
		if components.Redis != nil {
			limiter = ratelimit.NewRedisLimiter(components.Redis, "editsync:ratelimit:submit:", log)
		} else {
			limiter = ratelimit.NewMemoryLimiter()
		}
	}

	notifier := notify.New(components.Queue, log, m)

	editSessions := service.NewEditSessionService(service.Deps{
		Store:     store,
		Schema:    resourceSchema,
		Builder:   jsonpatch.NewBuilder(jsonpatch.PathCombiner{}),
		Validator: validation.NewPatchValidator().WithMaxOperations(cfg.Backend.MaxOperations),
		Gateway:   gw,
		Notifier:  notifier,
		Journal:   journal,
		Metrics:   m,
	}, log)

	return &Container{
		Components:   components,
		Metrics:      m,
		Schema:       resourceSchema,
		Store:        store,
		Gateway:      gw,
		Notifier:     notifier,
		Journal:      journal,
		Limiter:      limiter,
		EditSessions: editSessions,
		Hub:          fanout.NewHub(log),
		Upgrader:     fanout.NewUpgrader(cfg.Service.CORSOrigins),
	}, nil
}

// Start launches the background loops. They stop when ctx is done.
func (c *Container) Start(ctx context.Context) error {
	cfg := c.Components.Config
	log := c.Components.Logger

	go c.Hub.Run(ctx)
	go c.EditSessions.Run(ctx, cfg.Store.SweepInterval)

	if c.Components.Queue != nil {
		if err := c.Hub.ConsumeNotifications(ctx, c.Components.Queue); err != nil {
			return fmt.Errorf("failed to consume notifications: %w", err)
		}
	}

	if cfg.Store.SchemaFile != "" && cfg.Features.EnableSchemaWatch {
		go func() {
			if err := c.Schema.Watch(ctx, cfg.Store.SchemaFile); err != nil {
				log.Warn("schema watch stopped", "error", err)
			}
		}()
	}
	return nil
}

// Close releases the store
func (c *Container) Close() error {
	return c.Store.Close()
}
