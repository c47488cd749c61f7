package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/outbound-lead-dialer/internal/config"
	"github.com/acme/outbound-lead-dialer/internal/dialer"
	"github.com/acme/outbound-lead-dialer/internal/infra/db"
	"github.com/acme/outbound-lead-dialer/internal/infra/redis"
	"github.com/acme/outbound-lead-dialer/internal/pool"
	"github.com/acme/outbound-lead-dialer/internal/queue"
	"github.com/acme/outbound-lead-dialer/internal/reconcile"
	"github.com/acme/outbound-lead-dialer/internal/repository"
	pgrepo "github.com/acme/outbound-lead-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-lead-dialer/internal/repository/scylla"
	leadsvc "github.com/acme/outbound-lead-dialer/internal/service/lead"
	"github.com/acme/outbound-lead-dialer/internal/service/runlock"
	"github.com/acme/outbound-lead-dialer/internal/telephony"
	telephonyMock "github.com/acme/outbound-lead-dialer/internal/telephony/mock"
	"github.com/acme/outbound-lead-dialer/internal/telephony/vapi"
	"github.com/acme/outbound-lead-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	// baseCtx is the process-lifetime context handed to Build. Long-lived
	// components (the dispatch loop) anchor on it, never on a request.
	baseCtx context.Context

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		initErr      error
		repositories *repositories
		services     *services
		publisher    *queue.EventPublisher
		provider     telephony.Provider
		pool         *pool.IdentityPool
		engine       *dialer.Engine
	}
}

type repositories struct {
	Leads      repository.LeadRepository
	Identities repository.IdentityRepository
	Stats      repository.StatsRepository
	DialLog    repository.DialLogStore
}

type services struct {
	Lead      *leadsvc.Service
	Reconcile *reconcile.Service
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		baseCtx:  ctx,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		repos := &repositories{
			Leads:      pgrepo.NewLeadRepository(c.Postgres.DB()),
			Identities: pgrepo.NewIdentityRepository(c.Postgres.DB()),
			Stats:      pgrepo.NewStatsRepository(c.Postgres.DB()),
			DialLog:    scyllarepo.NewDialLog(c.Scylla.Session()),
		}

		publisher := queue.NewEventPublisher(c.Kafka, c.Config.Kafka.EventTopic)
		identityPool := pool.New(repos.Identities, nil)

		provider, err := c.buildProvider()
		if err != nil {
			c.components.initErr = err
			return
		}

		lock := runlock.New(c.Redis.Inner(), c.Config.Dialer.LockKey, c.Config.Dialer.LockTTL)

		engine := dialer.New(
			repos.Leads,
			identityPool,
			repos.Stats,
			provider,
			c.Logger,
			c.Config.Dialer,
			dialer.Options{
				DialLog:     repos.DialLog,
				Events:      publisher,
				Lock:        lock,
				BaseContext: c.baseCtx,
			},
		)

		services := &services{
			Lead: leadsvc.NewService(repos.Leads, repos.Stats),
			Reconcile: reconcile.NewService(
				repos.Leads,
				repos.Stats,
				publisher,
				c.Logger,
				c.Config.Dialer.UnitRatePerMinute,
				nil,
			),
		}

		c.components.repositories = repos
		c.components.services = services
		c.components.publisher = publisher
		c.components.provider = provider
		c.components.pool = identityPool
		c.components.engine = engine
	})
	return c.components.initErr
}

func (c *Container) buildProvider() (telephony.Provider, error) {
	if c.Config.CallBridge.ProviderName == "mock" {
		return telephonyMock.NewProvider(), nil
	}
	return vapi.NewProvider(c.Config.CallBridge)
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() (*repositories, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.repositories, nil
}

// Services exposes initialized services.
func (c *Container) Services() (*services, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.services, nil
}

// Pool exposes the identity pool.
func (c *Container) Pool() (*pool.IdentityPool, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.pool, nil
}

// Engine exposes the dispatch engine.
func (c *Container) Engine() (*dialer.Engine, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.engine, nil
}

// Publisher exposes the kafka event publisher.
func (c *Container) Publisher() (*queue.EventPublisher, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.publisher, nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.OutcomeTopic, c.Config.Kafka.EventTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.publisher != nil {
		if err := c.components.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
