package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/survey-call-engine/internal/callsync"
	"github.com/acme/survey-call-engine/internal/config"
	"github.com/acme/survey-call-engine/internal/dialogue"
	"github.com/acme/survey-call-engine/internal/events"
	"github.com/acme/survey-call-engine/internal/infra/db"
	"github.com/acme/survey-call-engine/internal/infra/redis"
	"github.com/acme/survey-call-engine/internal/llm"
	llmanthropic "github.com/acme/survey-call-engine/internal/llm/anthropic"
	llmmock "github.com/acme/survey-call-engine/internal/llm/mock"
	llmopenai "github.com/acme/survey-call-engine/internal/llm/openai"
	"github.com/acme/survey-call-engine/internal/persistence"
	"github.com/acme/survey-call-engine/internal/repository"
	pgrepo "github.com/acme/survey-call-engine/internal/repository/postgres"
	scyllarepo "github.com/acme/survey-call-engine/internal/repository/scylla"
	"github.com/acme/survey-call-engine/internal/scheduler"
	"github.com/acme/survey-call-engine/internal/telephony"
	telephonymock "github.com/acme/survey-call-engine/internal/telephony/mock"
	"github.com/acme/survey-call-engine/internal/telephony/twilio"
	"github.com/acme/survey-call-engine/internal/webhook"
	"github.com/acme/survey-call-engine/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *events.KafkaPublisher

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *Repositories
		engine       *Engine
	}
}

// Repositories groups the storage-layer components.
type Repositories struct {
	Campaigns repository.CampaignRepository
	Contacts  repository.ContactRepository
	Attempts  repository.CallAttemptRepository
	Tx        repository.TxRunner
	Journal   repository.EventJournal
}

// Engine groups the call-lifecycle components.
type Engine struct {
	Telephony    telephony.Provider
	Gateway      llm.Gateway
	Persistence  *persistence.Service
	Orchestrator *dialogue.Orchestrator
	Webhooks     *webhook.Processor
	Scheduler    *scheduler.Scheduler
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
	if !cfg.Scylla.DisableInitSchema {
		if err := scyllarepo.EnsureSchema(scylla.Session()); err != nil {
			return nil, fmt.Errorf("ensure scylla schema: %w", err)
		}
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	publisher, err := events.NewKafkaPublisher(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    publisher,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &Repositories{
			Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Contacts:  pgrepo.NewContactRepository(c.Postgres.DB()),
			Attempts:  pgrepo.NewCallAttemptRepository(c.Postgres.DB()),
			Tx:        pgrepo.NewTxRunner(c.Postgres.DB()),
			Journal:   scyllarepo.NewEventJournal(c.Scylla.Session()),
		}

		provider := c.buildTelephony()
		gateway := c.buildGateway()

		persist := persistence.NewService(repos.Tx, repos.Campaigns, c.Kafka, c.Logger)

		orchestrator := dialogue.NewOrchestrator(
			gateway,
			persist,
			repos.Campaigns,
			repos.Contacts,
			c.Config.Dialogue,
			c.Logger,
		)

		callLock := callsync.NewRedisLock(c.Redis.Inner(), "call", c.Config.Scheduler.LockTTL)
		processor := webhook.NewProcessor(
			provider,
			repos.Attempts,
			repos.Contacts,
			repos.Campaigns,
			repos.Journal,
			orchestrator,
			persist,
			callLock,
			c.Logger,
		)

		tickLock := callsync.NewRedisLock(c.Redis.Inner(), "lock", c.Config.Scheduler.LockTTL)
		sched := scheduler.New(
			repos.Campaigns,
			repos.Contacts,
			repos.Attempts,
			provider,
			tickLock,
			c.Config.Scheduler,
			c.Config.Telephony,
			c.Logger,
		)

		c.components.repositories = repos
		c.components.engine = &Engine{
			Telephony:    provider,
			Gateway:      gateway,
			Persistence:  persist,
			Orchestrator: orchestrator,
			Webhooks:     processor,
			Scheduler:    sched,
		}
	})
}

func (c *Container) buildTelephony() telephony.Provider {
	switch c.Config.Telephony.ProviderName {
	case "twilio":
		return twilio.NewProvider(c.Config.Telephony)
	default:
		return telephonymock.NewProvider(0)
	}
}

func (c *Container) buildGateway() llm.Gateway {
	switch c.Config.LLM.ProviderName {
	case "openai":
		return llmopenai.NewAdapter(c.Config.LLM)
	case "anthropic":
		return llmanthropic.NewAdapter(c.Config.LLM)
	default:
		return llmmock.NewGateway()
	}
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *Repositories {
	c.initComponents()
	return c.components.repositories
}

// Engine exposes the call-lifecycle components.
func (c *Container) Engine() *Engine {
	c.initComponents()
	return c.components.engine
}

// Close tears down infrastructure connections.
func (c *Container) Close(ctx context.Context) {
	if err := c.Kafka.Close(); err != nil {
		c.Logger.Warn("kafka close failed")
	}
	if err := c.Redis.Close(); err != nil {
		c.Logger.Warn("redis close failed")
	}
	if err := c.Scylla.Close(); err != nil {
		c.Logger.Warn("scylla close failed")
	}
	if err := c.Postgres.Close(ctx); err != nil {
		c.Logger.Warn("postgres close failed")
	}
	c.Logger.Sync()
}
