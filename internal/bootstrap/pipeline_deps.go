// Package bootstrap wires configuration, infrastructure, and services into
// runnable API and worker processes.
package bootstrap

import (
	"context"
	"strings"
	"time"

	"pipeline_server/adapter/out/llm"
	"pipeline_server/adapter/out/mongodb"
	"pipeline_server/adapter/out/persistence"
	"pipeline_server/adapter/out/provider"
	"pipeline_server/config"
	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/engine"
	"pipeline_server/core/service/registry"
	syncsvc "pipeline_server/core/service/sync"
	"pipeline_server/infra/database"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/logger"
	"pipeline_server/pkg/ratelimit"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies holds every shared component. Both the API and the worker
// build from one of these.
type Dependencies struct {
	Config *config.Config

	// Infrastructure
	DB    *pgxpool.Pool
	SQLX  *sqlx.DB
	Redis *redis.Client
	Mongo *mongo.Client

	// Outbound adapters
	AccountRepo     out.AccountRepository
	ResultStore     out.ResultStore
	BodyArchive     out.BodyArchive
	Credentials     out.CredentialSource
	ProviderFactory *provider.Factory

	// Services
	Registry     *registry.Service
	Engine       *engine.Engine
	Budget       *ratelimit.TokenBudget
	Debouncer    *ratelimit.SyncDebouncer
	Orchestrator *syncsvc.Orchestrator
}

// NewDependencies builds the dependency graph. The returned cleanup closes
// every connection it opened.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, nil, apperr.ConfigError("DATABASE_URL must be set")
	}

	// PostgreSQL: pgxpool for health/stats, sqlx for the adapters.
	pool, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, apperr.DatabaseError("connect postgres", err)
	}
	deps.DB = pool
	cleanups = append(cleanups, pool.Close)

	db, err := database.NewSqlx(cfg.DatabaseURL)
	if err != nil {
		cleanup()
		return nil, nil, apperr.DatabaseError("connect postgres (sqlx)", err)
	}
	deps.SQLX = db
	cleanups = append(cleanups, func() { db.Close() })

	// Redis is optional: without it the debouncer falls back to its local map.
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, using local debounce only")
		} else {
			deps.Redis = rdb
			cleanups = append(cleanups, func() { rdb.Close() })
		}
	}

	// MongoDB is optional: without it bodies are simply not archived.
	if cfg.MongoDBURL != "" {
		client, err := mongodb.NewClient(cfg.MongoDBURL, cfg.MongoDBName)
		if err != nil {
			logger.WithError(err).Warn("MongoDB unavailable, body archiving disabled")
		} else {
			deps.Mongo = client
			cleanups = append(cleanups, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				client.Disconnect(ctx)
			})

			bodyAdapter := mongodb.NewBodyAdapter(client.Database(cfg.MongoDBName))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := bodyAdapter.EnsureIndexes(ctx); err != nil {
				logger.WithError(err).Warn("failed to ensure body archive indexes")
			}
			cancel()
			deps.BodyArchive = bodyAdapter
		}
	}

	// Provider adapters
	gmail := provider.NewGmailAdapter(&provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		PageSize:     cfg.SyncPageSize,
	})
	outlook := provider.NewOutlookAdapter(&provider.OutlookConfig{
		ClientID:     cfg.MicrosoftClientID,
		ClientSecret: cfg.MicrosoftClientSecret,
		RedirectURL:  cfg.MicrosoftRedirectURL,
		TenantID:     cfg.MicrosoftTenantID,
		PageSize:     cfg.SyncPageSize,
	})
	deps.ProviderFactory = provider.NewFactory(gmail, outlook)

	// Persistence adapters
	deps.AccountRepo = persistence.NewAccountAdapter(db)
	deps.ResultStore = persistence.NewResultAdapter(db)
	deps.Credentials = persistence.NewCredentialAdapter(db, deps.ProviderFactory)

	// Services
	deps.Registry = registry.NewService(deps.AccountRepo)

	aiClient := llm.NewOpenAIAdapter(llm.Config{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		MaxRetries:  cfg.LLMMaxRetries,
	})
	deps.Engine = engine.New(aiClient,
		engine.WithTimeout(cfg.EngineTimeout),
		engine.WithVersion(cfg.EngineVersion),
		engine.WithFanOut(cfg.EngineFanOut),
		engine.WithDraftPolicy(draftPolicyFromLabels(cfg.DraftLabels)),
	)

	deps.Budget = ratelimit.NewTokenBudget(cfg.AIBudgetPerSecond,
		domain.MailProviderGmail, domain.MailProviderOutlook)
	deps.Debouncer = ratelimit.NewSyncDebouncer(deps.Redis, cfg.DebounceWindow)

	deps.Orchestrator = syncsvc.NewOrchestrator(
		deps.Registry,
		deps.Credentials,
		deps.ProviderFactory,
		deps.Engine,
		deps.ResultStore,
		deps.BodyArchive,
		deps.Budget,
	)

	logger.Info("Dependencies initialized (redis=%v, mongo=%v)",
		deps.Redis != nil, deps.Mongo != nil)

	return deps, cleanup, nil
}

// draftPolicyFromLabels builds the draft policy from configured label names.
// Unknown names are ignored rather than silently mapped to other.
func draftPolicyFromLabels(labels []string) domain.DraftPolicy {
	policy := domain.DraftPolicy{}
	for _, raw := range labels {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		for _, known := range domain.KnownLabels {
			if name == string(known) {
				policy[known] = true
			}
		}
	}
	return policy
}

// BackoffFromConfig converts config knobs into the domain backoff curve.
func BackoffFromConfig(cfg *config.Config) domain.BackoffConfig {
	return domain.BackoffConfig{
		Base:        time.Duration(cfg.BackoffBaseSec) * time.Second,
		Cap:         time.Duration(cfg.BackoffCapSec) * time.Second,
		Jitter:      cfg.BackoffJitter,
		MaxAttempts: cfg.BackoffMaxAttempt,
	}
}
