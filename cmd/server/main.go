// Command server runs the claim verification platform: HTTP API, pipeline
// workers, HITL sweeper and the event feed, backed by Postgres, Redis and
// the vector index when configured and by in-memory stores otherwise.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/aevion/shield/internal/api"
	"github.com/aevion/shield/internal/audit"
	"github.com/aevion/shield/internal/cache"
	"github.com/aevion/shield/internal/config"
	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/events"
	"github.com/aevion/shield/internal/evidence"
	"github.com/aevion/shield/internal/gateway"
	"github.com/aevion/shield/internal/hitl"
	"github.com/aevion/shield/internal/infra"
	"github.com/aevion/shield/internal/metering"
	"github.com/aevion/shield/internal/pipeline"
	"github.com/aevion/shield/internal/sanitize"
	"github.com/aevion/shield/internal/vector"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Local development convenience; absent .env is fine.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Env == "development" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage. Postgres backs the durable stores; without a DSN everything
	// runs in memory, which is enough for a single-node evaluation setup.
	var db *sql.DB
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			slog.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			slog.Error("postgres unreachable", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("postgres connected")
	} else {
		slog.Warn("no DATABASE_URL; using in-memory stores")
	}

	var (
		ledger        audit.Ledger
		proofStore    evidence.Store
		ticketStore   hitl.Store
		instanceStore pipeline.Store
	)
	if db != nil {
		ledger = audit.NewPostgresLedger(db)
		proofStore = evidence.NewPostgresStore(db)
		ticketStore = hitl.NewPostgresStore(db)
		instanceStore = pipeline.NewPostgresStore(db)
	} else {
		ledger = audit.NewMemoryLedger()
		proofStore = evidence.NewMemoryStore()
		ticketStore = hitl.NewMemoryStore()
		instanceStore = pipeline.NewMemoryStore()
	}
	recorder := audit.NewRecorder(ledger)

	// Artifact cache: Redis with in-memory fallback.
	var redisClient cache.RedisClient
	if addr := cfg.Storage.RedisAddr; addr != "" {
		adapter, err := infra.NewGoRedisAdapter(addr, os.Getenv("REDIS_PASSWORD"), cfg.Storage.RedisDB)
		if err != nil {
			slog.Warn("redis unavailable, using in-memory cache", "error", err)
		} else {
			defer adapter.Close()
			redisClient = adapter
		}
	}
	if redisClient == nil {
		redisClient = cache.NewMemoryClient()
	}
	artifacts := cache.New(redisClient, "shield", time.Hour)

	// Event bus: Pub/Sub fan-out when a project is configured, otherwise
	// in-process only. The local bus always exists for the live stream.
	bus := events.NewBus()
	var emitter events.Emitter = bus
	if cfg.Events.PubSubProject != "" {
		psBus, err := events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			slog.Warn("pubsub unavailable, events stay in-process", "error", err)
		} else {
			defer psBus.Close()
			bus = psBus.Bus
			emitter = psBus
		}
	}

	signingKey := cfg.Storage.SigningKey
	if signingKey == "" {
		slog.Warn("SHIELD_SIGNING_KEY not set; using ephemeral key, proofs will not survive restart")
		signingKey = time.Now().Format(time.RFC3339Nano)
	}
	signer, err := evidence.NewSigner([]byte(signingKey))
	if err != nil {
		slog.Error("signer init failed", "error", err)
		os.Exit(1)
	}
	chain := evidence.NewChain(proofStore, signer)

	engine := consensus.NewEngine(consensus.Params{
		MinVotes:       cfg.Consensus.MinVotes,
		SigmaVar:       cfg.Consensus.SigmaVar,
		HaltThresholds: cfg.HaltThresholds(),
	})

	gate := hitl.NewGate(ticketStore, recorder, emitter, cfg.HITL.Deadline)
	go gate.RunSweeper(ctx, cfg.HITL.SweepInterval)

	var embedder gateway.Embedder
	if cfg.Models.EmbedderURL != "" {
		embedder = gateway.NewHTTPEmbedder(cfg.Models.EmbedderURL, os.Getenv("MODEL_API_KEY"), cfg.Models.CallTimeout)
	} else {
		slog.Warn("no embedder endpoint; using local hash-projection embedder")
		embedder = gateway.LocalEmbedder{}
	}

	var index vector.Index
	if cfg.Storage.VectorURL != "" {
		index = vector.NewHTTPIndex(cfg.Storage.VectorURL, os.Getenv("VECTOR_API_KEY"), 10*time.Second)
	} else {
		slog.Warn("no vector index endpoint; using in-memory index")
		index = vector.NewMemoryIndex()
	}

	verifier := gateway.NewClient(cfg.Models.Endpoints,
		gateway.WithConcurrency(cfg.Models.Concurrency),
		gateway.WithCallTimeout(cfg.Models.CallTimeout),
	)
	if len(cfg.Models.Endpoints) == 0 {
		slog.Warn("no model endpoints configured; claims will fail verification")
	}

	meter := metering.NewMeter(cfg.MeteringPlans())
	defer meter.Stop()

	orch := pipeline.New(pipeline.Deps{
		Scanner:  sanitize.NewScanner(),
		Embedder: embedder,
		Index:    index,
		Verifier: verifier,
		Engine:   engine,
		Gate:     gate,
		Chain:    chain,
		Recorder: recorder,
		Cache:    artifacts,
		Emitter:  emitter,
		Store:    instanceStore,
	}, pipeline.Options{
		Workers:         cfg.Pipeline.Workers,
		QueueDepth:      cfg.Pipeline.QueueDepth,
		SigmaVar:        cfg.Consensus.SigmaVar,
		MandatoryReview: cfg.MandatoryReviewDomains(),
	})
	orch.Start(ctx)

	server := api.New(api.Deps{
		Orchestrator: orch,
		Engine:       engine,
		Gate:         gate,
		Proofs:       proofStore,
		Recorder:     recorder,
		Meter:        meter,
		Cache:        artifacts,
		Bus:          bus,
	}, api.AuthKeys{
		API:      cfg.Auth.APIKeys,
		Reviewer: cfg.Auth.ReviewerKeys,
		Model:    cfg.Auth.ModelKeys,
		Grants:   keyGrants(cfg.Auth.KeyPlans),
	}, ":"+cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	stop()
	orch.Wait()
	slog.Info("stopped")
}

func keyGrants(plans map[string]config.KeyPlan) map[string]api.Grant {
	if len(plans) == 0 {
		return nil
	}
	out := make(map[string]api.Grant, len(plans))
	for key, plan := range plans {
		out[key] = api.Grant{Tenant: plan.Tenant, Tier: metering.Tier(plan.Tier)}
	}
	return out
}
