package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openfinance/core/internal/ais"
	"github.com/openfinance/core/internal/bulk"
	"github.com/openfinance/core/internal/cache"
	"github.com/openfinance/core/internal/config"
	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/directory"
	"github.com/openfinance/core/internal/eventstore"
	"github.com/openfinance/core/internal/fapi"
	"github.com/openfinance/core/internal/fx"
	"github.com/openfinance/core/internal/handlers"
	"github.com/openfinance/core/internal/idempotency"
	"github.com/openfinance/core/internal/monitoring"
	"github.com/openfinance/core/internal/outbox"
	"github.com/openfinance/core/internal/projection"
	"github.com/openfinance/core/internal/ratelimit"
	"github.com/openfinance/core/internal/saga"
	"github.com/openfinance/core/internal/secrets"
)

func main() {
	_ = godotenv.Load()

	cfg := loadConfig()
	metrics := monitoring.NewMetrics()

	// Event store: Postgres when configured, in-memory otherwise. Both
	// implement the outbox source.
	var store eventstore.Store
	var source eventstore.OutboxSource
	if cfg.Postgres.DSN != "" {
		pg, err := eventstore.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store, source = pg, pg
		log.Println("event store: postgres")
	} else {
		mem := eventstore.NewMemoryStore()
		store, source = mem, mem
		log.Println("event store: in-memory (no DATABASE_URL)")
	}

	// Cache and DPoP replay store: Redis when configured.
	var kv cache.Cache
	var replay fapi.ReplayCache
	if cfg.Redis.Addr != "" {
		rd, err := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("redis unavailable (%v), falling back to in-memory cache", err)
			kv = cache.NewMemory()
			replay = ratelimit.NewMemoryReplay()
		} else {
			kv = rd
			replay = ratelimit.NewRedisReplay(rd.Client())
			log.Println("cache: redis")
		}
	} else {
		kv = cache.NewMemory()
		replay = ratelimit.NewMemoryReplay()
		log.Println("cache: in-memory (no REDIS_ADDR)")
	}

	// Bus: the in-process bus always runs (it feeds the projector); Pub/Sub
	// is added alongside when configured.
	memBus := outbox.NewMemoryBus()
	var bus outbox.Bus = memBus
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicID != "" {
		ps, err := outbox.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Printf("pubsub unavailable (%v), in-process bus only", err)
		} else {
			defer ps.Close()
			bus = outbox.MultiBus{memBus, ps}
			log.Println("bus: pubsub + in-process")
		}
	}

	projector := projection.NewProjector()
	memBus.Subscribe(func(ev eventstore.Event) {
		projector.Handle(ev)
		metrics.EventsDispatched.Inc()
	})

	dispatcher := outbox.NewDispatcher(source, bus, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, cfg.Outbox.LagThreshold)

	// Participant directory.
	var framework directory.Framework
	if cfg.Directory.BaseURL != "" {
		framework = directory.NewHTTPFramework(cfg.Directory.BaseURL, cfg.Directory.Timeout)
	} else {
		framework = directory.NewStaticFramework(true)
		log.Println("directory: permissive static framework (no base URL)")
	}
	dir := directory.NewClient(framework, cfg.Directory.MaxTTL, cfg.Directory.NegativeTTL)
	dir.OnSuspended = func(result directory.ValidationResult) {
		ev, err := eventstore.NewEvent(result.ParticipantID, "Participant", "ParticipantSuspendedEvent", result)
		if err == nil {
			ev.SequenceNumber = 1
			_ = memBus.Publish(context.Background(), ev)
		}
		log.Printf("[DIRECTORY] participant %s transitioned to %s", result.ParticipantID, result.Status)
	}

	// FAPI envelope.
	var keys fapi.KeySource = fapi.StaticKeys{}
	if cfg.Security.JWKSURL != "" {
		keys = fapi.NewJWKSClient(cfg.Security.JWKSURL, cfg.Security.JWKSCacheTTL)
	} else {
		log.Println("security: no JWKS URL configured, token verification will reject all kids")
	}
	dpop := fapi.NewDPoPVerifier(cfg.Security.DPoPProofSkew, cfg.Security.DPoPReplayWindow, replay)
	par := fapi.NewMemoryPARStore(cfg.Security.PARRequestTTL)
	env := fapi.NewEnvelope(fapi.EnvelopeConfig{
		Issuer:            cfg.Security.Issuer,
		Audiences:         cfg.Security.Audiences,
		AuthDateSkew:      cfg.Security.AuthDateSkew,
		RequireClientCert: cfg.Security.RequireClientCert,
	}, keys, dpop, par)

	limiter := ratelimit.NewLimiter(ratelimit.Limits{
		AISCallsPerMinute:     cfg.RateLimits.AISCallsPerMinute,
		GeneralCallsPerMinute: cfg.RateLimits.GeneralCallsPerMinute,
		MaxConcurrentBulk:     cfg.RateLimits.MaxConcurrentBulk,
		BurstFraction:         cfg.RateLimits.BurstFraction,
	})

	// Domain services.
	consentRepo := consent.NewRepository(store, cfg.Consent.SnapshotEvery)
	consents := consent.NewService(consentRepo, projector)
	idem := idempotency.NewStore(kv, cfg.Idempotency.TTL)
	aisSvc := ais.NewService(consents, ais.NewMemoryData(), kv, cfg.AIS)
	bulkSvc := bulk.NewService(consents, bulk.NewMemoryRepository(), idem, store, kv, cfg.Bulk)
	fxSvc := fx.NewService(fx.NewMemoryRepository(), defaultRates(), idem, store, kv, cfg.FX)

	var sagaRepo saga.Repository = saga.NewMemoryRepository()
	if cfg.Postgres.DSN != "" {
		if pg, ok := store.(*eventstore.PostgresStore); ok {
			sagaRepo = saga.NewPostgresRepository(pg.DB())
			bulkSvc = bulk.NewService(consents, bulk.NewPostgresRepository(pg.DB()), idem, store, kv, cfg.Bulk)
			fxSvc = fx.NewService(fx.NewPostgresRepository(pg.DB()), defaultRates(), idem, store, kv, cfg.FX)
		}
	}
	orchestrator := saga.NewOrchestrator(sagaRepo, cfg.Saga)
	orchestrator.Register(saga.ConsentAuthorizationDefinition(dir, consents, cfg.Saga.DefaultTimeout))

	server := handlers.NewServer(handlers.Deps{
		Config:     cfg,
		Envelope:   env,
		Limiter:    limiter,
		Metrics:    metrics,
		Dispatcher: dispatcher,
		Consents:   consents,
		Projector:  projector,
		AIS:        aisSvc,
		Bulk:       bulkSvc,
		FX:         fxSvc,
		Sagas:      orchestrator,
		Secrets:    secrets.NewStore(),
		Directory:  dir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)
	go orchestrator.RunMonitor(ctx)
	go consents.RunExpirySweeper(ctx, cfg.Consent.ExpirySweep)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetOutboxLag(dispatcher.Lag())
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("received shutdown signal, draining...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	log.Printf("open finance core starting on port %s", cfg.Server.Port)
	var err error
	if certFile != "" && keyFile != "" {
		err = httpServer.ListenAndServeTLS(certFile, keyFile)
	} else {
		log.Println("WARNING: serving plaintext HTTP, mTLS must be terminated upstream")
		err = httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("server stopped")
}

func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Printf("no config file at %s, using defaults", path)
		return config.Default()
	}
	return cfg
}

// defaultRates is the development rate table. Production deployments point
// the FX service at a real rate feed instead.
func defaultRates() fx.StaticRates {
	return fx.StaticRates{
		"USD/EUR": "0.901550",
		"EUR/USD": "1.109200",
		"USD/AED": "3.672500",
		"AED/USD": "0.272294",
		"EUR/AED": "4.074100",
		"AED/EUR": "0.245452",
	}
}
