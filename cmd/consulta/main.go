// Command consulta runs the clinical conversation service: session CRUD and
// message turns over HTTP, backed by SQLite or Postgres.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	consulta "github.com/aliviolabs/consulta"
	"github.com/aliviolabs/consulta/internal/config"
	"github.com/aliviolabs/consulta/internal/httpapi"
	"github.com/aliviolabs/consulta/observer"
	"github.com/aliviolabs/consulta/provider/gemini"
	"github.com/aliviolabs/consulta/store/postgres"
	"github.com/aliviolabs/consulta/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config (default consulta.toml)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)

	if cfg.Model.APIKey == "" {
		logger.Error("missing API key: set CONSULTA_API_KEY or model.api_key")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracer consulta.Tracer
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		tracer = observer.NewTracer()
	}

	var model consulta.ModelClient = gemini.New(cfg.Model.APIKey, cfg.Model.Model,
		gemini.WithLogger(logger))
	if inst != nil {
		model = observer.WrapModel(model, inst)
	}
	if cfg.Model.RPM > 0 || cfg.Model.TPM > 0 {
		model = consulta.WithRateLimit(model,
			consulta.RPM(cfg.Model.RPM), consulta.TPM(cfg.Model.TPM))
	}
	model = consulta.WithRetry(model, consulta.RetryLogger(logger))

	// Store selection: Postgres when a URL is configured, embedded SQLite
	// otherwise.
	var store consulta.SessionStore
	var patients consulta.PatientStore
	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pgOpts := []postgres.Option{postgres.WithLogger(logger)}
		if cfg.Database.ChangeTracking {
			pgOpts = append(pgOpts, postgres.WithChangeTracking())
		}
		pg := postgres.New(pool, pgOpts...)
		if err := pg.Init(ctx); err != nil {
			logger.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		store = pg
		patients = pg.Patients()
	} else {
		sqOpts := []sqlite.StoreOption{sqlite.WithLogger(logger)}
		if cfg.Database.ChangeTracking {
			sqOpts = append(sqOpts, sqlite.WithChangeTracking())
		}
		sq := sqlite.New(cfg.Database.Path, sqOpts...)
		if err := sq.Init(ctx); err != nil {
			logger.Error("sqlite init failed", "error", err)
			os.Exit(1)
		}
		defer sq.Close()
		store = sq
		patients = sq.Patients()
	}

	registryOpts := []consulta.RegistryOption{consulta.RegistryLogger(logger)}
	for agent, modelID := range cfg.Agents.Models {
		registryOpts = append(registryOpts, consulta.WithAgentModel(agent, modelID))
	}
	registry := consulta.NewAgentRegistry(model, cfg.Model.Model, registryOpts...)

	router := consulta.NewIntentRouter(model,
		consulta.RouterModelID(cfg.Model.AuxModel),
		consulta.ConfidenceBands(cfg.Routing.ConfidenceHigh, cfg.Routing.ConfidenceLow),
		consulta.RouterMaxSwitches(cfg.Routing.MaxConsecutiveSwitches),
		consulta.RouterLogger(logger),
		consulta.RouterTracer(tracer))

	coreOpts := []consulta.CoreOption{
		consulta.WithPatients(patients),
		consulta.WithWindow(consulta.NewContextWindowManager(
			consulta.MaxExchanges(cfg.Context.MaxExchanges),
			consulta.TriggerTokens(cfg.Context.TriggerTokens),
			consulta.TargetTokens(cfg.Context.TargetTokens),
			consulta.WindowLogger(logger))),
		consulta.WithDetector(consulta.NewEdgeCaseDetector(
			consulta.SafeTurnsThreshold(cfg.Risk.SafeTurnsThreshold),
			consulta.NightSessionMinutes(cfg.Risk.NightSessionMinutes),
			consulta.MaxSessionMinutes(cfg.Risk.MaxSessionMinutes),
			consulta.DetectorLogger(logger))),
		consulta.WithCollector(consulta.NewMetadataCollector(store, patients,
			consulta.CollectorLogger(logger))),
		consulta.WithExtractor(consulta.NewEntityExtractor(model,
			consulta.ExtractorModelID(cfg.Model.AuxModel),
			consulta.ExtractorLogger(logger))),
		consulta.CoreLogger(logger),
	}
	if tracer != nil {
		coreOpts = append(coreOpts, consulta.CoreTracer(tracer))
	}
	if inst != nil {
		coreOpts = append(coreOpts, consulta.WithMetrics(observer.NewCoreMetrics(inst)))
	}
	if cfg.Orchestration.UseAdvanced {
		coreOpts = append(coreOpts, consulta.WithOrchestrator(
			consulta.NewDynamicOrchestrator(model, registry,
				consulta.OrchestratorModelID(cfg.Model.AuxModel),
				consulta.LockThreshold(cfg.Orchestration.LockThreshold),
				consulta.OrchestratorLogger(logger))))
	}

	core := consulta.NewCore(store, registry, router, coreOpts...)

	api := httpapi.New(core, httpapi.Logger(logger))
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     api.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streamed turns can run for minutes; no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr,
			"advanced_orchestration", cfg.Orchestration.UseAdvanced)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	logger.Info("stopped")
}
