// Package main is the entry point for the grid telemetry and
// decision-support backend: it wires configuration, logging, the city
// registry, the four signal providers, the cache/state/catalog stores, the
// analytics-backed processing engine, the streaming ingester, the scenario
// orchestrator, the cost aggregator and scheduler, and the HTTP surface,
// then blocks for a shutdown signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urbangrid/gridcore/internal/cache"
	"github.com/urbangrid/gridcore/internal/catalog"
	"github.com/urbangrid/gridcore/internal/city"
	"github.com/urbangrid/gridcore/internal/coldstore"
	"github.com/urbangrid/gridcore/internal/config"
	"github.com/urbangrid/gridcore/internal/cost"
	"github.com/urbangrid/gridcore/internal/database"
	"github.com/urbangrid/gridcore/internal/domain"
	"github.com/urbangrid/gridcore/internal/engine"
	"github.com/urbangrid/gridcore/internal/events"
	"github.com/urbangrid/gridcore/internal/orchestrator"
	"github.com/urbangrid/gridcore/internal/providers"
	"github.com/urbangrid/gridcore/internal/scheduler"
	"github.com/urbangrid/gridcore/internal/server"
	"github.com/urbangrid/gridcore/internal/store"
	"github.com/urbangrid/gridcore/internal/streaming"
	"github.com/urbangrid/gridcore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode, Service: "gridcore"})
	log.Info().Msg("starting gridcore")

	// Three SQLite databases, one per logical collection group (spec §6's
	// persisted-state layout), each profile-tuned per internal/database.
	gridstateDB, err := database.New(database.Config{
		Path: cfg.DataDir + "/gridstate.db", Profile: database.ProfileLedger, Name: "gridstate",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open gridstate database")
	}
	defer gridstateDB.Close()
	if err := gridstateDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate gridstate database")
	}

	catalogDB, err := database.New(database.Config{
		Path: cfg.DataDir + "/catalog.db", Profile: database.ProfileStandard, Name: "catalog",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open catalog database")
	}
	defer catalogDB.Close()
	if err := catalogDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate catalog database")
	}

	cacheDB, err := database.New(database.Config{
		Path: cfg.DataDir + "/cache.db", Profile: database.ProfileCache, Name: "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cache database")
	}
	defer cacheDB.Close()
	if err := cacheDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate cache database")
	}

	cacheRepo := cache.NewRepository(cacheDB.Conn())
	cityRegistry := city.NewRegistry()
	bus := events.NewBus()

	stateStore := store.New(gridstateDB)
	groundingCatalog := catalog.New(catalogDB)

	signalProviders := providers.New(cacheRepo, log)
	signalProviders.Tariff.SetDefaultPrice(cfg.DefaultPriceKWh)

	eng := engine.New(signalProviders, stateStore, cityRegistry, bus, log)
	costAgg := cost.New(stateStore, signalProviders.Tariff, cost.Config{
		CarbonPricePerTon: cfg.CarbonPricePerTon,
		DefaultPriceKWh:   cfg.DefaultPriceKWh,
		PriceOverAQIPoint: cfg.PriceOverAQIPoint,
		PriceOverIncident: cfg.PriceOverIncident,
	})
	orch := orchestrator.New(stateStore, groundingCatalog, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingester := streaming.New(cfg.BusAddr, stateStore, bus, log)
	if err := ingester.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("streaming ingester failed to start, bus-fed processing will be unavailable")
	}

	coldExporter, err := coldstore.New(ctx, coldstore.Config{Bucket: cfg.ColdstoreBucket}, log)
	if err != nil {
		log.Warn().Err(err).Msg("cold storage exporter unavailable, continuing without it")
	}

	// The background producer caps zones-per-cycle per spec §6; the
	// synchronous HTTP trigger (handlers.go) calls eng.ProcessCity directly
	// and is not subject to this cap.
	sched := scheduler.New(func(ctx context.Context, cityID string) (domain.ProcessingSummary, error) {
		return eng.ProcessCityLimited(ctx, cityID, cfg.MaxZonesPerCity)
	}, stateStore, cacheRepo, log).
		WithColdstore(costAgg.Summarize, coldExporter)
	sched.Start(cfg.DefaultCity, time.Duration(cfg.CycleIntervalS)*time.Second)

	srv := server.New(server.Config{
		Log: log, Port: cfg.Port, DevMode: cfg.DevMode,
		Registry: cityRegistry, Store: stateStore, Engine: eng,
		Scheduler: sched, Orchestrator: orch, Cost: costAgg, Bus: bus,
		CycleInterval: time.Duration(cfg.CycleIntervalS) * time.Second,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	if err := ingester.Stop(context.Background()); err != nil {
		log.Error().Err(err).Msg("error stopping streaming ingester")
	}
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
