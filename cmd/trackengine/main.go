package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldops/trackengine/internal/activity"
	"github.com/fieldops/trackengine/internal/config"
	"github.com/fieldops/trackengine/internal/filter"
	"github.com/fieldops/trackengine/internal/geo"
	"github.com/fieldops/trackengine/internal/handler"
	"github.com/fieldops/trackengine/internal/metrics"
	"github.com/fieldops/trackengine/internal/models"
	"github.com/fieldops/trackengine/internal/mqtt"
	"github.com/fieldops/trackengine/internal/presence"
	"github.com/fieldops/trackengine/internal/repository"
	"github.com/fieldops/trackengine/internal/segment"
	"github.com/fieldops/trackengine/internal/service"
	"github.com/fieldops/trackengine/pkg/utils"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.NewLogger(config.LogLevel(), config.LogFormat())
	utils.SetDefaultLogger(logger)
	logger.WithField("version", Version).Info("Starting trackengine")
	metrics.SetAppInfo(Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live state
	stateStore, err := repository.NewRedisStateStore(&cfg.Redis, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Redis state store")
	}
	defer stateStore.Close()

	if err := stateStore.Ping(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	logger.Info("Connected to Redis")

	// History, zones, entities and aggregates
	if cfg.MySQL.DSN == "" {
		logger.Fatal("MYSQL_DSN is required")
	}
	mysqlRepo, err := repository.NewMySQLRepository(&cfg.MySQL, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize MySQL repository")
	}
	defer mysqlRepo.Close()

	if err := mysqlRepo.Ping(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect to MySQL")
	}
	logger.Info("Connected to MySQL")

	loc := cfg.Location()

	zoneCache := geo.NewLRUCache[*models.Polygon](cfg.Performance.ZoneCacheSize, cfg.Performance.ZoneCacheTTL, nil)
	zones, err := geo.NewZoneCache(mysqlRepo, zoneCache, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize zone cache")
	}
	go cleanCache(ctx, zoneCache, cfg.Performance.ZoneCacheTTL, logger)

	// Presence and activities
	presenceCfg, err := presence.FromConfig(cfg.Presence)
	if err != nil {
		logger.WithError(err).Fatal("Invalid presence configuration")
	}
	tracker, err := presence.NewTracker[models.Entity](stateStore, zones, presenceCfg, logger.WithField("component", "presence"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize presence tracker")
	}

	activities, err := activity.NewService(stateStore, zones, utils.SystemClock{}, activity.FromConfig(cfg.Activity), logger.WithField("component", "activity"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize activity service")
	}
	go activities.Run(ctx)

	// Live ingestion
	pipeline := filter.NewPipeline(filter.FromConfig(cfg.Filter), logger.WithField("component", "filter"))

	history, err := service.NewBatchWriter(mysqlRepo, logger.WithField("component", "history"), service.BatchConfigFromConfig(cfg.Performance))
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize history writer")
	}

	dispatcher := service.NewDispatcher(cfg.Performance.DispatcherShards, cfg.Performance.ShardQueueSize, logger)
	dispatcher.Start(ctx)

	ingestor, err := service.NewIngestor(service.IngestorDeps{
		Pipeline:     pipeline,
		FilterStates: stateStore,
		Entities:     mysqlRepo,
		Tracker:      tracker,
		Dispatcher:   dispatcher,
		History:      history,
		Activities:   activities,
	}, cfg.Performance.StoreTimeout, logger.WithField("component", "ingest"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize ingestor")
	}

	// Day analysis
	analyzer, err := service.NewAnalyzer(service.AnalyzerDeps{
		Points:     mysqlRepo,
		Zones:      zones,
		Entities:   mysqlRepo,
		Aggregates: mysqlRepo,
		Pipeline:   pipeline,
		Movement:   segment.NewMovementSegmenter(segment.FromConfig(cfg.Segment), logger),
	}, loc, cfg.Performance.AnalyzeParallel, logger.WithField("component", "analyzer"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize analyzer")
	}
	go runNightly(ctx, analyzer, loc, logger)

	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger, func(point models.GpsPoint) error {
		return ingestor.Submit(point)
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize MQTT client")
	}

	if err := mqttClient.Connect(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to MQTT broker")
	}

	// HTTP
	rest := handler.NewRESTHandler(handler.RESTDeps{
		Aggregates: mysqlRepo,
		Sessions:   stateStore,
		Activities: stateStore,
		Scheduler:  activities,
		Analyzer:   analyzer,
	}, loc, logger)

	server := handler.NewServer(cfg, rest, map[string]handler.HealthChecker{
		"redis": stateStore,
		"mysql": mysqlRepo,
	}, Version, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.WithField("signal", sig).Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// stop intake first, then drain what is already queued
	mqttClient.Disconnect()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}
	dispatcher.Stop()
	history.Stop()
	cancel()

	logger.Info("Server stopped gracefully")
}

// runNightly analyses the previous day shortly after each local midnight
func runNightly(ctx context.Context, analyzer *service.Analyzer, loc *time.Location, logger *utils.Logger) {
	for {
		now := time.Now().In(loc)
		next := models.StartOfDay(now, loc).AddDate(0, 0, 1).Add(10 * time.Minute)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		day := models.StartOfDay(next, loc).AddDate(0, 0, -1)
		done, err := analyzer.AnalyzeAll(ctx, day)
		entry := logger.WithField("day", models.DayKey(day, loc)).WithField("entities", done)
		if err != nil {
			entry.WithError(err).Error("Nightly analysis finished with errors")
			continue
		}
		entry.Info("Nightly analysis completed")
	}
}

// cleanCache drops expired zones periodically
func cleanCache(ctx context.Context, cache *geo.LRUCache[*models.Polygon], ttl time.Duration, logger *utils.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := cache.Clean(); removed > 0 {
				logger.WithField("removed", removed).Debug("Expired zones removed from cache")
			}
		}
	}
}
