package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"tradeflow/breaker"
	"tradeflow/config"
	"tradeflow/engine"
	"tradeflow/exec"
	"tradeflow/feed"
	"tradeflow/feed/kalshi"
	"tradeflow/feed/polymarket"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/recorder"
	"tradeflow/router"
	"tradeflow/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradeflow.Name,
		"version": cfg.Tradeflow.Version,
	}).Info("starting tradeflow")

	metrics.Init(cfg.Metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Order state must be durable before any engine starts. A dead
	// store is fatal; everything downstream depends on it.
	var st store.Store
	if cfg.Storage.Postgres.Enabled {
		pg, err := store.NewPostgres(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			log.WithError(err).Error("failed to connect to postgres")
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
	} else {
		log.WithComponent("main").Warn("postgres disabled; order state is in-memory only")
		st = store.NewMemory()
	}

	tracker := feed.NewTracker(cfg.Feed)

	clients := make([]feed.Client, 0, 2)
	var polyClient *polymarket.Client
	if cfg.Venues.Polymarket.Enabled {
		polyClient = polymarket.NewClient(cfg.Venues.Polymarket, cfg.Feed, tracker)
		clients = append(clients, polyClient)
	}
	if cfg.Venues.Kalshi.Enabled {
		clients = append(clients, kalshi.NewClient(cfg.Venues.Kalshi, cfg.Feed, tracker))
	}
	if len(clients) == 0 {
		log.Error("no venues enabled")
		os.Exit(1)
	}
	feeds := feed.NewManager(clients...)

	if err := tracker.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start freshness tracker")
		os.Exit(1)
	}
	if err := feeds.ConnectAll(ctx); err != nil {
		log.WithError(err).Warn("not all venue feeds connected; reconnect loops will keep trying")
	}

	adapters := make([]exec.VenueAdapter, 0, 2)
	if cfg.Venues.Polymarket.Enabled {
		adapters = append(adapters, exec.NewPolymarketAdapter(cfg.Venues.Polymarket))
	}
	if cfg.Venues.Kalshi.Enabled {
		adapters = append(adapters, exec.NewKalshiAdapter(cfg.Venues.Kalshi))
	}
	ex := exec.NewService(cfg.Exec, feeds, adapters...)

	brk := breaker.New(cfg.Breaker)

	events := func(ev engine.Event) {
		metrics.EmitMetric(log, "engine", "engine_"+string(ev.Kind), 1, "counter", logger.Fields{
			"order_id": ev.OrderID,
			"unit":     "count",
		})
	}

	eng := engine.NewManager(cfg.Engine, ex, st, feeds, feeds, brk, events)
	if err := eng.Recover(ctx); err != nil {
		log.WithError(err).Error("failed to recover persisted orders")
		os.Exit(1)
	}

	rt := router.New(feeds)
	if polyClient != nil {
		rt.RegisterVenue(models.VenuePolymarket, func(ctx context.Context, outcomeID string, price float64) float64 {
			return polyClient.FeeRate(ctx, outcomeID)
		})
	}
	if cfg.Venues.Kalshi.Enabled {
		rt.RegisterVenue(models.VenueKalshi, func(ctx context.Context, outcomeID string, price float64) float64 {
			return kalshi.TakerFeeRate(price)
		})
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.New(cfg.Recorder, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create recorder")
			os.Exit(1)
		}
		if err := rec.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start recorder")
			os.Exit(1)
		}
		subscribeRecorded(cfg.Recorder.Markets, feeds, rec, log)

		metrics.StartQueueMetrics(ctx, cfg.Metrics.Interval, map[string]metrics.QueueSampler{
			"recorder": rec.QueueDepth,
		})
	}

	log.WithFields(logger.Fields{
		"venues":          len(clients),
		"breaker_tripped": brk.State().Tripped,
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	// Engines quiesce on context cancellation without touching their
	// persisted status, so executing orders resume on the next start.
	cancel()

	if rec != nil {
		log.Info("stopping recorder")
		rec.Stop()
	}

	log.Info("disconnecting venue feeds")
	feeds.DisconnectAll()

	log.Info("stopping freshness tracker")
	tracker.Stop()

	log.Info("tradeflow stopped")
}

// subscribeRecorded taps the configured "venue:market_id" pairs into the
// recorder. Bad entries are logged and skipped.
func subscribeRecorded(pairs []string, feeds *feed.Manager, rec *recorder.Recorder, log *logger.Log) {
	for _, pair := range pairs {
		venue, id, ok := strings.Cut(pair, ":")
		if !ok || venue == "" || id == "" {
			log.WithComponent("main").WithFields(logger.Fields{"market": pair}).Warn("malformed recorder market; want venue:market_id")
			continue
		}
		if _, err := feeds.Subscribe(models.Venue(venue), id, rec.Record); err != nil {
			log.WithComponent("main").WithError(err).WithFields(logger.Fields{"market": pair}).Warn("failed to subscribe recorder market")
		}
	}
}
