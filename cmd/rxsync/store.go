package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rxsync/rxsync/internal/config"
	"github.com/rxsync/rxsync/internal/domain/delivery"
	"github.com/rxsync/rxsync/internal/domain/patient"
	"github.com/rxsync/rxsync/internal/domain/pharmacy"
	"github.com/rxsync/rxsync/internal/platform/centralclient"
	"github.com/rxsync/rxsync/internal/platform/db"
	"github.com/rxsync/rxsync/internal/platform/eventsource"
	"github.com/rxsync/rxsync/internal/platform/telemetry"
)

// storeBackend is the persistence a store node runs on.
type storeBackend struct {
	pool    *pgxpool.Pool
	journal patient.Journal
	ledger  delivery.Ledger
	offsets func(consumer string) eventsource.OffsetStore
}

func openStoreBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storeBackend, error) {
	if cfg.Storage != config.StoragePostgres {
		logger.Warn().Msg("using in-memory storage; records and delivery state are lost on restart")
		return &storeBackend{
			journal: patient.NewMemoryJournal(),
			ledger:  delivery.NewMemoryLedger(),
			offsets: func(string) eventsource.OffsetStore { return eventsource.NewMemoryOffsets() },
		}, nil
	}

	pool, err := db.NewPool(ctx, dbPoolConfig(cfg, "store"))
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")
	return &storeBackend{
		pool:    pool,
		journal: patient.NewJournalPG(pool),
		ledger:  delivery.NewLedgerPG(pool),
		offsets: func(consumer string) eventsource.OffsetStore { return eventsource.NewOffsetsPG(pool, consumer) },
	}, nil
}

func (b *storeBackend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

func newGateway(cfg *config.Config, logger zerolog.Logger) centralclient.Gateway {
	var gw centralclient.Gateway = centralclient.New(centralclient.Config{
		BaseURL:    cfg.CentralURL,
		Timeout:    cfg.CentralTimeout,
		PharmacyID: cfg.PharmacyID,
		JWTSecret:  cfg.CentralJWTSecret,
	}, logger)
	if cfg.BreakerEnabled {
		gw = centralclient.NewBreaker(gw, centralclient.BreakerConfig{
			MaxFailures: cfg.BreakerMaxFailures,
			OpenTimeout: cfg.BreakerOpenTimeout,
		}, logger)
	}
	return gw
}

// eventWorkers wires the event source that feeds the dispatcher. With Kafka
// the journal is relayed to the topic and the dispatcher consumes from it.
func eventWorkers(cfg *config.Config, b *storeBackend, handler eventsource.Handler, logger zerolog.Logger) ([]func(context.Context) error, func()) {
	redelivery := eventsource.RedeliveryConfig{
		MinDelay: cfg.RedeliveryMinDelay,
		MaxDelay: cfg.RedeliveryMaxDelay,
	}
	journalCfg := eventsource.JournalConfig{
		Workers:      cfg.DeliveryWorkers,
		PollInterval: cfg.DeliveryPollInterval,
		Lookback:     64,
		Redelivery:   redelivery,
	}

	if cfg.EventTransport != config.TransportKafka {
		src := eventsource.NewJournalSource(b.journal, b.offsets("delivery"), handler, journalCfg, logger)
		return []func(context.Context) error{src.Run}, func() {}
	}

	kcfg := eventsource.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
		Workers: cfg.DeliveryWorkers,
	}
	pub := eventsource.NewKafkaPublisher(kcfg)
	relay := eventsource.NewJournalSource(b.journal, b.offsets("kafka-relay"), pub.Handle, journalCfg, logger)
	consumer := eventsource.NewKafkaSource(kcfg, handler, redelivery, logger)
	closePub := func() {
		if err := pub.Close(); err != nil {
			logger.Warn().Err(err).Msg("close kafka publisher")
		}
	}
	return []func(context.Context) error{relay.Run, consumer.Run}, closePub
}

// storeNode is a wired store: its HTTP surface and the workers that
// replicate to central.
type storeNode struct {
	e       *echo.Echo
	workers []func(context.Context) error
	closers []func()
}

func (n *storeNode) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}

func newStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, tel *telemetry.TelemetryProvider) (*storeNode, error) {
	backend, err := openStoreBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	node := &storeNode{closers: []func(){backend.Close}}

	metrics := delivery.NewMetrics(tel.Registry())
	projection, err := delivery.NewProjection(ctx, backend.ledger, metrics, logger)
	if err != nil {
		node.Close()
		return nil, err
	}
	dispatcher := delivery.NewDispatcher(backend.ledger, newGateway(cfg, logger), metrics, logger)
	workers, closeWorkers := eventWorkers(cfg, backend, dispatcher.Handle, logger)
	node.workers = workers
	node.closers = append(node.closers, closeWorkers)

	node.e = newServer(cfg, logger, tel)
	api := node.e.Group("")
	if backend.pool != nil {
		api = node.e.Group("", db.ConnMiddleware(backend.pool))
		node.e.GET("/health/db", db.HealthHandler(backend.pool))
	}
	registerStoreRoutes(api, cfg, backend, projection, logger)
	return node, nil
}

func runStore(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "store")
	if err := cfg.ValidateStore(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	logger = logger.With().Str("pharmacy_id", cfg.PharmacyID).Logger()

	tel, err := newTelemetry(ctx, cfg, "store")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	node, err := newStore(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer node.Close()

	logger.Info().
		Str("storage", cfg.Storage).
		Str("transport", cfg.EventTransport).
		Str("central", cfg.CentralURL).
		Msg("store node configured")
	return serve(ctx, node.e, ":"+cfg.Port, logger, node.workers...)
}

func registerStoreRoutes(g *echo.Group, cfg *config.Config, b *storeBackend, projection *delivery.Projection, logger zerolog.Logger) {
	patient.NewHandler(patient.NewService(b.journal, logger), cfg.PharmacyID).RegisterRoutes(g)
	delivery.NewHandler(b.ledger, projection).RegisterRoutes(g)
	pharmacy.NewHandler(cfg.PharmacyID).RegisterRoutes(g)
}
