package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"IrmaLedger/internal/config"
	"IrmaLedger/internal/core"
	"IrmaLedger/internal/event"
	"IrmaLedger/internal/ingestion"
	"IrmaLedger/internal/observability"
	"IrmaLedger/internal/persistence"
	"IrmaLedger/internal/projection"
	"IrmaLedger/internal/query"
	"IrmaLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := observability.NewLogger("main")
		boot.Fatal().Err(err).Msg("load config")
	}

	log := observability.NewLoggerWithLevel("main", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("irma ledger stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	log.Info().Msg("IrmaLedger starting")
	if os.Getenv("GOGC") == "" {
		log.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	coreCfg, err := cfg.Core()
	if err != nil {
		return err
	}

	// ingestion and servers stop on ctx; the output pipeline drains on its own
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	defer cancelPipeline()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, log.With().Str("component", "migrator").Logger()).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// persist blocks (backpressure), projection drops when full
	submitChan := make(chan core.Submission, cfg.SubmitChanSize)
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	recordChan := make(chan persistence.Record, cfg.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	// --- Deterministic Core ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db, cfg.IdempotencyDBTimeout)
	deterministicCore, err := core.NewDeterministicCore(
		coreCfg,
		persistCoreChan,
		projectionCoreChan,
		dbChecker,
		metrics,
		log.With().Str("component", "core").Logger(),
	)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverCore(ctx, snapMgr, deterministicCore, metrics, log); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer nc.Close()
	log.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	// --- Services ---
	adminService := ingestion.NewAdminIngestService(
		submitChan,
		deterministicCore.ExpectedSourceSequence(event.PartitionAdmin),
		log.With().Str("component", "admin").Logger(),
	)
	queryService := query.NewQueryService(db)
	projectionLog := log.With().Str("component", "projection").Logger()

	api, err := server.NewAPI(server.APIDeps{
		Query: queryService,
		Admin: adminService,
		Rebuild: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, coreCfg.Precision, projectionLog)
		},
		AdminToken:     cfg.Admin.Token,
		AdminRateLimit: cfg.Admin.RateLimit,
		AdminBurst:     cfg.Admin.Burst,
		RequestTimeout: cfg.Admin.RequestTimeout,
		Metrics:        metrics,
		Log:            log.With().Str("component", "api").Logger(),
	})
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}

	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		API:           api,
		Gatherer:      reg,
		HealthChecker: healthChecker,
		Log:           log,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var pipeline sync.WaitGroup

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, recordChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		log.With().Str("component", "persistence").Logger())
	pipeline.Add(1)
	go func() {
		defer pipeline.Done()
		if err := persistWorker.Run(pipelineCtx); err != nil && pipelineCtx.Err() == nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionCoreChan, metrics, projectionLog)
	pipeline.Add(1)
	go func() {
		defer pipeline.Done()
		projWorker.Run(pipelineCtx)
	}()

	// 3. Outbound publisher
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, log.With().Str("component", "publisher").Logger())
	pipeline.Add(1)
	go func() {
		defer pipeline.Done()
		publisher.Run(pipelineCtx)
	}()

	// 4. Core output bridge: CoreOutput -> event log record + outbound event
	pipeline.Add(1)
	go func() {
		defer pipeline.Done()
		err := bridgeCoreOutputs(persistCoreChan, recordChan, publishChan, metrics, log.With().Str("component", "bridge").Logger())
		if err == nil {
			return
		}
		errChan <- fmt.Errorf("output bridge: %w", err)
		// keep the core unblocked until shutdown closes its output
		for range persistCoreChan {
		}
	}()

	// 5. Snapshot writer, fed by the core loop
	snapshots := make(chan *core.SnapshotState, 1)
	go runSnapshotWriter(ctx, snapshots, snapMgr, metrics, log.With().Str("component", "snapshot").Logger())

	// 6. Core loop: the only goroutine that touches the core
	loop := core.NewLoop(deterministicCore, submitChan, cfg.SnapshotInterval, func(s *core.SnapshotState) {
		select {
		case snapshots <- s:
		default:
			log.Warn().Int64("sequence", s.Sequence).Msg("snapshot writer busy, skipping snapshot")
		}
	}, log.With().Str("component", "loop").Logger())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil {
			errChan <- fmt.Errorf("core loop: %w", err)
		}
	}()

	// 7. NATS -> core
	natsSubscriber := ingestion.NewNATSSubscriber(js, submitChan, cfg.GapRetryDelay, metrics,
		log.With().Str("component", "nats").Logger())
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// 8. gRPC health + HTTP API
	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 9. Channel gauges
	go reportChannels(ctx, metrics, map[string]func() (int, int){
		"submit":     func() (int, int) { return len(submitChan), cap(submitChan) },
		"persist":    func() (int, int) { return len(persistCoreChan), cap(persistCoreChan) },
		"projection": func() (int, int) { return len(projectionCoreChan), cap(projectionCoreChan) },
		"records":    func() (int, int) { return len(recordChan), cap(recordChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
	})

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", deterministicCore.GetSequence()-1).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("IrmaLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, let the loop exit, then drain the output pipeline
	healthChecker.Shutdown()
	natsSubscriber.Stop()
	cancel()
	<-loopDone

	// the core loop was the only sender
	close(persistCoreChan)
	close(projectionCoreChan)

	drained := make(chan struct{})
	go func() {
		pipeline.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.ShutdownTimeout):
		log.Error().Dur("timeout", cfg.ShutdownTimeout).Msg("output pipeline did not drain in time")
		cancelPipeline()
		<-drained
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	final := deterministicCore.CreateSnapshotState()
	if final.Sequence > 0 {
		if head, err := snapMgr.GetLatestSequence(shutdownCtx); err != nil || head < final.Sequence {
			log.Error().Err(err).Int64("log_head", head).Int64("sequence", final.Sequence).Msg("event log behind core, final snapshot skipped")
		} else if err := saveSnapshot(shutdownCtx, snapMgr, final, metrics); err != nil {
			log.Error().Err(err).Msg("final snapshot failed")
		} else {
			log.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
		}
	}

	log.Info().Msg("IrmaLedger shutdown complete")
	return runErr
}

// bridgeCoreOutputs turns decided events into event log records and outbound
// events. An event that cannot be recorded stops the bridge: the log must stay
// gapless for replay.
func bridgeCoreOutputs(
	in <-chan core.CoreOutput,
	records chan<- persistence.Record,
	publish chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	log zerolog.Logger,
) error {
	defer close(records)
	defer close(publish)

	for out := range in {
		var seq int64
		if out.Envelope != nil {
			seq = out.Envelope.Sequence
		}
		payload, err := ingestion.EncodeEvent(out.Event)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", seq, err)
		}
		rec, err := persistence.NewRecord(out, payload)
		if err != nil {
			return fmt.Errorf("build record %d: %w", seq, err)
		}
		// blocking: the event log must not lose decided events
		records <- rec

		pe, err := ingestion.NewPublishableEvent(out)
		if err != nil {
			log.Warn().Err(err).Int64("sequence", seq).Msg("build outbound event")
			continue
		}
		select {
		case publish <- pe:
		default:
			if metrics != nil {
				metrics.PublishDrops.Inc()
			}
		}
	}
	return nil
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, lenCap := range chans {
				size, capacity := lenCap()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
