package main

import (
	"Percolator/internal/config"
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/ingestion"
	"Percolator/internal/observability"
	"Percolator/internal/persistence"
	"Percolator/internal/projection"
	"Percolator/internal/query"
	"Percolator/internal/server"
	"Percolator/migrations"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: Percolator starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	var markets []config.Market
	if cfg.MarketsFile != "" {
		markets, err = config.LoadMarkets(cfg.MarketsFile)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		log.Printf("INFO: tracking %d markets from %s", len(markets), cfg.MarketsFile)
	} else {
		log.Println("WARN: no markets file, accepting snapshots for every slab")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	if err := persistence.NewMigrator(db, migrationFiles(cfg.MigrationsDir)).Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Channels ---
	// The persist channel blocks (backpressure); projection, feed and
	// publish channels drop.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	projectionWorkerChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	hubChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan *event.EventEnvelope, cfg.PublishChanSize)
	snapshotChan := make(chan ingestion.RawSnapshot, cfg.SnapshotChanSize)

	// --- Processor + recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	processor := core.NewSnapshotProcessor(
		0, 0,
		persistChan,
		projectionChan,
		persistence.NewPostgresSnapshotChecker(db),
		cfg.IdempotencyLRUCapacity,
		metrics,
	)
	store := query.NewLatestStore()
	if err := recoverProcessor(ctx, processor, snapMgr, store, cfg.RecentKeysWarmup); err != nil {
		log.Fatalf("FATAL: recovery: %v", err)
	}

	// --- Projections ---
	funding := projection.NewFundingHistoryProjection(cfg.FundingHistoryMax)
	if err := projection.RebuildProjections(ctx, db, funding); err != nil {
		log.Printf("WARN: projection rebuild failed, continuing with live updates: %v", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(ctx, cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")
	healthChecker.AddCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	natsSubscriber := ingestion.NewNATSSubscriber(js, snapshotChan)
	if err := natsSubscriber.Subscribe(ctx, ingestion.SlabSubjects(config.SlabAddresses(markets))); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	// --- Services ---
	queryService := query.NewQueryService(store, db, funding)
	ingestService := ingestion.NewGRPCIngestService(snapshotChan)
	hub := server.NewMarketHub(metrics, observability.NewLoggerTo(os.Stdout, "ws", observability.ParseLogLevel(cfg.LogLevel)))

	apiServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		IngestService: ingestService,
		Funding:       funding,
		Hub:           hub,
		StartTime:     time.Now(),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLoggerTo(os.Stdout, "api", observability.ParseLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		log.Fatalf("FATAL: build server: %v", err)
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker; publishes committed events
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, publishChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, funding, metrics)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Outbound publisher
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 4. Output fan-out: latest store, websocket feed, projection worker
	go func() {
		fanOutOutputs(ctx, projectionChan, store, metrics, projectionWorkerChan, hubChan)
	}()

	// 5. Websocket feed
	go func() {
		errChan <- hub.Run(ctx, hubChan)
	}()

	// 6. Processor loop (NATS and admin submissions share one queue)
	loop := ingestion.NewProcessorLoop(snapshotChan, processor, slabKeys(markets), metrics)
	go func() {
		errChan <- loop.Run(ctx)
	}()

	// 7. gRPC server
	go func() {
		errChan <- apiServer.StartGRPC(ctx)
	}()

	// 8. HTTP/JSON gateway
	go func() {
		errChan <- apiServer.StartHTTPGateway(ctx)
	}()

	// 9. Channel utilization
	go func() {
		reportChannels(ctx, metrics, map[string]func() (int, int){
			"snapshot":   func() (int, int) { return len(snapshotChan), cap(snapshotChan) },
			"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
			"projection": func() (int, int) { return len(projectionWorkerChan), cap(projectionWorkerChan) },
			"ws":         func() (int, int) { return len(hubChan), cap(hubChan) },
			"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		})
	}()

	// 10. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)

	tip := processor.GetStateHash()
	log.Printf("INFO: Percolator ready (sequence=%d, events=%d, tip=%x, grpc=%s, http=%s, metrics=%s)",
		processor.GetSequence(), processor.GetEventSequence(), tip[:8], cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop intake first so no message is acked after the workers stop.
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	cancel()

	// The persistence worker flushes its pending batch on cancel.
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		log.Println("WARN: persistence worker did not finish flushing")
	}

	log.Println("INFO: Percolator shutdown complete")
}

// migrationFiles prefers a directory on disk when one is configured.
func migrationFiles(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// recoverProcessor resumes the chain tip, warms the dedup cache and seeds
// every market, in the processor and the latest store, from its checkpoint.
func recoverProcessor(
	ctx context.Context,
	p *core.SnapshotProcessor,
	snapMgr *persistence.SnapshotManager,
	store *query.LatestStore,
	warmup int,
) error {
	tip, err := snapMgr.LoadChainTip(ctx)
	if err != nil {
		return err
	}
	if tip.Empty {
		log.Println("INFO: empty archive, cold start from sequence 0")
		return nil
	}
	p.RestoreChain(tip.NextSequence, tip.NextEventSequence, tip.StateHash)
	log.Printf("INFO: resumed chain at sequence %d (events %d)", tip.NextSequence, tip.NextEventSequence)

	if warmup > 0 {
		keys, err := snapMgr.LoadRecentKeys(ctx, warmup)
		if err != nil {
			return err
		}
		p.WarmDedup(keys)
		log.Printf("INFO: warmed dedup cache with %d keys", len(keys))
	}

	checkpoints, err := snapMgr.LoadCheckpoints(ctx)
	if err != nil {
		return err
	}
	for _, cp := range checkpoints {
		key, err := solana.PublicKeyFromBase58(cp.Slab)
		if err != nil {
			log.Printf("WARN: skip checkpoint with bad slab %q: %v", cp.Slab, err)
			continue
		}
		out, err := p.RestoreMarket(key, cp.Sequence, cp.Slot, cp.Data)
		if err != nil {
			log.Printf("WARN: skip checkpoint %s: %v", cp.Slab, err)
			continue
		}
		out.FetchedAt = cp.CreatedAt
		store.Update(out)
	}
	log.Printf("INFO: restored %d markets from checkpoints", len(checkpoints))
	return nil
}

// fanOutOutputs updates the latest store and forwards each output to the
// projection worker and the websocket feed without blocking the processor.
func fanOutOutputs(
	ctx context.Context,
	in <-chan core.CoreOutput,
	store *query.LatestStore,
	metrics *observability.Metrics,
	projectionOut chan<- core.CoreOutput,
	hubOut chan<- core.CoreOutput,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			store.Update(out)

			select {
			case projectionOut <- out:
			default:
				metrics.ProjectionDrops.WithLabelValues("projection_worker").Inc()
			}
			select {
			case hubOut <- out:
			default:
				metrics.ProjectionDrops.WithLabelValues("ws").Inc()
			}
		}
	}
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func slabKeys(markets []config.Market) []solana.PublicKey {
	keys := make([]solana.PublicKey, 0, len(markets))
	for _, m := range markets {
		keys = append(keys, m.Slab)
	}
	return keys
}
