package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vigil/internal/config"
	"vigil/internal/dispatch"
	"vigil/internal/handlers"
	"vigil/internal/kafka"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/middleware"
	"vigil/internal/models"
	"vigil/internal/notify"
	"vigil/internal/sagemaker"
	"vigil/internal/scoring"
	"vigil/internal/sink"
	"vigil/internal/state"
	"vigil/internal/throttle"
	"vigil/internal/worker"
)

// Processor is the high-level coordinator: it owns the stream
// consumers, the ingest worker pool, the batch processor, and the ops
// HTTP server.
type Processor struct {
	cfg *config.Config

	store         *state.Store
	batch         *BatchProcessor
	consumers     []*kafka.Consumer
	deadLetters   *kafka.DeadLetters
	durableSink   sink.Sink
	notifier      notify.Notifier
	throttleStore throttle.Store
	workerPool    *worker.Pool
	httpServer    *http.Server
	recordChan    chan models.RawRecord
	wg            sync.WaitGroup

	batchesProcessed atomic.Uint64
	recordsSucceeded atomic.Uint64
	recordsSkipped   atomic.Uint64
	recordsDeadLet   atomic.Uint64
	alertsSent       atomic.Uint64
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	buffer := cfg.Processor.IngestBuffer
	if buffer <= 0 {
		buffer = 1000
	}
	return &Processor{
		cfg:        cfg,
		recordChan: make(chan models.RawRecord, buffer),
	}
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	if err := p.initPipeline(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize pipeline")
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := p.initConsumers(); err != nil {
		log.Error().Err(err).Msg("failed to initialize consumers")
		return fmt.Errorf("failed to initialize consumers: %w", err)
	}

	p.initWorkerPool()
	p.workerPool.Start()

	p.initHTTPServer()

	// Ops HTTP server
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// One consume loop per worker; the consumer group spreads
	// partitions across them, so records for one machine stay ordered
	// within a single loop.
	for i, consumer := range p.consumers {
		p.wg.Add(1)
		go func(id int, c *kafka.Consumer) {
			defer p.wg.Done()
			p.consumeLoop(ctx, id, c)
		}(i, consumer)
	}

	// Stats reporting goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

// initPipeline builds the record pipeline: sink, notifier, model
// client, throttle, window store, scorer, dispatcher, batch processor.
func (p *Processor) initPipeline(ctx context.Context) error {
	log := logger.WithComponent("processor")

	var err error
	switch p.cfg.Sink.Mode {
	case "clickhouse":
		p.durableSink, err = sink.NewClickHouse(p.cfg.Sink.ClickHouse)
	case "file":
		p.durableSink, err = sink.NewFile(p.cfg.Sink.File.Path)
	default:
		err = fmt.Errorf("unknown sink mode %q", p.cfg.Sink.Mode)
	}
	if err != nil {
		return err
	}
	log.Info().Str("mode", p.cfg.Sink.Mode).Msg("durable sink initialized")

	if p.cfg.Notify.Enabled {
		p.notifier, err = notify.NewSNS(ctx, notify.SNSConfig{
			TopicARN: p.cfg.Notify.TopicARN,
			Region:   p.cfg.Notify.Region,
			Subject:  p.cfg.Notify.Subject,
		})
		if err != nil {
			return err
		}
		log.Info().Str("topic", p.cfg.Notify.TopicARN).Msg("notifier initialized")
	} else {
		log.Warn().Msg("notification channel disabled, alerts will be logged only")
	}

	var model scoring.ModelClient
	if p.cfg.Model.Enabled {
		model, err = sagemaker.New(ctx, sagemaker.Config{
			Endpoint: p.cfg.Model.Endpoint,
			Region:   p.cfg.Model.Region,
			Timeout:  p.cfg.Model.Timeout,
		})
		if err != nil {
			return err
		}
		log.Info().Str("endpoint", p.cfg.Model.Endpoint).Msg("model client initialized")
	} else {
		log.Warn().Msg("model client disabled, scoring is rule-only")
	}

	if p.cfg.Throttle.Redis.Enabled {
		store, err := throttle.NewRedisStore(throttle.RedisConfig{
			Addr:      p.cfg.Throttle.Redis.Addr,
			Password:  p.cfg.Throttle.Redis.Password,
			DB:        p.cfg.Throttle.Redis.DB,
			KeyPrefix: p.cfg.Throttle.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		p.throttleStore = store
		log.Info().Str("addr", p.cfg.Throttle.Redis.Addr).Msg("throttle persistence initialized")
	}

	if p.cfg.Kafka.DLQTopic != "" {
		p.deadLetters, err = kafka.NewDeadLetters(p.cfg.Kafka)
		if err != nil {
			return err
		}
		log.Info().Str("topic", p.cfg.Kafka.DLQTopic).Msg("dead-letter publisher initialized")
	}

	p.store = state.NewStore(p.cfg.Window.Size, p.cfg.Window.Shards)
	scorer := scoring.New(p.cfg.Scoring, model)
	thr := throttle.New(p.cfg.Throttle.Cooldown, p.throttleStore)

	var dl dispatch.DeadLetterer
	if p.deadLetters != nil {
		dl = p.deadLetters
	}
	coordinator := dispatch.New(p.cfg.Dispatch, p.durableSink, p.notifier, dl)

	p.batch = NewBatchProcessor(p.cfg.Processor, p.store, scorer, thr, coordinator)
	return nil
}

// initConsumers creates one stream consumer per worker.
func (p *Processor) initConsumers() error {
	log := logger.WithComponent("processor")

	workers := p.cfg.Processor.Workers
	if workers <= 0 {
		workers = 1
	}

	p.consumers = make([]*kafka.Consumer, 0, workers)
	for i := 0; i < workers; i++ {
		consumer, err := kafka.NewConsumer(p.cfg.Kafka)
		if err != nil {
			return err
		}
		p.consumers = append(p.consumers, consumer)
	}

	log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.Topic).
		Int("consumers", workers).
		Msg("stream consumers initialized")
	return nil
}

// initWorkerPool initializes the ingest worker pool.
func (p *Processor) initWorkerPool() {
	log := logger.WithComponent("processor")
	p.workerPool = worker.NewPool(worker.Config{
		Runner:     p,
		RecordChan: p.recordChan,
		Workers:    2,
		BatchSize:  p.cfg.Kafka.BatchSize,
	})
	log.Info().Msg("ingest worker pool initialized")
}

// ProcessBatch runs a batch through the batch processor and tallies
// the report into the processor's counters.
func (p *Processor) ProcessBatch(ctx context.Context, records []models.RawRecord) *models.BatchReport {
	report := p.batch.ProcessBatch(ctx, records)
	p.batchesProcessed.Add(1)
	p.recordsSucceeded.Add(uint64(report.Succeeded))
	p.recordsSkipped.Add(uint64(report.Skipped))
	p.recordsDeadLet.Add(uint64(report.DeadLettered))
	p.alertsSent.Add(uint64(report.AlertsSent))
	return report
}

// consumeLoop fetches batches from the stream and drives them through
// the pipeline. Fatal batches are not committed, so the stream
// redelivers them; the idempotency key makes that safe.
func (p *Processor) consumeLoop(ctx context.Context, id int, consumer *kafka.Consumer) {
	log := logger.WithComponent("consumer").With().Int("consumer_id", id).Logger()
	log.Info().Msg("consume loop started")
	defer log.Info().Msg("consume loop stopped")

	for ctx.Err() == nil {
		batch, err := consumer.FetchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("fetch batch failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		report := p.ProcessBatch(ctx, batch.Records)
		if !report.Committable() {
			if report.Fatal != nil {
				log.Error().
					Err(report.Fatal).
					Str("batch_id", report.BatchID).
					Msg("fatal batch error, offsets not committed")
			} else {
				log.Warn().
					Int("unprocessed", report.Unprocessed).
					Str("batch_id", report.BatchID).
					Msg("batch left records unprocessed, offsets withheld for redelivery")
			}
			continue
		}

		if err := consumer.CommitBatch(ctx, batch); err != nil {
			// Uncommitted offsets mean redelivery, which dedup absorbs
			log.Error().Err(err).Str("batch_id", report.BatchID).Msg("offset commit failed")
		}
	}
}

// initHTTPServer initializes the ops HTTP server.
func (p *Processor) initHTTPServer() {
	mux := http.NewServeMux()

	ingestHandler := handlers.NewIngestHandler(handlers.IngestConfig{
		RecordChan: p.recordChan,
	})
	mux.Handle("/ingest", middleware.Chain(
		ingestHandler,
		middleware.Recovery,
		middleware.Logging,
		middleware.Auth(p.cfg.HTTP.AuthToken),
	))

	mux.HandleFunc("/health", p.healthHandler)
	mux.HandleFunc("/stats", p.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Close the ingest channel so the pool drains what is buffered
	log.Info().Msg("closing ingest channel")
	close(p.recordChan)

	// 3. Wait for workers to finish processing (with timeout)
	done := make(chan struct{})
	go func() {
		p.workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("workers stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("worker shutdown timeout - forcing exit")
	}

	// 4. Close stream consumers and outputs
	for _, consumer := range p.consumers {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("consumer close error")
		}
	}
	if p.deadLetters != nil {
		if err := p.deadLetters.Close(); err != nil {
			log.Error().Err(err).Msg("dead-letter publisher close error")
		}
	}
	if p.notifier != nil {
		if err := p.notifier.Close(); err != nil {
			log.Error().Err(err).Msg("notifier close error")
		}
	}
	if err := p.durableSink.Close(); err != nil {
		log.Error().Err(err).Msg("sink close error")
	}
	if p.throttleStore != nil {
		if err := p.throttleStore.Close(); err != nil {
			log.Error().Err(err).Msg("throttle store close error")
		}
	}

	// 5. Wait for all goroutines
	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.WindowsActive.Set(float64(p.store.Len()))

			log.Info().
				Uint64("batches", p.batchesProcessed.Load()).
				Uint64("succeeded", p.recordsSucceeded.Load()).
				Uint64("skipped", p.recordsSkipped.Load()).
				Uint64("dead_lettered", p.recordsDeadLet.Load()).
				Uint64("alerts_sent", p.alertsSent.Load()).
				Int("windows", p.store.Len()).
				Int("ingest_queue", len(p.recordChan)).
				Msg("stats")
		}
	}
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"batches": p.batchesProcessed.Load(),
		"records": map[string]uint64{
			"succeeded":     p.recordsSucceeded.Load(),
			"skipped":       p.recordsSkipped.Load(),
			"dead_lettered": p.recordsDeadLet.Load(),
		},
		"alerts_sent": p.alertsSent.Load(),
		"windows":     p.store.Len(),
		"ingest_queue": map[string]int{
			"buffered": len(p.recordChan),
			"capacity": cap(p.recordChan),
		},
	}
	if p.deadLetters != nil {
		dlStats := p.deadLetters.Stats()
		stats["dead_letter_publisher"] = map[string]uint64{
			"published": dlStats.Published,
			"failed":    dlStats.Failed,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}
