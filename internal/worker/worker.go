package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Runner processes one batch of raw records.
type Runner interface {
	ProcessBatch(ctx context.Context, records []models.RawRecord) *models.BatchReport
}

// Pool drains locally ingested readings from a channel, groups them
// into batches, and runs them through the batch processor. It serves
// the HTTP ingest path; the stream path batches at the consumer.
type Pool struct {
	runner       Runner
	recordChan   chan models.RawRecord
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration.
type Config struct {
	Runner       Runner
	RecordChan   chan models.RawRecord
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		runner:       cfg.Runner,
		recordChan:   cfg.RecordChan,
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins draining the record channel.
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop gracefully stops all workers.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker accumulates records and flushes them as batches.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Info().Msg("worker started")
	defer log.Info().Msg("worker stopped")

	batch := make([]models.RawRecord, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			if len(batch) > 0 {
				p.runBatch(batch)
			}
			return

		case record, ok := <-p.recordChan:
			if !ok {
				if len(batch) > 0 {
					p.runBatch(batch)
				}
				return
			}

			batch = append(batch, record)

			if len(batch) >= p.batchSize {
				p.runBatch(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.runBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// runBatch hands a batch to the processor and tallies the report.
func (p *Pool) runBatch(batch []models.RawRecord) {
	report := p.runner.ProcessBatch(p.ctx, batch)

	p.processed.Add(uint64(report.Succeeded))
	p.failed.Add(uint64(report.Skipped + report.DeadLettered + report.Unprocessed))
}

// Stats returns worker pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds worker pool counters.
type Stats struct {
	Processed uint64
	Failed    uint64
}
