package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"vigil/internal/config"
	"vigil/internal/dispatch"
	"vigil/internal/features"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/scoring"
	"vigil/internal/state"
	"vigil/internal/throttle"
)

// BatchProcessor drives one batch of raw records through decode, state
// commit, feature derivation, scoring, throttling, and dispatch, and
// aggregates the per-record outcomes into a report.
type BatchProcessor struct {
	store       *state.Store
	scorer      *scoring.Scorer
	throttle    *throttle.Throttle
	coordinator *dispatch.Coordinator
	timeout     time.Duration
	now         func() time.Time
}

// NewBatchProcessor wires the per-record pipeline stages together.
func NewBatchProcessor(cfg config.ProcessorConfig, store *state.Store, scorer *scoring.Scorer, thr *throttle.Throttle, coord *dispatch.Coordinator) *BatchProcessor {
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BatchProcessor{
		store:       store,
		scorer:      scorer,
		throttle:    thr,
		coordinator: coord,
		timeout:     timeout,
		now:         time.Now,
	}
}

// ProcessBatch runs every record through the pipeline. Decode failures
// and dead-letters are contained per record; only internal errors (a
// corrupted window, a panic) mark the batch fatal, in which case every
// record is reported unprocessed and safe to redeliver.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, records []models.RawRecord) (report *models.BatchReport) {
	report = &models.BatchReport{
		BatchID: uuid.NewString(),
		Total:   len(records),
	}
	log := logger.WithBatch(report.BatchID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("batch processing panic")
			metrics.PanicsRecovered.WithLabelValues("batch_processor").Inc()
			p.markFatal(report, fmt.Errorf("internal panic: %v", r))
		}
		metrics.BatchesTotal.WithLabelValues(report.State()).Inc()
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		metrics.BatchSize.Observe(float64(report.Total))
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for i, raw := range records {
		if ctx.Err() != nil {
			// Remaining records were never attempted; redelivery is safe
			p.markUnprocessed(report, records[i:], "batch timeout")
			break
		}

		reading, err := models.DecodeReading(raw.Data, raw.SeqToken)
		if err != nil {
			reason := decodeReason(err)
			metrics.RecordsRejectedTotal.WithLabelValues(reason).Inc()
			log.Warn().
				Err(err).
				Str("seq_token", raw.SeqToken).
				Msg("record rejected at decode")
			report.Record(models.RecordOutcome{
				SeqToken: raw.SeqToken,
				Status:   models.RecordSkipped,
				Reason:   reason,
			})
			continue
		}
		metrics.RecordsDecodedTotal.Inc()

		// Commit to the window before any outbound I/O so a slow sink
		// never stalls subsequent window updates.
		snap, err := p.store.Commit(*reading)
		if err != nil {
			p.markFatal(report, fmt.Errorf("window state for %s: %w", reading.MachineID, err))
			p.markUnprocessed(report, records[i:], "batch aborted")
			break
		}

		fv := features.Compute(snap, reading)
		verdict := p.scorer.Score(ctx, fv)
		authorized := p.throttle.Allow(reading.MachineID, verdict.Severity, reading.Timestamp)
		rec := models.NewAnnotatedRecord(reading, fv, verdict, p.now())

		res := p.coordinator.Dispatch(ctx, raw, rec, authorized)
		if res.NotificationSent {
			report.AlertsSent++
		}

		outcome := models.RecordOutcome{
			SeqToken:  raw.SeqToken,
			MachineID: reading.MachineID,
			Status:    models.RecordSucceeded,
		}
		if !res.SinkWritten {
			if res.SinkErr != nil {
				outcome.Reason = res.SinkErr.Error()
			}
			if res.DeadLettered {
				outcome.Status = models.RecordDeadLettered
			} else {
				// Neither the sink nor the dead-letter queue holds this
				// record; it must stay uncommitted for redelivery.
				outcome.Status = models.RecordUnprocessed
			}
		}
		report.Record(outcome)
	}

	log.Info().
		Int("total", report.Total).
		Int("succeeded", report.Succeeded).
		Int("skipped", report.Skipped).
		Int("dead_lettered", report.DeadLettered).
		Int("unprocessed", report.Unprocessed).
		Int("alerts_sent", report.AlertsSent).
		Str("state", report.State()).
		Msg("batch processed")

	return report
}

func (p *BatchProcessor) markFatal(report *models.BatchReport, err error) {
	if report.Fatal == nil {
		report.Fatal = err
	}
}

func (p *BatchProcessor) markUnprocessed(report *models.BatchReport, remaining []models.RawRecord, reason string) {
	for _, raw := range remaining {
		report.Record(models.RecordOutcome{
			SeqToken: raw.SeqToken,
			Status:   models.RecordUnprocessed,
			Reason:   reason,
		})
	}
}

// decodeReason maps a decode error onto a bounded metric label set.
func decodeReason(err error) string {
	switch {
	case errors.Is(err, models.ErrMissingMachineID):
		return "missing_machine_id"
	case errors.Is(err, models.ErrMissingChannel):
		return "missing_channel"
	case errors.Is(err, models.ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, models.ErrNonFiniteValue):
		return "non_finite"
	case errors.Is(err, models.ErrValueOutOfRange):
		return "out_of_range"
	case errors.Is(err, models.ErrMalformedPayload):
		return "malformed"
	default:
		return "decode"
	}
}
