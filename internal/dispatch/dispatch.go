// Package dispatch fans an annotated record out to the durable sink
// and, when the throttle authorizes it, the notification channel. The
// two paths retry independently: losing analytics data is worse than
// losing one notification, so a failing notifier can never block or
// fail the sink path.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/notify"
	"vigil/internal/sink"
)

// DeadLetterer receives records that exhausted durable-sink retries.
type DeadLetterer interface {
	Publish(ctx context.Context, raw models.RawRecord, machineID, reason string) error
}

// Result reports what happened to one record's outputs. DeadLettered
// is true only when the record was actually published to the
// dead-letter queue; a record that failed the sink and could not be
// dead-lettered has both flags false and must be redelivered.
type Result struct {
	SinkWritten        bool
	DeadLettered       bool
	NotificationSent   bool
	NotificationMissed bool
	SinkErr            error
}

// Coordinator owns the two output paths.
type Coordinator struct {
	cfg         config.DispatchConfig
	sink        sink.Sink
	notifier    notify.Notifier
	deadLetters DeadLetterer
}

// New creates a coordinator. notifier and deadLetters may be nil:
// without a notifier authorized alerts are counted as missed, without a
// dead-letterer exhausted records are left for redelivery.
func New(cfg config.DispatchConfig, s sink.Sink, n notify.Notifier, dl DeadLetterer) *Coordinator {
	if cfg.SinkMaxRetries < 0 {
		cfg.SinkMaxRetries = 0
	}
	if cfg.SinkRetryBackoff <= 0 {
		cfg.SinkRetryBackoff = 100 * time.Millisecond
	}
	if cfg.NotifyMaxRetries < 0 {
		cfg.NotifyMaxRetries = 0
	}
	if cfg.NotifyRetryBackoff <= 0 {
		cfg.NotifyRetryBackoff = 100 * time.Millisecond
	}
	return &Coordinator{cfg: cfg, sink: s, notifier: n, deadLetters: dl}
}

// Dispatch writes the record to the durable sink (always) and sends
// the alert (only when authorized). State has already been committed to
// the in-memory window, so no lock is held across this I/O.
func (c *Coordinator) Dispatch(ctx context.Context, raw models.RawRecord, rec *models.AnnotatedRecord, alertAuthorized bool) Result {
	var res Result

	res.SinkWritten, res.SinkErr = c.writeSink(ctx, rec)
	if !res.SinkWritten {
		res.DeadLettered = c.deadLetter(ctx, raw, rec, res.SinkErr)
	}

	if alertAuthorized {
		res.NotificationSent = c.sendAlert(ctx, rec)
		res.NotificationMissed = !res.NotificationSent
	}

	return res
}

// writeSink attempts the durable write with bounded backoff.
func (c *Coordinator) writeSink(ctx context.Context, rec *models.AnnotatedRecord) (bool, error) {
	log := logger.WithComponent("dispatch")
	var lastErr error
	backoff := c.cfg.SinkRetryBackoff

	for attempt := 0; attempt <= c.cfg.SinkMaxRetries; attempt++ {
		if attempt > 0 {
			metrics.SinkRetriesTotal.Inc()
			select {
			case <-time.After(jitter(backoff)):
				backoff *= 2
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		start := time.Now()
		err := c.sink.Write(ctx, rec)
		metrics.SinkWriteDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.SinkWritesTotal.WithLabelValues("success").Inc()
			return true, nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Str("idempotency_key", rec.IdempotencyKey).
			Msg("durable sink write failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}

	metrics.SinkWritesTotal.WithLabelValues("failed").Inc()
	return false, lastErr
}

// deadLetter hands an exhausted record to the DLQ and reports whether
// the publish landed. Without a configured dead-letterer, or when the
// publish itself fails, the record is not preserved anywhere durable
// and the caller must keep it uncommitted.
func (c *Coordinator) deadLetter(ctx context.Context, raw models.RawRecord, rec *models.AnnotatedRecord, cause error) bool {
	log := logger.WithComponent("dispatch")

	reason := "sink retries exhausted"
	if cause != nil {
		reason = cause.Error()
	}

	if c.deadLetters == nil {
		log.Error().
			Str("machine_id", rec.Reading.MachineID).
			Str("idempotency_key", rec.IdempotencyKey).
			Str("reason", reason).
			Msg("no dead-letter queue configured, record held for redelivery")
		return false
	}
	if err := c.deadLetters.Publish(ctx, raw, rec.Reading.MachineID, reason); err != nil {
		log.Error().
			Err(err).
			Str("idempotency_key", rec.IdempotencyKey).
			Msg("dead-letter publish failed, record held for redelivery")
		return false
	}

	metrics.DeadLettersTotal.Inc()
	log.Error().
		Str("machine_id", rec.Reading.MachineID).
		Str("idempotency_key", rec.IdempotencyKey).
		Str("reason", reason).
		Msg("record dead-lettered")
	return true
}

// sendAlert attempts the notification with its own bounded backoff.
func (c *Coordinator) sendAlert(ctx context.Context, rec *models.AnnotatedRecord) bool {
	log := logger.WithComponent("dispatch")

	if c.notifier == nil {
		metrics.AlertsMissedTotal.Inc()
		log.Warn().
			Str("machine_id", rec.Reading.MachineID).
			Str("severity", rec.Verdict.Severity.String()).
			Msg("alert authorized but no notifier configured")
		return false
	}

	alert := models.NewAlertMessage(&rec.Reading, rec.Verdict)
	backoff := c.cfg.NotifyRetryBackoff

	for attempt := 0; attempt <= c.cfg.NotifyMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jitter(backoff)):
				backoff *= 2
			case <-ctx.Done():
				metrics.AlertsMissedTotal.Inc()
				return false
			}
		}

		err := c.notifier.Publish(ctx, alert)
		if err == nil {
			metrics.AlertsSentTotal.WithLabelValues(alert.Severity.String()).Inc()
			log.Info().
				Str("machine_id", alert.MachineID).
				Str("severity", alert.Severity.String()).
				Int("score", alert.Score).
				Msg("alert dispatched")
			return true
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Str("machine_id", alert.MachineID).
			Msg("notification send failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}

	metrics.AlertsMissedTotal.Inc()
	log.Error().
		Str("machine_id", alert.MachineID).
		Str("severity", alert.Severity.String()).
		Msg("alert dropped after exhausting notification retries")
	return false
}

// jitter spreads retries by up to half the base delay.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
