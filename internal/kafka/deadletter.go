package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/models"
)

// Dead-letter errors
var (
	ErrDeadLettersClosed = errors.New("dead-letter publisher is closed")
)

// DeadLetters publishes records that exhausted durable-sink retries to
// a dead-letter topic, preserving the original payload so the operator
// can redeliver it unchanged.
type DeadLetters struct {
	cfg     config.KafkaConfig
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewDeadLetters creates a pooled writer for the DLQ topic.
func NewDeadLetters(cfg config.KafkaConfig) (*DeadLetters, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.DLQTopic == "" {
		return nil, errors.New("dead-letter topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}

	d := &DeadLetters{
		cfg:     cfg,
		writers: make([]*kafka.Writer, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}

	for i := 0; i < cfg.PoolSize; i++ {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.Hash{}, // keep per-machine ordering in the DLQ
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  1, // retries are handled here, with backoff
			Async:        false,
		}
		d.writers[i] = writer
		d.pool <- writer
	}

	return d, nil
}

// Publish sends one dead-lettered record. reason describes the sink
// failure that exhausted its retries.
func (d *DeadLetters) Publish(ctx context.Context, raw models.RawRecord, machineID, reason string) error {
	if d.closed.Load() {
		return ErrDeadLettersClosed
	}

	msg := kafka.Message{
		Key:   []byte(machineID),
		Value: raw.Data,
		Headers: []kafka.Header{
			{Key: "machine_id", Value: []byte(machineID)},
			{Key: "seq_token", Value: []byte(raw.SeqToken)},
			{Key: "reason", Value: []byte(reason)},
		},
		Time: time.Now().UTC(),
	}

	var writer *kafka.Writer
	select {
	case writer = <-d.pool:
		defer func() { d.pool <- writer }()
	case <-ctx.Done():
		d.failed.Add(1)
		return ctx.Err()
	}

	if err := d.publishWithRetry(ctx, writer, msg); err != nil {
		d.failed.Add(1)
		return err
	}
	d.published.Add(1)
	return nil
}

// publishWithRetry publishes with exponential backoff.
func (d *DeadLetters) publishWithRetry(ctx context.Context, writer *kafka.Writer, msg kafka.Message) error {
	log := logger.WithComponent("dead_letters")
	var lastErr error
	backoff := d.cfg.RetryBackoff

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying dead-letter publish")

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_retries", d.cfg.MaxRetries+1).
		Msg("dead-letter publish failed after all retries")

	return fmt.Errorf("failed after %d attempts: %w", d.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool.
func (d *DeadLetters) Close() error {
	if d.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range d.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing writers: %v", errs)
	}
	return nil
}

// Stats returns publish counters.
func (d *DeadLetters) Stats() DeadLetterStats {
	return DeadLetterStats{
		Published: d.published.Load(),
		Failed:    d.failed.Load(),
	}
}

// DeadLetterStats holds dead-letter publish metrics.
type DeadLetterStats struct {
	Published uint64
	Failed    uint64
}
