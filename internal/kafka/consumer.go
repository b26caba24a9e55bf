package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"vigil/internal/config"
	"vigil/internal/models"
)

// Batch is one fetched batch of raw records plus the offsets to commit
// once the batch has been reported.
type Batch struct {
	Records []models.RawRecord
	msgs    []kafka.Message
}

// Consumer reads partitioned batches of raw sensor payloads. The
// stream partitions by machine ID, so records for one machine always
// arrive in order on one partition.
type Consumer struct {
	reader      *kafka.Reader
	batchSize   int
	pollTimeout time.Duration
}

// NewConsumer creates a consumer-group reader for the sensor topic.
func NewConsumer(cfg config.KafkaConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024,
	})

	return &Consumer{
		reader:      reader,
		batchSize:   batchSize,
		pollTimeout: pollTimeout,
	}, nil
}

// FetchBatch blocks for the first record, then drains up to batchSize
// records or until pollTimeout elapses with none pending. Offsets are
// not committed until CommitBatch.
func (c *Consumer) FetchBatch(ctx context.Context) (*Batch, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}

	batch := &Batch{
		Records: []models.RawRecord{rawRecord(first)},
		msgs:    []kafka.Message{first},
	}

	for len(batch.msgs) < c.batchSize {
		pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
		msg, err := c.reader.FetchMessage(pollCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break // nothing pending, ship what we have
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
		batch.Records = append(batch.Records, rawRecord(msg))
		batch.msgs = append(batch.msgs, msg)
	}

	return batch, nil
}

// CommitBatch marks the batch's offsets as processed. Call only after
// the batch report is terminal: uncommitted batches are redelivered,
// and the idempotency key makes redelivery safe.
func (c *Consumer) CommitBatch(ctx context.Context, batch *Batch) error {
	if batch == nil || len(batch.msgs) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, batch.msgs...); err != nil {
		return fmt.Errorf("commit batch offsets: %w", err)
	}
	return nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// rawRecord derives the pipeline record from a stream message. The
// partition/offset pair is the arrival token: redelivery of the same
// logical record reproduces the same token.
func rawRecord(m kafka.Message) models.RawRecord {
	return models.RawRecord{
		Data:      m.Value,
		SeqToken:  strconv.Itoa(m.Partition) + ":" + strconv.FormatInt(m.Offset, 10),
		Partition: m.Partition,
	}
}
