// Package sink provides the durable analytics destinations for
// annotated records. Writes are keyed by the record's idempotency key;
// a repeated write with the same key must collapse to one logical row
// at the destination.
package sink

import (
	"context"

	"vigil/internal/models"
)

// Sink accepts annotated records for durable storage.
type Sink interface {
	Write(ctx context.Context, rec *models.AnnotatedRecord) error
	Close() error
}
