// Package notify delivers alert payloads to the human notification
// channel. Delivery is at-least-once; downstream deduplication is
// acceptable, dropped analytics data is not, so callers must never let
// a notification failure block the durable sink path.
package notify

import (
	"context"

	"vigil/internal/models"
)

// Notifier publishes alert messages.
type Notifier interface {
	Publish(ctx context.Context, alert *models.AlertMessage) error
	Close() error
}
