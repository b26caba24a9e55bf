// Package throttle suppresses alert storms. Per machine it tracks the
// last dispatched alert and its tier: repeats at the same or lower tier
// inside the cooldown are suppressed, while first occurrences and
// escalations always get through. Throttling gates only the
// notification channel; the durable sink sees every record.
package throttle

import (
	"context"
	"sync"
	"time"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// DefaultCooldown applies when the config does not set one.
const DefaultCooldown = 5 * time.Minute

// Entry is one machine's persisted throttle state.
type Entry struct {
	LastDispatch time.Time       `json:"last_dispatch"`
	Tier         models.Severity `json:"tier"`
}

// Store persists throttle state across restarts. Optional.
type Store interface {
	Load(ctx context.Context) (map[string]Entry, error)
	Save(ctx context.Context, machineID string, e Entry) error
	Close() error
}

// Throttle decides whether a verdict may be dispatched as an alert.
// Decisions are driven by the caller-supplied event time, so replayed
// records make the same decisions they made the first time.
type Throttle struct {
	mu       sync.Mutex
	cooldown time.Duration
	states   map[string]Entry
	store    Store
}

// New creates a throttle. store may be nil for purely in-memory state.
func New(cooldown time.Duration, store Store) *Throttle {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	t := &Throttle{
		cooldown: cooldown,
		states:   make(map[string]Entry),
		store:    store,
	}
	if store != nil {
		t.restore()
	}
	return t
}

func (t *Throttle) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := logger.WithComponent("throttle")
	loaded, err := t.store.Load(ctx)
	if err != nil {
		log.Warn().
			Err(err).
			Msg("could not restore throttle state, starting cold")
		return
	}
	t.states = loaded
	log.Info().
		Int("machines", len(loaded)).
		Msg("throttle state restored")
}

// Allow reports whether an alert for the given verdict tier may be
// dispatched now, updating the machine's state when it may. Verdicts
// below MEDIUM never alert.
func (t *Throttle) Allow(machineID string, tier models.Severity, ts time.Time) bool {
	if tier < models.SeverityMedium {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, seen := t.states[machineID]
	switch {
	case !seen:
		// First occurrence is never suppressed
	case tier > st.Tier:
		// Escalation bypasses any active cooldown
	case ts.Sub(st.LastDispatch) >= t.cooldown:
		// Cooldown elapsed, back to quiet
	default:
		metrics.AlertsSuppressedTotal.WithLabelValues(tier.String()).Inc()
		return false
	}

	entry := Entry{LastDispatch: ts, Tier: tier}
	t.states[machineID] = entry
	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := t.store.Save(ctx, machineID, entry); err != nil {
			log := logger.WithComponent("throttle")
			log.Warn().
				Err(err).
				Str("machine_id", machineID).
				Msg("failed to persist throttle state")
		}
	}
	return true
}
