package models

// RecordStatus is the terminal status of one record within a batch.
type RecordStatus string

const (
	// RecordSucceeded: decoded, scored, and written to the durable sink
	RecordSucceeded RecordStatus = "succeeded"
	// RecordSkipped: failed decode; counted and intentionally excluded
	RecordSkipped RecordStatus = "skipped"
	// RecordDeadLettered: exhausted durable-sink retries, preserved on
	// the dead-letter queue
	RecordDeadLettered RecordStatus = "dead_lettered"
	// RecordUnprocessed: never attempted (timeout or fatal), or held
	// nowhere durable; must be redelivered
	RecordUnprocessed RecordStatus = "unprocessed"
)

// RecordOutcome enumerates what happened to one record, so the stream
// consumer can make redelivery decisions without guessing.
type RecordOutcome struct {
	SeqToken  string       `json:"seq_token"`
	MachineID string       `json:"machine_id,omitempty"`
	Status    RecordStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
}

// Batch terminal states.
const (
	BatchSuccess = "success"
	BatchPartial = "partial"
	BatchFatal   = "fatal"
)

// BatchReport aggregates per-record outcomes for one batch.
type BatchReport struct {
	BatchID string `json:"batch_id"`

	Total        int `json:"total"`
	Succeeded    int `json:"succeeded"`
	Skipped      int `json:"skipped"`
	DeadLettered int `json:"dead_lettered"`
	Unprocessed  int `json:"unprocessed"`
	AlertsSent   int `json:"alerts_sent"`

	Outcomes []RecordOutcome `json:"outcomes"`

	// Fatal is set only for internal errors unrelated to any single
	// record; the batch is then entirely unprocessed for retry purposes.
	Fatal error `json:"-"`
}

// State reports the batch's terminal state.
func (r *BatchReport) State() string {
	switch {
	case r.Fatal != nil:
		return BatchFatal
	case r.DeadLettered > 0 || r.Unprocessed > 0:
		return BatchPartial
	default:
		return BatchSuccess
	}
}

// Committable reports whether the batch's stream offsets may be
// committed. A fatal batch, or one that left records unprocessed, must
// be redelivered in full; dedup makes the replay idempotent.
func (r *BatchReport) Committable() bool {
	return r.Fatal == nil && r.Unprocessed == 0
}

// Record appends one outcome and bumps the matching counter.
func (r *BatchReport) Record(o RecordOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case RecordSucceeded:
		r.Succeeded++
	case RecordSkipped:
		r.Skipped++
	case RecordDeadLettered:
		r.DeadLettered++
	case RecordUnprocessed:
		r.Unprocessed++
	}
}
