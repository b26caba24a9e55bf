package models

import "time"

// DataVersion is stamped on every annotated record.
const DataVersion = "1.0"

// AnnotatedRecord is the unit written to the durable analytics sink:
// the original reading plus everything derived from it. The sink
// deduplicates on IdempotencyKey, so redelivered records collapse to one
// logical row.
type AnnotatedRecord struct {
	IdempotencyKey string `json:"idempotency_key"`

	Reading  SensorReading  `json:"reading"`
	Features FeatureVector  `json:"features"`
	Verdict  AnomalyVerdict `json:"verdict"`

	ProcessedAt time.Time `json:"processed_at"`
	DataVersion string    `json:"data_version"`
}

// NewAnnotatedRecord assembles the sink row for a scored reading.
func NewAnnotatedRecord(r *SensorReading, fv FeatureVector, v AnomalyVerdict, now time.Time) *AnnotatedRecord {
	return &AnnotatedRecord{
		IdempotencyKey: r.IdempotencyKey(),
		Reading:        *r,
		Features:       fv,
		Verdict:        v,
		ProcessedAt:    now.UTC(),
		DataVersion:    DataVersion,
	}
}

// AlertMessage is the structured payload sent to the notification
// channel when the throttle authorizes a dispatch.
type AlertMessage struct {
	MachineID   string    `json:"machine_id"`
	Severity    Severity  `json:"severity"`
	Score       int       `json:"score"`
	Temperature float64   `json:"temperature"`
	Vibration   float64   `json:"vibration"`
	Pressure    float64   `json:"pressure"`
	Rules       []string  `json:"rules,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewAlertMessage builds the notification payload for a verdict.
func NewAlertMessage(r *SensorReading, v AnomalyVerdict) *AlertMessage {
	return &AlertMessage{
		MachineID:   r.MachineID,
		Severity:    v.Severity,
		Score:       v.Score,
		Temperature: r.Temperature,
		Vibration:   r.Vibration,
		Pressure:    r.Pressure,
		Rules:       v.TriggeredRules,
		Timestamp:   r.Timestamp,
	}
}
