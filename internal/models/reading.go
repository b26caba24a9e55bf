package models

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
)

// SensorReading is a single decoded measurement from one machine.
// Immutable after decode.
type SensorReading struct {
	// Stable identifier of the monitored machine
	MachineID string `json:"machine_id"`

	// Channel values as reported by the device
	Temperature float64 `json:"temperature"`
	Vibration   float64 `json:"vibration"`
	Pressure    float64 `json:"pressure"`

	// Source-supplied event timestamp
	Timestamp time.Time `json:"timestamp"`

	// Stream-supplied arrival token, unique per logical record.
	// Survives redelivery of the same record.
	SeqToken string `json:"seq_token"`
}

// Decode errors
var (
	ErrMalformedPayload = errors.New("malformed sensor payload")
	ErrMissingMachineID = errors.New("machine ID is missing or empty")
	ErrMissingChannel   = errors.New("required channel value is missing")
	ErrNonFiniteValue   = errors.New("channel value is not finite")
	ErrValueOutOfRange  = errors.New("channel value outside physical range")
	ErrInvalidTimestamp = errors.New("timestamp is missing or invalid")
	ErrEmptySeqToken    = errors.New("sequence token cannot be empty")
)

// Physical plausibility bounds. Values outside these are sensor garbage,
// not anomalies, and never reach the scorer.
const (
	TempFloor     = -200.0
	TempCeil      = 500.0
	VibFloor      = -100.0
	VibCeil       = 100.0
	PressureFloor = 0.0
	PressureCeil  = 5000.0
)

// readingWire is the raw JSON shape produced by the devices. Pointer
// fields distinguish absent from zero.
type readingWire struct {
	MachineID   string   `json:"machine_id"`
	Temperature *float64 `json:"temperature"`
	Vibration   *float64 `json:"vibration"`
	Pressure    *float64 `json:"pressure"`
	Timestamp   *int64   `json:"timestamp"`
}

// DecodeReading parses one raw stream payload into a SensorReading.
// seqToken is the arrival token assigned by the stream. Any error is a
// recoverable per-record decode failure.
func DecodeReading(data []byte, seqToken string) (*SensorReading, error) {
	if strings.TrimSpace(seqToken) == "" {
		return nil, ErrEmptySeqToken
	}

	var wire readingWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}

	wire.MachineID = strings.TrimSpace(wire.MachineID)
	if wire.MachineID == "" {
		return nil, ErrMissingMachineID
	}
	if wire.Temperature == nil || wire.Vibration == nil || wire.Pressure == nil {
		return nil, ErrMissingChannel
	}
	if wire.Timestamp == nil || *wire.Timestamp <= 0 {
		return nil, ErrInvalidTimestamp
	}

	r := &SensorReading{
		MachineID:   wire.MachineID,
		Temperature: *wire.Temperature,
		Vibration:   *wire.Vibration,
		Pressure:    *wire.Pressure,
		Timestamp:   time.Unix(*wire.Timestamp, 0).UTC(),
		SeqToken:    seqToken,
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks channel values against physical plausibility bounds.
func (r *SensorReading) Validate() error {
	if r.MachineID == "" {
		return ErrMissingMachineID
	}
	for _, v := range []float64{r.Temperature, r.Vibration, r.Pressure} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFiniteValue
		}
	}
	if r.Temperature < TempFloor || r.Temperature > TempCeil {
		return ErrValueOutOfRange
	}
	if r.Vibration < VibFloor || r.Vibration > VibCeil {
		return ErrValueOutOfRange
	}
	if r.Pressure < PressureFloor || r.Pressure > PressureCeil {
		return ErrValueOutOfRange
	}
	return nil
}

// IdempotencyKey derives the stable sink deduplication key for this
// reading. The same logical record always maps to the same key, even
// across stream redeliveries.
func (r *SensorReading) IdempotencyKey() string {
	return r.MachineID + "-" + r.SeqToken
}
