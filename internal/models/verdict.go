package models

// Severity is an anomaly severity tier. Tiers are ordered: NORMAL <
// MEDIUM < HIGH < CRITICAL.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severity ladder boundaries on the composite score. Downstream
// analytics classify historical rows with the same table; keep in sync.
const (
	ScoreMedium   = 1
	ScoreHigh     = 2
	ScoreCritical = 3

	// MaxCompositeScore is the ceiling the composite score is clamped to.
	MaxCompositeScore = ScoreCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "NORMAL"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the tier name, matching the analytics schema.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// SeverityForScore maps a composite score onto the severity ladder.
// Boundaries are inclusive (>=).
func SeverityForScore(score int) Severity {
	switch {
	case score >= ScoreCritical:
		return SeverityCritical
	case score >= ScoreHigh:
		return SeverityHigh
	case score >= ScoreMedium:
		return SeverityMedium
	default:
		return SeverityNormal
	}
}

// TrendLabel describes the direction of a channel over the current window.
type TrendLabel string

const (
	TrendIncreasing   TrendLabel = "increasing"
	TrendDecreasing   TrendLabel = "decreasing"
	TrendStable       TrendLabel = "stable"
	TrendInsufficient TrendLabel = "insufficient_data"
)

// ChannelFeatures holds per-channel rolling statistics.
type ChannelFeatures struct {
	Value  float64    `json:"value"`
	Mean   float64    `json:"mean"`
	StdDev float64    `json:"std"`
	Delta  float64    `json:"delta"`
	Trend  TrendLabel `json:"trend"`
}

// FeatureVector is the derived, immutable input to the anomaly scorer.
// Rolling statistics cover whatever samples the window holds; with a
// single sample the stddev is zero, never a division by zero.
type FeatureVector struct {
	Temperature ChannelFeatures `json:"temperature"`
	Vibration   ChannelFeatures `json:"vibration"`
	Pressure    ChannelFeatures `json:"pressure"`

	// Derived cross-channel ratios
	TempVibRatio      float64 `json:"temp_vib_ratio"`
	PressureTempRatio float64 `json:"pressure_temp_ratio"`

	// Number of samples in the window, including this reading
	SampleCount int `json:"sample_count"`
}

// AnomalyVerdict is the scorer's output for one reading.
type AnomalyVerdict struct {
	// Composite score: one point per breached rule plus one for the
	// model, clamped to the ladder domain
	Score int `json:"score"`

	Severity Severity `json:"severity"`

	// Names of the rules that fired
	TriggeredRules []string `json:"triggered_rules,omitempty"`

	// Raw model probability in [0,1]; meaningless when ModelUnavailable
	ModelScore float64 `json:"model_score"`

	// True when the verdict was produced without a model contribution
	ModelUnavailable bool `json:"model_unavailable"`
}
