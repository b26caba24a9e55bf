package scoring

import (
	"context"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// ModelClient scores a feature vector with the external anomaly model.
// Implementations must honor the context deadline; any error is treated
// as model-unavailable, never as a record failure.
type ModelClient interface {
	Score(ctx context.Context, fv models.FeatureVector) (float64, error)
}

// Rule names reported on verdicts and alert payloads.
const (
	RuleTempHigh         = "temperature_high"
	RuleVibrationRange   = "vibration_out_of_range"
	RulePressureRange    = "pressure_out_of_range"
	RuleModelContributed = "model_score"
)

// Scorer combines static rule thresholds with the external model score
// into a single severity classification.
type Scorer struct {
	cfg   config.ScoringConfig
	model ModelClient
}

// New creates a scorer. model may be nil, in which case every verdict
// is rule-only and marked model-unavailable.
func New(cfg config.ScoringConfig, model ModelClient) *Scorer {
	return &Scorer{cfg: cfg, model: model}
}

// Score produces the anomaly verdict for one feature vector. Each
// breached threshold contributes one point; the model contributes one
// point when its probability exceeds the cutoff. The composite is
// clamped to the severity ladder's domain.
func (s *Scorer) Score(ctx context.Context, fv models.FeatureVector) models.AnomalyVerdict {
	var rules []string

	if fv.Temperature.Value > s.cfg.TempMax {
		rules = append(rules, RuleTempHigh)
	}
	if fv.Vibration.Value < s.cfg.VibMin || fv.Vibration.Value > s.cfg.VibMax {
		rules = append(rules, RuleVibrationRange)
	}
	if fv.Pressure.Value < s.cfg.PressureMin || fv.Pressure.Value > s.cfg.PressureMax {
		rules = append(rules, RulePressureRange)
	}

	score := len(rules)
	verdict := models.AnomalyVerdict{TriggeredRules: rules}

	if s.model == nil {
		verdict.ModelUnavailable = true
	} else {
		prob, err := s.model.Score(ctx, fv)
		if err != nil {
			// Alerting must not depend on the model's uptime
			log := logger.WithComponent("scorer")
			log.Warn().
				Err(err).
				Msg("model unavailable, degrading to rule-only scoring")
			metrics.ModelUnavailableTotal.Inc()
			verdict.ModelUnavailable = true
		} else {
			verdict.ModelScore = prob
			if prob > s.cfg.ModelCutoff {
				score++
				verdict.TriggeredRules = append(verdict.TriggeredRules, RuleModelContributed)
			}
		}
	}

	if score > models.MaxCompositeScore {
		score = models.MaxCompositeScore
	}
	verdict.Score = score
	verdict.Severity = models.SeverityForScore(score)

	metrics.VerdictsTotal.WithLabelValues(verdict.Severity.String()).Inc()
	return verdict
}
