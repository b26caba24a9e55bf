package processor_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/dispatch"
	"vigil/internal/logger"
	"vigil/internal/models"
	"vigil/internal/processor"
	"vigil/internal/scoring"
	"vigil/internal/state"
	"vigil/internal/throttle"
)

func init() {
	logger.Init("error")
}

type sinkRecorder struct {
	records  []*models.AnnotatedRecord
	failures int
	writes   atomic.Uint64
}

func (s *sinkRecorder) Write(ctx context.Context, rec *models.AnnotatedRecord) error {
	n := s.writes.Add(1)
	if int(n) <= s.failures {
		return errors.New("sink unavailable")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *sinkRecorder) Close() error { return nil }

type notifierRecorder struct {
	alerts []*models.AlertMessage
}

func (n *notifierRecorder) Publish(ctx context.Context, alert *models.AlertMessage) error {
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *notifierRecorder) Close() error { return nil }

// seqModel returns its probabilities in call order, repeating the last.
type seqModel struct {
	probs []float64
	calls int
}

func (m *seqModel) Score(ctx context.Context, fv models.FeatureVector) (float64, error) {
	i := m.calls
	if i >= len(m.probs) {
		i = len(m.probs) - 1
	}
	m.calls++
	return m.probs[i], nil
}

type dlqRecorder struct {
	tokens []string
	err    error
}

func (d *dlqRecorder) Publish(ctx context.Context, raw models.RawRecord, machineID, reason string) error {
	if d.err != nil {
		return d.err
	}
	d.tokens = append(d.tokens, raw.SeqToken)
	return nil
}

// stallSink passes its first writes through, then blocks until the
// batch deadline expires.
type stallSink struct {
	writes    atomic.Uint64
	passFirst int
}

func (s *stallSink) Write(ctx context.Context, rec *models.AnnotatedRecord) error {
	if int(s.writes.Add(1)) <= s.passFirst {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallSink) Close() error { return nil }

type pipeline struct {
	batch    *processor.BatchProcessor
	sink     *sinkRecorder
	notifier *notifierRecorder
	dlq      *dlqRecorder
}

func newPipeline(model scoring.ModelClient) *pipeline {
	cfg := config.Default()
	s := &sinkRecorder{}
	n := &notifierRecorder{}
	d := &dlqRecorder{}

	coord := dispatch.New(config.DispatchConfig{
		SinkMaxRetries:     1,
		SinkRetryBackoff:   time.Millisecond,
		NotifyMaxRetries:   1,
		NotifyRetryBackoff: time.Millisecond,
	}, s, n, d)

	batch := processor.NewBatchProcessor(cfg.Processor,
		state.NewStore(cfg.Window.Size, cfg.Window.Shards),
		scoring.New(cfg.Scoring, model),
		throttle.New(cfg.Throttle.Cooldown, nil),
		coord)

	return &pipeline{batch: batch, sink: s, notifier: n, dlq: d}
}

func rawReading(machineID string, seq int, temp, vib, pressure float64) models.RawRecord {
	ts := 1718000000 + int64(seq)
	data := fmt.Sprintf(`{"machine_id":%q,"timestamp":%d,"temperature":%v,"vibration":%v,"pressure":%v}`,
		machineID, ts, temp, vib, pressure)
	return models.RawRecord{Data: []byte(data), SeqToken: fmt.Sprintf("0:%d", seq)}
}

func TestProcessBatchNominal(t *testing.T) {
	p := newPipeline(nil)

	report := p.batch.ProcessBatch(context.Background(), []models.RawRecord{
		rawReading("MCH001", 1, 72, 1.5, 100),
		rawReading("MCH001", 2, 73, 1.4, 101),
	})

	if report.State() != models.BatchSuccess {
		t.Errorf("State() = %s, want success", report.State())
	}
	if report.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", report.Succeeded)
	}
	if len(p.sink.records) != 2 {
		t.Fatalf("sink rows = %d, want 2", len(p.sink.records))
	}
	if len(p.notifier.alerts) != 0 {
		t.Errorf("alerts = %d, want 0 for nominal readings", len(p.notifier.alerts))
	}

	rec := p.sink.records[0]
	if rec.IdempotencyKey != "MCH001-0:1" {
		t.Errorf("idempotency key = %q, want MCH001-0:1", rec.IdempotencyKey)
	}
	if rec.Verdict.Severity != models.SeverityNormal {
		t.Errorf("severity = %v, want NORMAL", rec.Verdict.Severity)
	}
	if rec.DataVersion != models.DataVersion {
		t.Errorf("data_version = %q, want %q", rec.DataVersion, models.DataVersion)
	}
}

// A hot reading with the model below the cutoff raises a MEDIUM alert;
// the follow-up breaching every rule with a confident model escalates
// to CRITICAL straight through the cooldown.
func TestProcessBatchEscalation(t *testing.T) {
	p := newPipeline(&seqModel{probs: []float64{0.2, 0.9}})

	report := p.batch.ProcessBatch(context.Background(), []models.RawRecord{
		rawReading("MCH001", 1, 95, 1.0, 100),
		rawReading("MCH001", 2, 96, 6, 210),
	})

	if report.Succeeded != 2 {
		t.Fatalf("Succeeded = %d, want 2", report.Succeeded)
	}
	if report.AlertsSent != 2 {
		t.Fatalf("AlertsSent = %d, want 2 (first occurrence, then escalation)", report.AlertsSent)
	}

	first, second := p.sink.records[0].Verdict, p.sink.records[1].Verdict
	// Temperature rule only; the 0.2 model score stays below the cutoff
	if first.Score != 1 || first.Severity != models.SeverityMedium {
		t.Errorf("first verdict = %+v, want score 1 MEDIUM", first)
	}
	// Three rules plus the model, clamped
	if second.Score != models.MaxCompositeScore || second.Severity != models.SeverityCritical {
		t.Errorf("second verdict = %+v, want clamped CRITICAL", second)
	}

	if p.notifier.alerts[0].Severity != models.SeverityMedium {
		t.Errorf("first alert severity = %v, want MEDIUM", p.notifier.alerts[0].Severity)
	}
	if p.notifier.alerts[1].Severity != models.SeverityCritical {
		t.Errorf("escalated alert severity = %v, want CRITICAL", p.notifier.alerts[1].Severity)
	}
}

// Disabling the model must not change decode or feature behavior, and
// rule-only verdicts can still reach CRITICAL and alert.
func TestProcessBatchRuleOnlyCritical(t *testing.T) {
	p := newPipeline(nil)

	report := p.batch.ProcessBatch(context.Background(), []models.RawRecord{
		rawReading("MCH001", 1, 96, 6, 210),
	})

	if report.Succeeded != 1 || report.AlertsSent != 1 {
		t.Fatalf("report = %+v, want 1 succeeded with 1 alert", report)
	}
	v := p.sink.records[0].Verdict
	if v.Score != 3 || v.Severity != models.SeverityCritical {
		t.Errorf("verdict = %+v, want rule-only CRITICAL", v)
	}
	if !v.ModelUnavailable {
		t.Error("verdict must be marked model-unavailable")
	}
}

func TestProcessBatchThrottlesRepeats(t *testing.T) {
	p := newPipeline(nil)

	records := []models.RawRecord{
		rawReading("MCH001", 1, 95, 1.5, 100),
		rawReading("MCH001", 2, 95, 1.5, 100),
		rawReading("MCH001", 3, 95, 1.5, 100),
	}
	report := p.batch.ProcessBatch(context.Background(), records)

	if report.AlertsSent != 1 {
		t.Errorf("AlertsSent = %d, want 1 (repeats suppressed)", report.AlertsSent)
	}
	// Suppression gates only notifications; every record still lands in
	// the sink.
	if len(p.sink.records) != 3 {
		t.Errorf("sink rows = %d, want 3", len(p.sink.records))
	}
}

func TestProcessBatchSkipsBadRecords(t *testing.T) {
	p := newPipeline(nil)

	report := p.batch.ProcessBatch(context.Background(), []models.RawRecord{
		rawReading("MCH001", 1, 72, 1.5, 100),
		{Data: []byte(`not json`), SeqToken: "0:2"},
		{Data: []byte(`{"timestamp":1718000003,"temperature":70,"vibration":1,"pressure":100}`), SeqToken: "0:3"},
		rawReading("MCH001", 4, 73, 1.5, 100),
	})

	if report.State() != models.BatchSuccess {
		t.Errorf("State() = %s, want success (skips do not degrade the batch)", report.State())
	}
	if report.Succeeded != 2 || report.Skipped != 2 {
		t.Errorf("succeeded/skipped = %d/%d, want 2/2", report.Succeeded, report.Skipped)
	}

	var reasons []string
	for _, o := range report.Outcomes {
		if o.Status == models.RecordSkipped {
			reasons = append(reasons, o.Reason)
		}
	}
	if len(reasons) != 2 || reasons[0] != "malformed" || reasons[1] != "missing_machine_id" {
		t.Errorf("skip reasons = %v, want [malformed missing_machine_id]", reasons)
	}
}

func TestProcessBatchDeadLetters(t *testing.T) {
	p := newPipeline(nil)
	p.sink.failures = 100 // every write fails

	report := p.batch.ProcessBatch(context.Background(), []models.RawRecord{
		rawReading("MCH001", 1, 72, 1.5, 100),
	})

	if report.State() != models.BatchPartial {
		t.Errorf("State() = %s, want partial", report.State())
	}
	if report.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", report.DeadLettered)
	}
	if len(p.dlq.tokens) != 1 || p.dlq.tokens[0] != "0:1" {
		t.Errorf("dlq tokens = %v, want [0:1]", p.dlq.tokens)
	}

	outcome := report.Outcomes[0]
	if outcome.Status != models.RecordDeadLettered || outcome.Reason == "" {
		t.Errorf("outcome = %+v, want dead_lettered with a reason", outcome)
	}
}

// When the sink and the dead-letter queue both fail, the record is
// preserved nowhere and must be reported unprocessed so its offset is
// withheld and the stream redelivers it.
func TestProcessBatchDeadLetterFailureHoldsRecord(t *testing.T) {
	p := newPipeline(nil)
	p.sink.failures = 100
	p.dlq.err = errors.New("dlq broker unavailable")

	report := p.batch.ProcessBatch(context.Background(), []models.RawRecord{
		rawReading("MCH001", 1, 72, 1.5, 100),
	})

	if report.DeadLettered != 0 {
		t.Errorf("DeadLettered = %d, want 0 when the publish fails", report.DeadLettered)
	}
	if report.Unprocessed != 1 {
		t.Errorf("Unprocessed = %d, want 1", report.Unprocessed)
	}
	outcome := report.Outcomes[0]
	if outcome.Status != models.RecordUnprocessed || outcome.Reason == "" {
		t.Errorf("outcome = %+v, want unprocessed with a reason", outcome)
	}
	if report.Committable() {
		t.Error("a batch holding an unpreserved record must not be committable")
	}
}

// A batch deadline hit mid-batch must leave the unattempted tail
// enumerated as unprocessed and keep the batch uncommittable, so the
// stream redelivers those records instead of dropping them.
func TestProcessBatchTimeoutLeavesTailUnprocessed(t *testing.T) {
	cfg := config.Default()
	s := &stallSink{passFirst: 1}
	d := &dlqRecorder{}
	coord := dispatch.New(config.DispatchConfig{
		SinkMaxRetries:   0,
		SinkRetryBackoff: time.Millisecond,
	}, s, nil, d)

	batch := processor.NewBatchProcessor(
		config.ProcessorConfig{BatchTimeout: 50 * time.Millisecond},
		state.NewStore(cfg.Window.Size, cfg.Window.Shards),
		scoring.New(cfg.Scoring, nil),
		throttle.New(cfg.Throttle.Cooldown, nil),
		coord)

	var records []models.RawRecord
	for i := 1; i <= 5; i++ {
		records = append(records, rawReading("MCH001", i, 72, 1.5, 100))
	}
	report := batch.ProcessBatch(context.Background(), records)

	if report.Fatal != nil {
		t.Fatalf("Fatal = %v, want nil (a timeout is not an internal error)", report.Fatal)
	}
	if report.Succeeded != 1 || report.DeadLettered != 1 || report.Unprocessed != 3 {
		t.Errorf("succeeded/dead_lettered/unprocessed = %d/%d/%d, want 1/1/3",
			report.Succeeded, report.DeadLettered, report.Unprocessed)
	}
	if report.State() != models.BatchPartial {
		t.Errorf("State() = %s, want partial", report.State())
	}
	if report.Committable() {
		t.Error("offsets must be withheld while records remain unprocessed")
	}

	for _, o := range report.Outcomes[2:] {
		if o.Status != models.RecordUnprocessed {
			t.Errorf("outcome %s = %s, want unprocessed", o.SeqToken, o.Status)
		}
	}
}

func TestProcessBatchWindowFeedsFeatures(t *testing.T) {
	p := newPipeline(nil)

	var records []models.RawRecord
	for i := 1; i <= 5; i++ {
		records = append(records, rawReading("MCH001", i, float64(70+i), 1.5, 100))
	}
	report := p.batch.ProcessBatch(context.Background(), records)
	if report.Succeeded != 5 {
		t.Fatalf("Succeeded = %d, want 5", report.Succeeded)
	}

	last := p.sink.records[4]
	if last.Features.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want 5", last.Features.SampleCount)
	}
	// Mean of 71..75
	if last.Features.Temperature.Mean != 73 {
		t.Errorf("rolling mean = %v, want 73", last.Features.Temperature.Mean)
	}
	if last.Features.Temperature.Delta != 1 {
		t.Errorf("delta = %v, want 1", last.Features.Temperature.Delta)
	}
}

func TestProcessBatchCancelledContext(t *testing.T) {
	p := newPipeline(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := []models.RawRecord{
		rawReading("MCH001", 1, 72, 1.5, 100),
		rawReading("MCH001", 2, 73, 1.5, 100),
	}
	report := p.batch.ProcessBatch(ctx, records)

	if report.Unprocessed != 2 {
		t.Errorf("Unprocessed = %d, want 2 (nothing attempted after cancel)", report.Unprocessed)
	}
	if report.State() != models.BatchPartial {
		t.Errorf("State() = %s, want partial", report.State())
	}
	if len(p.sink.records) != 0 {
		t.Errorf("sink rows = %d, want 0", len(p.sink.records))
	}
}

func TestProcessBatchReportEnumeratesEverything(t *testing.T) {
	p := newPipeline(nil)

	records := []models.RawRecord{
		rawReading("MCH001", 1, 72, 1.5, 100),
		{Data: []byte(`{`), SeqToken: "0:2"},
		rawReading("MCH002", 3, 95, 1.5, 100),
	}
	report := p.batch.ProcessBatch(context.Background(), records)

	if len(report.Outcomes) != len(records) {
		t.Fatalf("Outcomes = %d, want one per record", len(report.Outcomes))
	}
	seen := map[string]bool{}
	for _, o := range report.Outcomes {
		seen[o.SeqToken] = true
	}
	for _, r := range records {
		if !seen[r.SeqToken] {
			t.Errorf("record %s missing from the report", r.SeqToken)
		}
	}
	if report.Total != 3 {
		t.Errorf("Total = %d, want 3", report.Total)
	}
}
