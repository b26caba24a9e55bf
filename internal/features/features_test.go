package features_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"vigil/internal/features"
	"vigil/internal/models"
	"vigil/internal/state"
)

func commit(t *testing.T, w *state.Window, temp, vib, pressure float64, seq int) (state.Snapshot, *models.SensorReading) {
	t.Helper()
	r := models.SensorReading{
		MachineID:   "MCH001",
		Temperature: temp,
		Vibration:   vib,
		Pressure:    pressure,
		Timestamp:   time.Unix(1718000000+int64(seq), 0),
		SeqToken:    fmt.Sprintf("0:%d", seq),
	}
	snap, err := w.Commit(r)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return snap, &r
}

func TestComputeFirstReading(t *testing.T) {
	w := state.NewWindow(20)
	snap, r := commit(t, w, 72.5, 1.2, 101.3, 1)

	fv := features.Compute(snap, r)

	if fv.SampleCount != 1 {
		t.Errorf("SampleCount = %d, want 1", fv.SampleCount)
	}
	// No prior reading: delta must be zero, not the raw value
	if fv.Temperature.Delta != 0 || fv.Vibration.Delta != 0 || fv.Pressure.Delta != 0 {
		t.Errorf("deltas = %v/%v/%v, want all zero on first reading",
			fv.Temperature.Delta, fv.Vibration.Delta, fv.Pressure.Delta)
	}
	if fv.Temperature.Mean != 72.5 {
		t.Errorf("Temperature.Mean = %v, want 72.5", fv.Temperature.Mean)
	}
	if fv.Temperature.StdDev != 0 {
		t.Errorf("Temperature.StdDev = %v, want 0 for single sample", fv.Temperature.StdDev)
	}
	if fv.Temperature.Trend != models.TrendInsufficient {
		t.Errorf("Trend = %s, want insufficient_data under 3 samples", fv.Temperature.Trend)
	}
}

func TestComputeDelta(t *testing.T) {
	w := state.NewWindow(20)
	commit(t, w, 70, 1.0, 100, 1)
	snap, r := commit(t, w, 76, 1.4, 95, 2)

	fv := features.Compute(snap, r)

	if math.Abs(fv.Temperature.Delta-6) > 1e-9 {
		t.Errorf("Temperature.Delta = %v, want 6", fv.Temperature.Delta)
	}
	if math.Abs(fv.Vibration.Delta-0.4) > 1e-9 {
		t.Errorf("Vibration.Delta = %v, want 0.4", fv.Vibration.Delta)
	}
	if math.Abs(fv.Pressure.Delta-(-5)) > 1e-9 {
		t.Errorf("Pressure.Delta = %v, want -5", fv.Pressure.Delta)
	}
}

func TestComputeTrend(t *testing.T) {
	tests := []struct {
		name  string
		temps []float64
		want  models.TrendLabel
	}{
		{"two samples insufficient", []float64{70, 90}, models.TrendInsufficient},
		{"rise beyond margin", []float64{70, 73, 76}, models.TrendIncreasing},
		{"rise within margin", []float64{70, 72, 74}, models.TrendStable},
		{"exactly at margin", []float64{70, 72, 75}, models.TrendStable},
		{"fall beyond margin", []float64{80, 76, 72}, models.TrendDecreasing},
		{"flat", []float64{75, 75, 75}, models.TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := state.NewWindow(20)
			var snap state.Snapshot
			var r *models.SensorReading
			for i, temp := range tt.temps {
				snap, r = commit(t, w, temp, 1, 100, i+1)
			}
			fv := features.Compute(snap, r)
			if fv.Temperature.Trend != tt.want {
				t.Errorf("Trend = %s, want %s", fv.Temperature.Trend, tt.want)
			}
		})
	}
}

// The trend compares against the oldest reading still retained, so
// evicted history must not influence the label.
func TestComputeTrendAfterEviction(t *testing.T) {
	w := state.NewWindow(3)
	commit(t, w, 100, 1, 100, 1) // evicted below
	commit(t, w, 70, 1, 100, 2)
	commit(t, w, 73, 1, 100, 3)
	snap, r := commit(t, w, 76, 1, 100, 4)

	fv := features.Compute(snap, r)
	if fv.Temperature.Trend != models.TrendIncreasing {
		t.Errorf("Trend = %s, want increasing against oldest retained (70)", fv.Temperature.Trend)
	}
}

func TestComputeRatios(t *testing.T) {
	w := state.NewWindow(20)
	snap, r := commit(t, w, 80, 2, 160, 1)

	fv := features.Compute(snap, r)

	wantTV := 80.0 / 2.001
	if math.Abs(fv.TempVibRatio-wantTV) > 1e-9 {
		t.Errorf("TempVibRatio = %v, want %v", fv.TempVibRatio, wantTV)
	}
	wantPT := 160.0 / 80.001
	if math.Abs(fv.PressureTempRatio-wantPT) > 1e-9 {
		t.Errorf("PressureTempRatio = %v, want %v", fv.PressureTempRatio, wantPT)
	}
}

func TestComputeRatioGuardAtZero(t *testing.T) {
	w := state.NewWindow(20)
	snap, r := commit(t, w, 0, 0, 100, 1)

	fv := features.Compute(snap, r)

	if math.IsInf(fv.TempVibRatio, 0) || math.IsNaN(fv.TempVibRatio) {
		t.Errorf("TempVibRatio = %v, want finite at zero vibration", fv.TempVibRatio)
	}
	if math.IsInf(fv.PressureTempRatio, 0) || math.IsNaN(fv.PressureTempRatio) {
		t.Errorf("PressureTempRatio = %v, want finite at zero temperature", fv.PressureTempRatio)
	}
}
