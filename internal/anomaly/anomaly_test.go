package anomaly

import (
	"math"
	"testing"
)

func TestSingleStepChange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []float64
		want   float64
		wantOK bool
	}{
		{"drop of 5%", []float64{80, 100, 95}, 5, true},
		{"jump of 10%", []float64{100, 110}, 10, true},
		{"flat", []float64{100, 100}, 0, true},
		{"one sample", []float64{100}, 0, false},
		{"zero previous", []float64{0, 100}, 0, false},
	}

	for _, tt := range tests {
		got, ok := singleStepChange(tt.values)
		if ok != tt.wantOK || math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: singleStepChange() = %v/%v, want %v/%v", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestZScoreOf(t *testing.T) {
	t.Parallel()

	// Train window alternates 90/110: mean 100, stddev 10. A final value of
	// 130 scores z = 3.
	values := []float64{90, 110, 90, 110, 90, 110, 90, 110, 90, 110, 130}
	z, mean, std, ok := zScoreOf(values)
	if !ok {
		t.Fatal("zScoreOf should be defined")
	}
	if math.Abs(mean-100) > 1e-9 || math.Abs(std-10) > 1e-9 {
		t.Errorf("mean/std = %v/%v, want 100/10", mean, std)
	}
	if math.Abs(z-3) > 1e-9 {
		t.Errorf("z = %v, want 3", z)
	}

	// A steady series has no spread to score against.
	if _, _, _, ok := zScoreOf([]float64{100, 100, 100, 100}); ok {
		t.Error("flat window should be undefined")
	}

	// Negative moves score symmetrically.
	down := []float64{90, 110, 90, 110, 90, 110, 90, 110, 90, 110, 70}
	z, _, _, ok = zScoreOf(down)
	if !ok || math.Abs(z+3) > 1e-9 {
		t.Errorf("z = %v/%v, want -3/true", z, ok)
	}
}
