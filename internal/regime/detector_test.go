package regime_test

import (
	"errors"
	"math/rand"
	"testing"

	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/regime"
	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

func newDetector(t *testing.T) *regime.Detector {
	t.Helper()
	d, err := regime.NewDetector(zap.NewNop(), regime.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	return d
}

// syntheticSeries generates observations from three well-separated
// volatility clusters, 100 bars each, low vol first.
func syntheticSeries() (logReturns, vols []float64) {
	rng := rand.New(rand.NewSource(7))
	clusters := []struct{ vol, volStd, drift float64 }{
		{0.10, 0.01, 0.002},
		{0.50, 0.02, 0.000},
		{1.00, 0.03, -0.001},
	}
	for _, c := range clusters {
		for i := 0; i < 100; i++ {
			logReturns = append(logReturns, c.drift+rng.NormFloat64()*0.005)
			vols = append(vols, c.vol+rng.NormFloat64()*c.volStd)
		}
	}
	return logReturns, vols
}

func TestNewDetectorRejectsWrongStateCount(t *testing.T) {
	cfg := regime.DefaultConfig()
	cfg.NumStates = 2
	_, err := regime.NewDetector(zap.NewNop(), cfg)
	var configErr *errs.ConfigError
	if !errors.As(err, &configErr) {
		t.Fatalf("expected ConfigError for 2 states, got %v", err)
	}

	cfg.NumStates = 5
	if _, err := regime.NewDetector(zap.NewNop(), cfg); err == nil {
		t.Fatal("expected error for 5 states")
	}
}

func TestFitInsufficientData(t *testing.T) {
	d := newDetector(t)
	logReturns := make([]float64, 50)
	vols := make([]float64, 50)

	err := d.Fit(logReturns, vols)
	var insufficient *errs.InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if insufficient.Got != 50 {
		t.Errorf("expected Got=50, got %d", insufficient.Got)
	}
	if d.Fitted() {
		t.Error("detector should not be fitted after a failed fit")
	}
}

func TestClassifyBeforeFit(t *testing.T) {
	d := newDetector(t)
	_, err := d.Classify([]float64{0.01}, []float64{0.2})
	var insufficient *errs.InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError before fit, got %v", err)
	}
}

func TestFitAndClassifyVolClusters(t *testing.T) {
	d := newDetector(t)
	logReturns, vols := syntheticSeries()
	if err := d.Fit(logReturns, vols); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if !d.Fitted() {
		t.Fatal("detector should be fitted")
	}

	cases := []struct {
		name string
		lo   int
		want types.Regime
	}{
		{"low vol window", 60, types.RegimeTrending},
		{"mid vol window", 160, types.RegimeMeanReverting},
		{"high vol window", 260, types.RegimeChoppy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, err := d.Classify(logReturns[tc.lo:tc.lo+20], vols[tc.lo:tc.lo+20])
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if state.Regime != tc.want {
				t.Errorf("expected %s, got %s (confidence %f)", tc.want, state.Regime, state.Confidence)
			}
			if state.Confidence <= 0 || state.Confidence > 1 {
				t.Errorf("confidence %f outside (0, 1]", state.Confidence)
			}
		})
	}
}

func TestFitDeterministicAcrossRefits(t *testing.T) {
	logReturns, vols := syntheticSeries()

	first := newDetector(t)
	if err := first.Fit(logReturns, vols); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	second := newDetector(t)
	if err := second.Fit(logReturns, vols); err != nil {
		t.Fatalf("refit failed: %v", err)
	}

	a, err := first.Classify(logReturns[:30], vols[:30])
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	b, err := second.Classify(logReturns[:30], vols[:30])
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if a.Regime != b.Regime || a.Confidence != b.Confidence {
		t.Errorf("same seed and data should classify identically: %+v vs %+v", a, b)
	}
}

func TestFitDropsNaNObservations(t *testing.T) {
	d := newDetector(t)
	logReturns, vols := syntheticSeries()
	logReturns[10] = nanValue()
	vols[20] = infValue()

	if err := d.Fit(logReturns, vols); err != nil {
		t.Fatalf("Fit should survive NaN/Inf rows: %v", err)
	}
}

func nanValue() float64 { zero := 0.0; return zero / zero }

func infValue() float64 { zero := 0.0; return 1.0 / zero }
