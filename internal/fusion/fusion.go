// Package fusion combines per-source signals into one sized signal
// using regime-gated Mixture-of-Experts weights.
//
// Combine is a pure function of its inputs: identical inputs always
// produce an identical FusedSignal, which keeps fusion independently
// testable from the stateful detector and portfolio machinery.
package fusion

import (
	"time"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// Fuser applies regime-dependent weights to component signals.
// Weight validation happens at configuration load, not here.
type Fuser struct {
	weights            map[string]config.RegimeWeights
	choppyScale        float64
	directionThreshold float64
}

// NewFuser creates a fuser from validated fusion configuration.
func NewFuser(cfg config.FusionConfig) *Fuser {
	return &Fuser{
		weights:            cfg.Weights,
		choppyScale:        cfg.ChoppyScale,
		directionThreshold: cfg.DirectionThreshold,
	}
}

// Combine fuses component scores under the current regime.
//
// Missing sources default to score 0 and their weight is redistributed
// proportionally across the sources that are present; they are never
// silently dropped without that adjustment. The choppy scale applies to
// the raw weighted sum before confidence scaling.
func (f *Fuser) Combine(
	symbol string,
	components map[types.SignalSource]float64,
	regime types.Regime,
	confidence float64,
	at time.Time,
) types.FusedSignal {
	w := f.weightsFor(regime)

	type sourceWeight struct {
		source types.SignalSource
		weight float64
	}
	all := []sourceWeight{
		{types.SourceTechnical, w.Technical},
		{types.SourceML, w.ML},
		{types.SourceSentiment, w.Sentiment},
	}

	presentWeight := 0.0
	for _, sw := range all {
		if _, ok := components[sw.source]; ok {
			presentWeight += sw.weight
		}
	}

	raw := 0.0
	used := make(map[types.SignalSource]float64, len(all))
	for _, sw := range all {
		score, ok := components[sw.source]
		if !ok {
			used[sw.source] = 0
			continue
		}
		weight := sw.weight
		if presentWeight > 0 && presentWeight < 1 {
			weight /= presentWeight
		}
		raw += weight * score
		used[sw.source] = score
	}

	if regime == types.RegimeChoppy {
		raw *= f.choppyScale
	}

	strength := clamp(raw*clamp(confidence, 0, 1), -1, 1)

	direction := types.DirectionFlat
	switch {
	case strength > f.directionThreshold:
		direction = types.DirectionLong
	case strength < -f.directionThreshold:
		direction = types.DirectionShort
	}

	return types.FusedSignal{
		Symbol:     symbol,
		Direction:  direction,
		Strength:   strength,
		Confidence: clamp(confidence, 0, 1),
		Regime:     regime,
		Components: used,
		Timestamp:  at,
	}
}

// weightsFor falls back to choppy weights for unknown regime labels.
func (f *Fuser) weightsFor(regime types.Regime) config.RegimeWeights {
	if w, ok := f.weights[string(regime)]; ok {
		return w
	}
	if w, ok := f.weights[string(types.RegimeChoppy)]; ok {
		return w
	}
	return config.RegimeWeights{Technical: 0.33, ML: 0.34, Sentiment: 0.33}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
