// Package regime provides HMM-based market regime detection.
//
// A 3-state Gaussian HMM is fitted on [log return, realized vol]
// observations. Raw state indices are arbitrary and unstable across
// refits, so the state-to-regime mapping is re-derived after every fit
// by sorting states on mean volatility: lowest vol is trending, middle
// is mean-reverting, highest is choppy.
package regime

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

const (
	numFeatures = 2
	varFloor    = 1e-10
	probFloor   = 1e-300
)

// Config configures the detector.
type Config struct {
	NumStates  int
	MinFitBars int
	MaxEMIters int
	Seed       int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumStates:  3,
		MinFitBars: 200,
		MaxEMIters: 50,
		Seed:       42,
	}
}

// gaussState holds diagonal-covariance Gaussian emission parameters
// for one hidden state.
type gaussState struct {
	mean [numFeatures]float64
	vari [numFeatures]float64
}

// Detector fits and evaluates the regime HMM. Fitting is periodic;
// classification runs per bar against the most recently fitted parameters.
type Detector struct {
	logger *zap.Logger
	config Config

	mu            sync.RWMutex
	fitted        bool
	states        []gaussState
	trans         [][]float64
	initial       []float64
	stateToRegime map[int]types.Regime
}

// NewDetector creates a detector. The config must carry exactly three
// states: the vol-sorted mapping rule is specific to three regimes.
func NewDetector(logger *zap.Logger, config Config) (*Detector, error) {
	if config.NumStates != 3 {
		return nil, &errs.ConfigError{
			Field:  "regime.numStates",
			Detail: "state-to-regime mapping requires exactly 3 states",
		}
	}
	if config.MinFitBars <= 0 {
		config.MinFitBars = DefaultConfig().MinFitBars
	}
	if config.MaxEMIters <= 0 {
		config.MaxEMIters = DefaultConfig().MaxEMIters
	}
	return &Detector{
		logger: logger,
		config: config,
	}, nil
}

// Fitted reports whether the detector holds usable parameters.
func (d *Detector) Fitted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fitted
}

// Fit estimates HMM parameters from a training window via EM and
// re-derives the state-to-regime mapping.
func (d *Detector) Fit(logReturns, realizedVol []float64) error {
	obs := cleanObservations(logReturns, realizedVol)
	if len(obs) < d.config.MinFitBars {
		return &errs.InsufficientDataError{Needed: d.config.MinFitBars, Got: len(obs)}
	}

	n := d.config.NumStates
	rng := rand.New(rand.NewSource(int64(d.config.Seed)))

	states := initStates(obs, n, rng)
	trans := initTransitions(n)
	initial := make([]float64, n)
	for i := range initial {
		initial[i] = 1.0 / float64(n)
	}

	prevLL := math.Inf(-1)
	for iter := 0; iter < d.config.MaxEMIters; iter++ {
		gamma, xi, ll := expectation(obs, states, trans, initial)
		maximization(obs, gamma, xi, states, trans, initial)

		if ll-prevLL < 1e-6 && iter > 0 {
			break
		}
		prevLL = ll
	}

	mapping := mapStatesByVol(states)

	d.mu.Lock()
	d.states = states
	d.trans = trans
	d.initial = initial
	d.stateToRegime = mapping
	d.fitted = true
	d.mu.Unlock()

	d.logger.Info("regime detector fitted",
		zap.Int("samples", len(obs)),
		zap.Float64("logLikelihood", prevLL),
		zap.Any("stateMapping", mapping),
	)
	return nil
}

// Classify runs the forward algorithm over a recent window and returns
// the most probable current regime with its posterior probability.
func (d *Detector) Classify(logReturns, realizedVol []float64) (*types.RegimeState, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.fitted {
		return nil, &errs.InsufficientDataError{Needed: d.config.MinFitBars, Got: 0}
	}

	obs := cleanObservations(logReturns, realizedVol)
	if len(obs) == 0 {
		return nil, &errs.InsufficientDataError{Needed: 1, Got: 0}
	}

	posterior := d.forwardPosterior(obs)

	best := 0
	for i := 1; i < len(posterior); i++ {
		if posterior[i] > posterior[best] {
			best = i
		}
	}

	return &types.RegimeState{
		Regime:     d.stateToRegime[best],
		Confidence: posterior[best],
	}, nil
}

// forwardPosterior runs the scaled forward pass and returns the filtered
// state distribution at the final observation. Caller holds the read lock.
func (d *Detector) forwardPosterior(obs [][numFeatures]float64) []float64 {
	n := d.config.NumStates
	alpha := make([]float64, n)
	next := make([]float64, n)

	for i := 0; i < n; i++ {
		alpha[i] = d.initial[i] * emission(obs[0], d.states[i])
	}
	normalize(alpha)

	for t := 1; t < len(obs); t++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += alpha[i] * d.trans[i][j]
			}
			next[j] = sum * emission(obs[t], d.states[j])
		}
		copy(alpha, next)
		normalize(alpha)
	}
	out := make([]float64, n)
	copy(out, alpha)
	return out
}

// cleanObservations stacks the two feature series and drops rows that
// contain NaN or Inf; series length mismatches truncate to the shorter.
func cleanObservations(logReturns, realizedVol []float64) [][numFeatures]float64 {
	n := len(logReturns)
	if len(realizedVol) < n {
		n = len(realizedVol)
	}
	obs := make([][numFeatures]float64, 0, n)
	for i := 0; i < n; i++ {
		r, v := logReturns[i], realizedVol[i]
		if math.IsNaN(r) || math.IsInf(r, 0) || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		obs = append(obs, [numFeatures]float64{r, v})
	}
	return obs
}

// initStates seeds emission parameters by splitting observations into
// vol tertiles, which gives EM a stable, label-meaningful start.
func initStates(obs [][numFeatures]float64, n int, rng *rand.Rand) []gaussState {
	sorted := make([][numFeatures]float64, len(obs))
	copy(sorted, obs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][1] < sorted[j][1] })

	states := make([]gaussState, n)
	chunk := len(sorted) / n
	for s := 0; s < n; s++ {
		lo := s * chunk
		hi := lo + chunk
		if s == n-1 {
			hi = len(sorted)
		}
		part := sorted[lo:hi]

		var st gaussState
		for f := 0; f < numFeatures; f++ {
			mean := 0.0
			for _, o := range part {
				mean += o[f]
			}
			mean /= float64(len(part))

			vari := 0.0
			for _, o := range part {
				diff := o[f] - mean
				vari += diff * diff
			}
			vari /= float64(len(part))
			if vari < varFloor {
				vari = varFloor
			}

			// Tiny jitter breaks symmetry when tertiles are near-identical.
			st.mean[f] = mean + rng.NormFloat64()*math.Sqrt(vari)*0.01
			st.vari[f] = vari
		}
		states[s] = st
	}
	return states
}

func initTransitions(n int) [][]float64 {
	trans := make([][]float64, n)
	for i := range trans {
		trans[i] = make([]float64, n)
		for j := range trans[i] {
			if i == j {
				trans[i][j] = 0.9
			} else {
				trans[i][j] = 0.1 / float64(n-1)
			}
		}
	}
	return trans
}

// expectation runs the scaled forward-backward pass and returns per-bar
// state responsibilities (gamma), transition responsibilities (xi) and
// the observation log-likelihood.
func expectation(
	obs [][numFeatures]float64,
	states []gaussState,
	trans [][]float64,
	initial []float64,
) (gamma [][]float64, xi [][][]float64, logLikelihood float64) {
	T := len(obs)
	n := len(states)

	b := make([][]float64, T)
	for t := 0; t < T; t++ {
		b[t] = make([]float64, n)
		for i := 0; i < n; i++ {
			b[t][i] = emission(obs[t], states[i])
		}
	}

	alpha := make([][]float64, T)
	scale := make([]float64, T)
	alpha[0] = make([]float64, n)
	for i := 0; i < n; i++ {
		alpha[0][i] = initial[i] * b[0][i]
	}
	scale[0] = normalize(alpha[0])

	for t := 1; t < T; t++ {
		alpha[t] = make([]float64, n)
		for j := 0; j < n; j++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += alpha[t-1][i] * trans[i][j]
			}
			alpha[t][j] = sum * b[t][j]
		}
		scale[t] = normalize(alpha[t])
	}

	beta := make([][]float64, T)
	beta[T-1] = make([]float64, n)
	for i := 0; i < n; i++ {
		beta[T-1][i] = 1.0
	}
	for t := T - 2; t >= 0; t-- {
		beta[t] = make([]float64, n)
		for i := 0; i < n; i++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				sum += trans[i][j] * b[t+1][j] * beta[t+1][j]
			}
			if scale[t+1] > 0 {
				beta[t][i] = sum / scale[t+1]
			}
		}
	}

	gamma = make([][]float64, T)
	for t := 0; t < T; t++ {
		gamma[t] = make([]float64, n)
		for i := 0; i < n; i++ {
			gamma[t][i] = alpha[t][i] * beta[t][i]
		}
		normalize(gamma[t])
	}

	xi = make([][][]float64, T-1)
	for t := 0; t < T-1; t++ {
		xi[t] = make([][]float64, n)
		total := 0.0
		for i := 0; i < n; i++ {
			xi[t][i] = make([]float64, n)
			for j := 0; j < n; j++ {
				xi[t][i][j] = alpha[t][i] * trans[i][j] * b[t+1][j] * beta[t+1][j]
				total += xi[t][i][j]
			}
		}
		if total > 0 {
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					xi[t][i][j] /= total
				}
			}
		}
	}

	for t := 0; t < T; t++ {
		if scale[t] > 0 {
			logLikelihood += math.Log(scale[t])
		}
	}
	return gamma, xi, logLikelihood
}

// maximization re-estimates all HMM parameters in place.
func maximization(
	obs [][numFeatures]float64,
	gamma [][]float64,
	xi [][][]float64,
	states []gaussState,
	trans [][]float64,
	initial []float64,
) {
	T := len(obs)
	n := len(states)

	for i := 0; i < n; i++ {
		initial[i] = gamma[0][i]

		occupancy := 0.0
		for t := 0; t < T; t++ {
			occupancy += gamma[t][i]
		}
		if occupancy <= 0 {
			continue
		}

		for f := 0; f < numFeatures; f++ {
			mean := 0.0
			for t := 0; t < T; t++ {
				mean += gamma[t][i] * obs[t][f]
			}
			mean /= occupancy

			vari := 0.0
			for t := 0; t < T; t++ {
				diff := obs[t][f] - mean
				vari += gamma[t][i] * diff * diff
			}
			vari /= occupancy
			if vari < varFloor {
				vari = varFloor
			}
			states[i].mean[f] = mean
			states[i].vari[f] = vari
		}

		transOccupancy := 0.0
		for t := 0; t < T-1; t++ {
			transOccupancy += gamma[t][i]
		}
		if transOccupancy > 0 {
			for j := 0; j < n; j++ {
				num := 0.0
				for t := 0; t < T-1; t++ {
					num += xi[t][i][j]
				}
				trans[i][j] = num / transOccupancy
			}
			normalize(trans[i])
		}
	}
}

// mapStatesByVol sorts states by mean realized vol and assigns
// trending < mean-reverting < choppy in that order.
func mapStatesByVol(states []gaussState) map[int]types.Regime {
	idx := make([]int, len(states))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return states[idx[a]].mean[1] < states[idx[b]].mean[1]
	})
	return map[int]types.Regime{
		idx[0]: types.RegimeTrending,
		idx[1]: types.RegimeMeanReverting,
		idx[2]: types.RegimeChoppy,
	}
}

// emission returns the diagonal-covariance Gaussian density of an
// observation under one state, floored to keep the forward pass alive.
func emission(o [numFeatures]float64, s gaussState) float64 {
	p := 1.0
	for f := 0; f < numFeatures; f++ {
		diff := o[f] - s.mean[f]
		p *= math.Exp(-0.5*diff*diff/s.vari[f]) / math.Sqrt(2*math.Pi*s.vari[f])
	}
	if p < probFloor {
		p = probFloor
	}
	return p
}

// normalize scales a vector to sum 1 and returns the original sum.
func normalize(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	if sum > 0 {
		for i := range v {
			v[i] /= sum
		}
	}
	return sum
}
