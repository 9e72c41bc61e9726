package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

func TestDefaultValidates(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
}

func configErrField(t *testing.T, err error) string {
	t.Helper()
	var cfgErr *errs.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	return cfgErr.Field
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(*config.Config)
		wantField string
	}{
		{
			"wrong state count",
			func(c *config.Config) { c.Regime.NumStates = 4 },
			"regime.numStates",
		},
		{
			"weights do not sum to one",
			func(c *config.Config) {
				c.Fusion.Weights[string(types.RegimeTrending)] = config.RegimeWeights{Technical: 0.5, ML: 0.5, Sentiment: 0.5}
			},
			"fusion.weights.trending",
		},
		{
			"negative weight",
			func(c *config.Config) {
				c.Fusion.Weights[string(types.RegimeChoppy)] = config.RegimeWeights{Technical: 1.2, ML: -0.2, Sentiment: 0}
			},
			"fusion.weights.choppy",
		},
		{
			"missing weight triple",
			func(c *config.Config) { delete(c.Fusion.Weights, string(types.RegimeMeanReverting)) },
			"fusion.weights.mean_reverting",
		},
		{
			"choppy scale above one",
			func(c *config.Config) { c.Fusion.ChoppyScale = 1.5 },
			"fusion.choppyScale",
		},
		{
			"iqr band inverted",
			func(c *config.Config) { c.Fusion.MinIQR, c.Fusion.MaxIQR = 1.5, 0.2 },
			"fusion.maxIqr",
		},
		{
			"zero vol target",
			func(c *config.Config) { c.Sizing.VolTarget = 0 },
			"sizing.volTarget",
		},
		{
			"drawdown limit out of range",
			func(c *config.Config) { c.Risk.MaxDrawdownPct = 1.0 },
			"risk.maxDrawdownPct",
		},
		{
			"partial fill above one",
			func(c *config.Config) { c.Backtest.PartialFillPct = 1.1 },
			"backtest.partialFillPct",
		},
		{
			"negative fill latency",
			func(c *config.Config) { c.Backtest.FillLatencyBars = -1 },
			"backtest.fillLatencyBars",
		},
		{
			"zero test window",
			func(c *config.Config) { c.WalkForward.TestBars = 0 },
			"walkForward",
		},
		{
			"zero simulations",
			func(c *config.Config) { c.MonteCarlo.Simulations = 0 },
			"monteCarlo.simulations",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if got := configErrField(t, cfg.Validate()); got != tc.wantField {
				t.Errorf("expected field %q, got %q", tc.wantField, got)
			}
		})
	}
}

func TestWeightsForUnknownRegimeFallsBack(t *testing.T) {
	cfg := config.Default()
	w := cfg.WeightsFor(types.Regime("unknown"))
	choppy := cfg.Fusion.Weights[string(types.RegimeChoppy)]
	if w != choppy {
		t.Errorf("unknown regime should use choppy weights, got %+v", w)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	yaml := `
sizing:
  volTarget: 0.2
risk:
  maxDrawdownPct: 0.1
trader:
  symbols:
    - ETH/USDT
store:
  driver: sqlite
  path: /tmp/engine.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sizing.VolTarget != 0.2 {
		t.Errorf("expected vol target override 0.2, got %f", cfg.Sizing.VolTarget)
	}
	if cfg.Risk.MaxDrawdownPct != 0.1 {
		t.Errorf("expected drawdown override 0.1, got %f", cfg.Risk.MaxDrawdownPct)
	}
	if len(cfg.Trader.Symbols) != 1 || cfg.Trader.Symbols[0] != "ETH/USDT" {
		t.Errorf("expected symbol override, got %v", cfg.Trader.Symbols)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Store.Driver)
	}
	// Untouched sections keep their defaults.
	if cfg.Regime.NumStates != 3 {
		t.Errorf("expected default state count, got %d", cfg.Regime.NumStates)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	yaml := `
regime:
  numStates: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := config.Load(path)
	if got := configErrField(t, err); got != "regime.numStates" {
		t.Errorf("expected regime.numStates failure, got %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if got := configErrField(t, err); got != "file" {
		t.Errorf("expected file error, got %q", got)
	}
}
