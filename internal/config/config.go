// Package config loads and validates engine configuration.
//
// Configuration is read from YAML via viper with environment variable
// overrides. Validation happens once at load time: a bad weight table or
// a wrong HMM state count is a startup failure, never a decision-time one.
package config

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// RegimeWeights is the fusion weight triple for one regime.
type RegimeWeights struct {
	Technical float64 `mapstructure:"technical"`
	ML        float64 `mapstructure:"ml"`
	Sentiment float64 `mapstructure:"sentiment"`
}

// RegimeConfig configures the HMM regime detector.
type RegimeConfig struct {
	NumStates  int `mapstructure:"numStates"`
	MinFitBars int `mapstructure:"minFitBars"`
	MaxEMIters int `mapstructure:"maxEmIters"`
	Seed       int `mapstructure:"seed"`
}

// FusionConfig configures regime-gated signal fusion.
type FusionConfig struct {
	Weights            map[string]RegimeWeights `mapstructure:"weights"`
	ChoppyScale        float64                  `mapstructure:"choppyScale"`
	DirectionThreshold float64                  `mapstructure:"directionThreshold"`
	MinIQR             float64                  `mapstructure:"minIqr"`
	MaxIQR             float64                  `mapstructure:"maxIqr"`
}

// SizingConfig configures the volatility-targeted position sizer.
type SizingConfig struct {
	VolTarget      float64 `mapstructure:"volTarget"`
	MaxPositionPct float64 `mapstructure:"maxPositionPct"`
}

// RiskConfig configures risk checks and the kill switch.
type RiskConfig struct {
	MaxDrawdownPct      float64       `mapstructure:"maxDrawdownPct"`
	MaxConcentrationPct float64       `mapstructure:"maxConcentrationPct"`
	MaxPositionPct      float64       `mapstructure:"maxPositionPct"`
	MinTradeUSD         float64       `mapstructure:"minTradeUsd"`
	StalenessThreshold  time.Duration `mapstructure:"stalenessThreshold"`
}

// ExecutionConfig configures order management.
type ExecutionConfig struct {
	PaperMode   bool    `mapstructure:"paperMode"`
	SlippageBps float64 `mapstructure:"slippageBps"`
	TakerFeeBps float64 `mapstructure:"takerFeeBps"`
	MakerFeeBps float64 `mapstructure:"makerFeeBps"`
}

// CostConfig configures backtest transaction costs.
type CostConfig struct {
	SpreadBps       float64 `mapstructure:"spreadBps"`
	LinearImpactBps float64 `mapstructure:"linearImpactBps"`
	MakerFeeBps     float64 `mapstructure:"makerFeeBps"`
	TakerFeeBps     float64 `mapstructure:"takerFeeBps"`
}

// BacktestConfig configures an event-driven backtest run.
type BacktestConfig struct {
	InitialCapital    float64    `mapstructure:"initialCapital"`
	FillLatencyBars   int        `mapstructure:"fillLatencyBars"`
	PartialFillPct    float64    `mapstructure:"partialFillPct"`
	LiquidityFraction float64    `mapstructure:"liquidityFraction"`
	ADVWindow         int        `mapstructure:"advWindow"`
	BarsPerYear       float64    `mapstructure:"barsPerYear"`
	Costs             CostConfig `mapstructure:"costs"`
}

// WalkForwardConfig configures purged/embargoed split generation.
type WalkForwardConfig struct {
	TrainBars   int `mapstructure:"trainBars"`
	TestBars    int `mapstructure:"testBars"`
	PurgeBars   int `mapstructure:"purgeBars"`
	EmbargoBars int `mapstructure:"embargoBars"`
}

// MonteCarloConfig configures block-bootstrap robustness analysis.
type MonteCarloConfig struct {
	Simulations int     `mapstructure:"simulations"`
	BlockSize   int     `mapstructure:"blockSize"`
	PerturbPct  float64 `mapstructure:"perturbPct"`
	Seed        int64   `mapstructure:"seed"`
}

// TraderConfig configures the live/paper scheduling loop.
type TraderConfig struct {
	Symbols         []string      `mapstructure:"symbols"`
	TickInterval    time.Duration `mapstructure:"tickInterval"`
	RiskInterval    time.Duration `mapstructure:"riskInterval"`
	InitialEquity   float64       `mapstructure:"initialEquity"`
	VolLookbackBars int           `mapstructure:"volLookbackBars"`
	BarsPerYear     float64       `mapstructure:"barsPerYear"`
}

// ServerConfig configures the operator read API.
type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	WebSocketPath string        `mapstructure:"websocketPath"`
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "memory" or "sqlite"
	Path   string `mapstructure:"path"`
}

// Config is the root configuration.
type Config struct {
	Regime      RegimeConfig      `mapstructure:"regime"`
	Fusion      FusionConfig      `mapstructure:"fusion"`
	Sizing      SizingConfig      `mapstructure:"sizing"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Backtest    BacktestConfig    `mapstructure:"backtest"`
	WalkForward WalkForwardConfig `mapstructure:"walkForward"`
	MonteCarlo  MonteCarloConfig  `mapstructure:"monteCarlo"`
	Trader      TraderConfig      `mapstructure:"trader"`
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Regime: RegimeConfig{
			NumStates:  3,
			MinFitBars: 200,
			MaxEMIters: 50,
			Seed:       42,
		},
		Fusion: FusionConfig{
			Weights: map[string]RegimeWeights{
				string(types.RegimeTrending):      {Technical: 0.4, ML: 0.5, Sentiment: 0.1},
				string(types.RegimeMeanReverting): {Technical: 0.5, ML: 0.3, Sentiment: 0.2},
				string(types.RegimeChoppy):        {Technical: 0.3, ML: 0.3, Sentiment: 0.4},
			},
			ChoppyScale:        0.3,
			DirectionThreshold: 0.05,
			MinIQR:             0.2,
			MaxIQR:             1.5,
		},
		Sizing: SizingConfig{
			VolTarget:      0.15,
			MaxPositionPct: 0.25,
		},
		Risk: RiskConfig{
			MaxDrawdownPct:      0.15,
			MaxConcentrationPct: 0.30,
			MaxPositionPct:      0.25,
			MinTradeUSD:         10.0,
			StalenessThreshold:  30 * time.Minute,
		},
		Execution: ExecutionConfig{
			PaperMode:   true,
			SlippageBps: 5.0,
			TakerFeeBps: 10.0,
			MakerFeeBps: 10.0,
		},
		Backtest: BacktestConfig{
			InitialCapital:    100_000,
			FillLatencyBars:   1,
			PartialFillPct:    0.5,
			LiquidityFraction: 0.1,
			ADVWindow:         20,
			BarsPerYear:       6 * 365, // 4h bars
			Costs: CostConfig{
				SpreadBps:       5.0,
				LinearImpactBps: 2.0,
				MakerFeeBps:     10.0,
				TakerFeeBps:     10.0,
			},
		},
		WalkForward: WalkForwardConfig{
			TrainBars:   1000,
			TestBars:    100,
			PurgeBars:   3,
			EmbargoBars: 2,
		},
		MonteCarlo: MonteCarloConfig{
			Simulations: 1000,
			BlockSize:   20,
			PerturbPct:  0.20,
			Seed:        42,
		},
		Trader: TraderConfig{
			Symbols:         []string{"BTC/USDT"},
			TickInterval:    4 * time.Hour,
			RiskInterval:    5 * time.Minute,
			InitialEquity:   100_000,
			VolLookbackBars: 100,
			BarsPerYear:     6 * 365,
		},
		Server: ServerConfig{
			Host:          "localhost",
			Port:          8080,
			WebSocketPath: "/ws",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
	}
}

// Load reads configuration from the given file (optional) and the
// environment, then validates it. An invalid configuration is a
// *errs.ConfigError and must abort startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &errs.ConfigError{Field: "file", Detail: err.Error()}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &errs.ConfigError{Field: "unmarshal", Detail: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const weightTolerance = 1e-9

// Validate enforces startup-time invariants.
func (c *Config) Validate() error {
	if c.Regime.NumStates != 3 {
		return &errs.ConfigError{
			Field:  "regime.numStates",
			Detail: "state-to-regime mapping requires exactly 3 states",
		}
	}
	if c.Regime.MinFitBars <= 0 {
		return &errs.ConfigError{Field: "regime.minFitBars", Detail: "must be positive"}
	}

	for _, regime := range []types.Regime{types.RegimeTrending, types.RegimeMeanReverting, types.RegimeChoppy} {
		w, ok := c.Fusion.Weights[string(regime)]
		if !ok {
			return &errs.ConfigError{
				Field:  "fusion.weights." + string(regime),
				Detail: "missing weight triple",
			}
		}
		sum := w.Technical + w.ML + w.Sentiment
		if math.Abs(sum-1.0) > weightTolerance {
			return &errs.ConfigError{
				Field:  "fusion.weights." + string(regime),
				Detail: "weights must sum to 1.0",
			}
		}
		if w.Technical < 0 || w.ML < 0 || w.Sentiment < 0 {
			return &errs.ConfigError{
				Field:  "fusion.weights." + string(regime),
				Detail: "weights must be non-negative",
			}
		}
	}

	if c.Fusion.ChoppyScale <= 0 || c.Fusion.ChoppyScale > 1 {
		return &errs.ConfigError{Field: "fusion.choppyScale", Detail: "must be in (0, 1]"}
	}
	if c.Fusion.DirectionThreshold < 0 {
		return &errs.ConfigError{Field: "fusion.directionThreshold", Detail: "must be non-negative"}
	}
	if c.Fusion.MaxIQR <= c.Fusion.MinIQR {
		return &errs.ConfigError{Field: "fusion.maxIqr", Detail: "must exceed minIqr"}
	}

	if c.Sizing.VolTarget <= 0 {
		return &errs.ConfigError{Field: "sizing.volTarget", Detail: "must be positive"}
	}
	if c.Sizing.MaxPositionPct <= 0 || c.Sizing.MaxPositionPct > 1 {
		return &errs.ConfigError{Field: "sizing.maxPositionPct", Detail: "must be in (0, 1]"}
	}

	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 1 {
		return &errs.ConfigError{Field: "risk.maxDrawdownPct", Detail: "must be in (0, 1)"}
	}

	if c.Backtest.PartialFillPct <= 0 || c.Backtest.PartialFillPct > 1 {
		return &errs.ConfigError{Field: "backtest.partialFillPct", Detail: "must be in (0, 1]"}
	}
	if c.Backtest.FillLatencyBars < 0 {
		return &errs.ConfigError{Field: "backtest.fillLatencyBars", Detail: "must be non-negative"}
	}

	if c.WalkForward.TrainBars <= 0 || c.WalkForward.TestBars <= 0 {
		return &errs.ConfigError{Field: "walkForward", Detail: "train and test windows must be positive"}
	}
	if c.WalkForward.PurgeBars < 0 || c.WalkForward.EmbargoBars < 0 {
		return &errs.ConfigError{Field: "walkForward", Detail: "purge and embargo gaps must be non-negative"}
	}

	if c.MonteCarlo.Simulations <= 0 {
		return &errs.ConfigError{Field: "monteCarlo.simulations", Detail: "must be positive"}
	}
	if c.MonteCarlo.BlockSize <= 0 {
		return &errs.ConfigError{Field: "monteCarlo.blockSize", Detail: "must be positive"}
	}

	return nil
}

// WeightsFor returns the fusion weight triple for a regime. The choppy
// weights act as the fallback for unknown labels.
func (c *Config) WeightsFor(regime types.Regime) RegimeWeights {
	if w, ok := c.Fusion.Weights[string(regime)]; ok {
		return w
	}
	return c.Fusion.Weights[string(types.RegimeChoppy)]
}
