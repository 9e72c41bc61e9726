// Package main runs the live/paper trading decision engine: regime
// detection, regime-gated signal fusion, vol-targeted sizing, risk
// checks and paper execution, with an operator API on top.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vantage-quant/decision-engine/internal/api"
	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/internal/data"
	"github.com/vantage-quant/decision-engine/internal/execution"
	"github.com/vantage-quant/decision-engine/internal/fusion"
	"github.com/vantage-quant/decision-engine/internal/monitoring"
	"github.com/vantage-quant/decision-engine/internal/portfolio"
	"github.com/vantage-quant/decision-engine/internal/regime"
	"github.com/vantage-quant/decision-engine/internal/risk"
	"github.com/vantage-quant/decision-engine/internal/sizing"
	"github.com/vantage-quant/decision-engine/internal/store"
	"github.com/vantage-quant/decision-engine/internal/trader"
	"github.com/vantage-quant/decision-engine/pkg/errs"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	dataDir := flag.String("data", "./data", "Directory with <symbol>.csv candle files")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting decision engine",
		zap.Strings("symbols", cfg.Trader.Symbols),
		zap.Duration("tickInterval", cfg.Trader.TickInterval),
		zap.Bool("paperMode", cfg.Execution.PaperMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(cfg.Store)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	providers := make(map[string]*data.HistoryProvider, len(cfg.Trader.Symbols))
	for _, symbol := range cfg.Trader.Symbols {
		path := fmt.Sprintf("%s/%s.csv", *dataDir, strings.ReplaceAll(symbol, "/", "-"))
		bars, err := data.LoadBars(path, symbol)
		if err != nil {
			logger.Fatal("failed to load candles",
				zap.String("symbol", symbol), zap.String("path", path), zap.Error(err))
		}
		feats := data.ComputeFeatures(bars, cfg.Trader.VolLookbackBars, cfg.Trader.BarsPerYear)
		providers[symbol] = data.NewHistoryProvider(bars, feats)
		logger.Info("candles loaded", zap.String("symbol", symbol), zap.Int("bars", len(bars)))
	}
	provider := data.NewMultiProvider(providers)

	detector, err := regime.NewDetector(logger, regime.Config{
		NumStates:  cfg.Regime.NumStates,
		MinFitBars: cfg.Regime.MinFitBars,
		MaxEMIters: cfg.Regime.MaxEMIters,
		Seed:       cfg.Regime.Seed,
	})
	if err != nil {
		logger.Fatal("failed to build regime detector", zap.Error(err))
	}
	fuser := fusion.NewFuser(cfg.Fusion)
	sizer := sizing.NewSizer(cfg.Sizing.VolTarget, cfg.Sizing.MaxPositionPct)

	ks := risk.NewKillSwitch(st, logger)
	dd := risk.NewDrawdownMonitor()
	checker := risk.NewChecker(cfg.Risk, ks, dd, logger)
	reporter := risk.NewReporter(st, dd, ks, cfg.Trader.BarsPerYear, logger)

	book := portfolio.NewState(decimal.NewFromFloat(cfg.Trader.InitialEquity), logger)
	adapter := execution.NewPaperAdapter(func(symbol string) (decimal.Decimal, bool) {
		p, ok := provider.Get(symbol)
		if !ok {
			return decimal.Zero, false
		}
		bar, ok := p.LastBar()
		if !ok {
			return decimal.Zero, false
		}
		return bar.Close, true
	}, cfg.Execution.SlippageBps, cfg.Execution.TakerFeeBps)
	orders := execution.NewOrderManager(adapter, st, logger)

	metrics := monitoring.New()
	pipeline := trader.NewPipeline(provider, nil, nil, detector, fuser, sizer,
		cfg.Fusion, cfg.Trader.VolLookbackBars, logger)
	td := trader.New(cfg.Trader, pipeline, checker, ks, dd, book, orders, st,
		metrics, reporter, logger)

	// Fit the regime model before trading; too little history just
	// delays the first classification, it does not abort startup.
	if err := td.Retrain(ctx, cfg.Regime.MinFitBars); err != nil {
		var insufficient *errs.InsufficientDataError
		if errors.As(err, &insufficient) {
			logger.Warn("not enough history to fit regime model yet",
				zap.Int("needed", insufficient.Needed), zap.Int("got", insufficient.Got))
		} else {
			logger.Fatal("regime model fit failed", zap.Error(err))
		}
	}

	server := api.NewServer(logger, cfg.Server, cfg.Regime, td, book, ks, reporter, metrics.Handler())

	go func() {
		if err := td.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("trader stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("engine started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("engine stopped")
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:    zap.NewAtomicLevelAt(zapLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
