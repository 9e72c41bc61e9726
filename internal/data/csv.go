// Package data loads candle history from CSV and derives the feature
// series the decision pipeline consumes.
package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vantage-quant/decision-engine/pkg/types"
)

// LoadBars reads OHLCV candles from a CSV file with the header
// timestamp,open,high,low,close,volume. Timestamps are RFC3339 or unix
// seconds; rows must be in chronological order.
func LoadBars(path, symbol string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candles: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, name := range []string{"timestamp", "open", "high", "low", "close", "volume"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var bars []types.Bar
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line+1, err)
		}
		line++

		ts, err := parseTimestamp(record[col["timestamp"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bar := types.Bar{Timestamp: ts, Symbol: symbol}
		fields := []struct {
			name string
			dst  *decimal.Decimal
		}{
			{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low},
			{"close", &bar.Close}, {"volume", &bar.Volume},
		}
		for _, fld := range fields {
			v, err := decimal.NewFromString(record[col[fld.name]])
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, fld.name, err)
			}
			*fld.dst = v
		}
		if len(bars) > 0 && !bar.Timestamp.After(bars[len(bars)-1].Timestamp) {
			return nil, fmt.Errorf("line %d: timestamps not strictly increasing", line)
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no candles in %s", path)
	}
	return bars, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	unix, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return time.Unix(unix, 0).UTC(), nil
}

// ComputeFeatures derives the per-bar feature series from candles: log
// returns, rolling realized volatility annualized by barsPerYear, RSI,
// ATR, Bollinger %B and VWAP deviation. Indicator values inside their
// warm-up windows are neutral (RSI 50, %B 0.5, deviation 0) so early
// bars never fabricate a directional score.
func ComputeFeatures(bars []types.Bar, volWindow int, barsPerYear float64) []types.Features {
	if volWindow < 2 {
		volWindow = 2
	}
	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	logReturns := make([]float64, n)
	for i := range bars {
		closes[i], _ = bars[i].Close.Float64()
		highs[i], _ = bars[i].High.Float64()
		lows[i], _ = bars[i].Low.Float64()
		volumes[i], _ = bars[i].Volume.Float64()
		if i > 0 && closes[i-1] > 0 && closes[i] > 0 {
			logReturns[i] = math.Log(closes[i] / closes[i-1])
		}
	}

	rsi := rsiSeries(closes, rsiPeriod)
	atr := atrSeries(highs, lows, closes, atrPeriod)
	bb := bollingerPctB(closes, bbPeriod, bbStdDevs)
	vwap := vwapDeviation(closes, volumes, vwapPeriod)

	feats := make([]types.Features, n)
	for i := range bars {
		feats[i] = types.Features{
			LogReturn: logReturns[i],
			RSI:       rsi[i],
			ATR:       atr[i],
			BBPctB:    bb[i],
			VWAPDev:   vwap[i],
			Timestamp: bars[i].Timestamp,
		}
		start := i - volWindow + 1
		if start < 1 {
			start = 1
		}
		window := logReturns[start : i+1]
		if len(window) >= 2 {
			feats[i].RealizedVol = stddev(window) * math.Sqrt(barsPerYear)
		}
	}
	return feats
}

func stddev(xs []float64) float64 {
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(xs)-1))
}
