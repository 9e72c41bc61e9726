package data

import "math"

// Indicator windows, sized for hourly candles: RSI 14, ATR 14,
// Bollinger 20-bar / 2 sigma, VWAP 24.
const (
	rsiPeriod  = 14
	atrPeriod  = 14
	bbPeriod   = 20
	bbStdDevs  = 2.0
	vwapPeriod = 24
)

// rsiSeries computes the relative strength index from an exponential
// moving average of gains and losses. Bars inside the warm-up window
// stay at the neutral 50; a window with no losses reads 100 and one
// with no movement at all stays neutral.
func rsiSeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = 50
	}
	if len(closes) < 2 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	var avgGain, avgLoss float64
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		if i == 1 {
			avgGain, avgLoss = gain, loss
		} else {
			avgGain = alpha*gain + (1-alpha)*avgGain
			avgLoss = alpha*loss + (1-alpha)*avgLoss
		}
		if i < period {
			continue
		}
		switch {
		case avgLoss == 0 && avgGain == 0:
			out[i] = 50
		case avgLoss == 0:
			out[i] = 100
		default:
			rs := avgGain / avgLoss
			out[i] = 100 - 100/(1+rs)
		}
	}
	return out
}

// atrSeries is the rolling mean of the true range: max of high-low,
// |high-prevClose| and |low-prevClose|.
func atrSeries(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	tr := make([]float64, n)
	tr[0] = highs[0] - lows[0]
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += tr[i]
		if i >= period {
			sum -= tr[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// bollingerPctB is (close - lowerBand) / (upperBand - lowerBand) over a
// rolling SMA/stddev window: 0.5 at the middle band, above 1 or below 0
// outside the bands. Warm-up bars and zero-width bands stay at 0.5.
func bollingerPctB(closes []float64, period int, stdDevs float64) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = 0.5
	}
	for i := period - 1; i < len(closes); i++ {
		window := closes[i-period+1 : i+1]
		m := 0.0
		for _, c := range window {
			m += c
		}
		m /= float64(len(window))
		sd := stddev(window)
		width := 2 * stdDevs * sd
		if width == 0 {
			continue
		}
		lower := m - stdDevs*sd
		out[i] = (closes[i] - lower) / width
	}
	return out
}

// vwapDeviation is the fractional distance of the close from the
// rolling volume-weighted average price. Warm-up and zero-volume
// windows read 0.
func vwapDeviation(closes, volumes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := period - 1; i < len(closes); i++ {
		var vol, pv float64
		for j := i - period + 1; j <= i; j++ {
			vol += volumes[j]
			pv += closes[j] * volumes[j]
		}
		if vol == 0 {
			continue
		}
		vwap := pv / vol
		if vwap != 0 {
			out[i] = (closes[i] - vwap) / vwap
		}
	}
	return out
}
