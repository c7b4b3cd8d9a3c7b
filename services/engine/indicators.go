package engine

import (
	"math"
	"strings"
)

// Moving averages and ATR over price slices. Undefined values are NaN; every
// variant warms up with exactly period-1 leading NaNs, after which all values
// are defined.

// Recognized moving-average types.
const (
	MATypeSMA = "SMA"
	MATypeEMA = "EMA"
	MATypeWMA = "WMA"
)

// MovingAverage dispatches on maType (case-insensitive). Unknown types are an
// InvalidParameter error.
func MovingAverage(values []float64, period int, maType string) ([]float64, error) {
	switch strings.ToUpper(maType) {
	case MATypeSMA:
		return SMA(values, period), nil
	case MATypeEMA:
		return EMA(values, period), nil
	case MATypeWMA:
		return WMA(values, period), nil
	}
	return nil, paramErr("unknown MA type: %s", maType)
}

// SMA is the arithmetic mean of the trailing period values.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period < 1 {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += values[j]
		}
		out[i] = sum / float64(period)
	}
	return out
}

// EMA runs the recursive smoothing y[i] = a*x[i] + (1-a)*y[i-1] with
// a = 2/(period+1), seeded at the first value. The recursion starts at index
// zero; the first period-1 outputs are masked as warm-up.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period < 1 || len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	y := values[0]
	for i := 1; i < len(values); i++ {
		y = alpha*values[i] + (1-alpha)*y
		if i >= period-1 {
			out[i] = y
		}
	}
	if period == 1 {
		out[0] = values[0]
	}
	return out
}

// WMA weights the trailing window linearly 1..period, most recent heaviest.
// period < 1 yields an all-NaN series; period == 1 is the identity.
func WMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period < 1 {
		return out
	}
	if period == 1 {
		copy(out, values)
		return out
	}
	weightSum := float64(period*(period+1)) / 2.0
	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		for j := 0; j < period; j++ {
			sum += values[i-period+1+j] * float64(j+1)
		}
		out[i] = sum / weightSum
	}
	return out
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|). The first
// bar has no previous close and uses high-low alone.
func TrueRange(bars []PriceBar) []float64 {
	tr := make([]float64, len(bars))
	for i, b := range bars {
		hl := b.High - b.Low
		if i == 0 {
			tr[i] = hl
			continue
		}
		prevClose := bars[i-1].Close
		tr[i] = math.Max(hl, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
	}
	return tr
}

// ATRSeries is the trailing period-bar mean of true range, NaN until warm-up
// completes.
func ATRSeries(bars []PriceBar, period int) []float64 {
	return SMA(TrueRange(bars), period)
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
