package engine

import (
	"sort"
)

// volumeMeanWindow is the trailing window for the volume admission filter.
const volumeMeanWindow = 20

// SignalRow is a PriceBar extended with indicator values and signal flags.
// Rows are derived per run and never persisted as authoritative state.
type SignalRow struct {
	PriceBar
	ShortMA float64
	LongMA  float64
	ATR     float64

	// Regime is 1 while the short MA is above the long MA, else 0.
	Regime int
	// CrossUp is the admitted entry signal: a regime transition 0->1 that
	// also passed the trend and volume filters.
	CrossUp bool
	// CrossDown is the raw regime transition 1->0. Exits are unconditional,
	// so it is never filtered.
	CrossDown bool
	TrendOK   bool
	VolOK     bool

	// EntryToday and ExitToday defer the prior bar's cross by one bar, so the
	// simulator acts at the open after a signal instead of looking ahead.
	EntryToday bool
	ExitToday  bool
}

// GenerateSignals computes per-symbol signal frames independently and
// concatenates them in ascending symbol order. No cross-symbol information
// enters any frame.
func GenerateSignals(bars []PriceBar, cfg Config) ([]SignalRow, error) {
	groups, symbols := groupBars(bars)
	out := make([]SignalRow, 0, len(bars))
	for _, sym := range symbols {
		frame, err := buildFrame(groups[sym], cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
	}
	return out, nil
}

func buildFrame(bars []PriceBar, cfg Config) ([]SignalRow, error) {
	s := make([]PriceBar, len(bars))
	copy(s, bars)
	sort.SliceStable(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })

	closes := make([]float64, len(s))
	volumes := make([]float64, len(s))
	for i, b := range s {
		closes[i] = b.Close
		volumes[i] = b.Volume
	}

	shortMA, err := MovingAverage(closes, cfg.ShortMAPeriod, cfg.ShortMAType)
	if err != nil {
		return nil, err
	}
	longMA, err := MovingAverage(closes, cfg.LongMAPeriod, cfg.LongMAType)
	if err != nil {
		return nil, err
	}
	var atr []float64
	if cfg.EnableATRStop {
		atr = ATRSeries(s, cfg.ATRPeriod)
	} else {
		atr = nanSlice(len(s))
	}
	volMean := trailingMeanMin1(volumes, volumeMeanWindow)

	rows := make([]SignalRow, len(s))
	for i := range s {
		r := SignalRow{PriceBar: s[i], ShortMA: shortMA[i], LongMA: longMA[i], ATR: atr[i]}
		if shortMA[i] > longMA[i] {
			r.Regime = 1
		}

		// Missing prior regime counts as 0 for cross-up and 1 for cross-down.
		priorRegime := 0
		if i > 0 {
			priorRegime = rows[i-1].Regime
		}
		rawUp := r.Regime == 1 && priorRegime == 0
		rawDown := r.Regime == 0 && (i == 0 || priorRegime == 1)

		r.TrendOK = true
		if cfg.EnableTrendFilter {
			if i == 0 {
				r.TrendOK = false
			} else {
				r.TrendOK = shortMA[i]-shortMA[i-1] > 0 && longMA[i]-longMA[i-1] > 0
			}
		}
		r.VolOK = true
		if cfg.EnableVolumeFilter {
			r.VolOK = s[i].Volume > volMean[i]
		}

		r.CrossUp = rawUp && r.TrendOK && r.VolOK
		r.CrossDown = rawDown
		if i > 0 {
			r.EntryToday = rows[i-1].CrossUp
			r.ExitToday = rows[i-1].CrossDown
		}
		rows[i] = r
	}
	return rows, nil
}

// trailingMeanMin1 is a rolling mean over at most window trailing values that
// is already defined at the first observation.
func trailingMeanMin1(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		n := i + 1
		if n > window {
			sum -= values[i-window]
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}
