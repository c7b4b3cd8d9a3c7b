package engine

import (
	"math"
	"sort"
	"time"
)

// PriceBar is one day's OHLCV record for one instrument. Bars are immutable
// once loaded and unique per (symbol, date).
type PriceBar struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// DateLayout is the calendar-day format used across configs and feeds.
const DateLayout = "2006-01-02"

// Day normalizes a timestamp to its UTC calendar day. All engine state is
// keyed on day granularity.
func Day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Preprocess filters bars to the configured symbols and date range, drops
// rows with undefined open/high/low/close, and sorts by (symbol, date).
// Returns a new slice; the input is not modified.
func Preprocess(bars []PriceBar, cfg Config) ([]PriceBar, error) {
	start, end, err := cfg.dateRange()
	if err != nil {
		return nil, err
	}
	var want map[string]bool
	if len(cfg.Symbols) > 0 {
		want = make(map[string]bool, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			want[s] = true
		}
	}

	out := make([]PriceBar, 0, len(bars))
	for _, b := range bars {
		if want != nil && !want[b.Symbol] {
			continue
		}
		d := Day(b.Date)
		if !start.IsZero() && d.Before(start) {
			continue
		}
		if !end.IsZero() && d.After(end) {
			continue
		}
		if math.IsNaN(b.Open) || math.IsNaN(b.High) || math.IsNaN(b.Low) || math.IsNaN(b.Close) {
			continue
		}
		b.Date = d
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

// CountSymbols returns the number of distinct symbols in bars.
func CountSymbols(bars []PriceBar) int {
	seen := make(map[string]bool)
	for _, b := range bars {
		seen[b.Symbol] = true
	}
	return len(seen)
}

// groupBars splits bars per symbol, preserving order within each symbol, and
// returns the symbols in ascending order.
func groupBars(bars []PriceBar) (map[string][]PriceBar, []string) {
	groups := make(map[string][]PriceBar)
	for _, b := range bars {
		groups[b.Symbol] = append(groups[b.Symbol], b)
	}
	symbols := make([]string, 0, len(groups))
	for s := range groups {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return groups, symbols
}
