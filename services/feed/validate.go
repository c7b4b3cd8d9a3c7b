package feed

import (
	"fmt"
	"math"

	"macross/services/engine"
)

// Issue describes one suspect row found during feed validation.
type Issue struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

// ValidateBars scans a feed for rows the simulator would rather not see:
// inverted ranges, non-positive prices and duplicate (symbol, date) pairs.
// Validation reports, it never rejects; preprocessing decides what to drop.
func ValidateBars(bars []engine.PriceBar) []Issue {
	var issues []Issue
	seen := make(map[string]bool, len(bars))
	for _, b := range bars {
		day := b.Date.Format(engine.DateLayout)
		key := b.Symbol + "\x00" + day
		if seen[key] {
			issues = append(issues, Issue{Symbol: b.Symbol, Date: day, Reason: "duplicate symbol/date row"})
		}
		seen[key] = true

		if !math.IsNaN(b.High) && !math.IsNaN(b.Low) && b.High < b.Low {
			issues = append(issues, Issue{
				Symbol: b.Symbol,
				Date:   day,
				Reason: fmt.Sprintf("high %.6f below low %.6f", b.High, b.Low),
			})
		}
		for _, p := range [...]struct {
			name string
			v    float64
		}{{"open", b.Open}, {"high", b.High}, {"low", b.Low}, {"close", b.Close}} {
			if !math.IsNaN(p.v) && p.v <= 0 {
				issues = append(issues, Issue{
					Symbol: b.Symbol,
					Date:   day,
					Reason: fmt.Sprintf("non-positive %s price %.6f", p.name, p.v),
				})
			}
		}
	}
	return issues
}
