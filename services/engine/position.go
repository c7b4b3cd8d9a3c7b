package engine

import (
	"math"
	"time"
)

// Position is one open long holding. The simulator owns it exclusively: it is
// created on entry, destroyed on exit, and at most one exists per symbol.
type Position struct {
	Symbol          string
	EntryPrice      float64
	Shares          int
	EntryDate       time.Time
	EntryCommission float64
	// EntryIndex is the bar's position within the symbol frame, used to
	// derive bars_held on exit.
	EntryIndex int
}

// desiredShares picks the share count before the affordability cap. Fixed
// sizing returns the configured size. Risk sizing risks a percentage of
// current cash against the per-share stop distance (ATR-derived when the ATR
// stop is active and defined, else the fixed stop percentage of entry),
// floored at one share; a non-positive stop distance falls back to fixed
// sizing.
func desiredShares(cash, entryPrice, atr float64, cfg Config) int {
	if !cfg.EnableRiskSizing {
		return cfg.PositionSize
	}
	var perShareRisk float64
	if cfg.EnableATRStop && !math.IsNaN(atr) {
		perShareRisk = cfg.ATRMultSL * atr
	} else {
		perShareRisk = entryPrice * (cfg.StopLossPct / 100.0)
	}
	if perShareRisk <= 0 {
		return cfg.PositionSize
	}
	riskAmount := cash * (cfg.RiskPerTradePct / 100.0)
	shares := int(math.Floor(riskAmount / perShareRisk))
	if shares < 1 {
		shares = 1
	}
	return shares
}

// affordableShares caps a size at what current cash buys outright. No
// leverage, no margin.
func affordableShares(cash, entryPrice float64) int {
	denom := entryPrice
	if denom <= 0 {
		denom = 1e-9
	}
	return int(math.Floor(cash / denom))
}
