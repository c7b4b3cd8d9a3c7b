package engine

import "math"

// applySlippage worsens a fill price against the trader: entries pay more,
// exits receive less. A disabled or zero rate returns the price unchanged.
func applySlippage(price float64, isEntry bool, cfg Config) float64 {
	if !cfg.EnableSlippage || cfg.SlippagePct <= 0 {
		return price
	}
	slip := price * (cfg.SlippagePct / 100.0)
	if isEntry {
		return price + slip
	}
	return price - slip
}

// commissionCost is the commission for one fill: a flat per-trade fee plus a
// percentage of notional, charged on both entry and exit when enabled.
func commissionCost(price float64, shares int, cfg Config) float64 {
	if !cfg.EnableCommission {
		return 0
	}
	cost := cfg.CommissionPerTrade
	if cfg.CommissionPct > 0 {
		cost += math.Abs(price * float64(shares) * (cfg.CommissionPct / 100.0))
	}
	return cost
}

// round6 fixes ledger fields to six decimal places.
func round6(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x*1e6) / 1e6
}
