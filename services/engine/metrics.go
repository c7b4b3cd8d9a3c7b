package engine

import (
	"encoding/json"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// tradingDaysPerYear annualizes the Sharpe ratio.
const tradingDaysPerYear = 252.0

// Metrics summarizes a trade ledger and its equity curve. ProfitFactor is
// +Inf when there are profits and no losses; JSON encodes that sentinel as
// the string "inf".
type Metrics struct {
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRatePct     float64 `json:"win_rate_pct"`
	AvgProfitPct   float64 `json:"avg_profit_pct"`
	AvgLossPct     float64 `json:"avg_loss_pct"`
	MaxWin         float64 `json:"max_win"`
	MaxLoss        float64 `json:"max_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	TotalReturnPct float64 `json:"total_return_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	NetProfit      float64 `json:"net_profit"`
	NetProfitPct   float64 `json:"net_profit_pct"`
}

// MarshalJSON renders an infinite profit factor as "inf"; encoding/json
// rejects non-finite numbers outright.
func (m Metrics) MarshalJSON() ([]byte, error) {
	type alias Metrics
	out := struct {
		alias
		ProfitFactor any `json:"profit_factor"`
	}{alias: alias(m), ProfitFactor: m.ProfitFactor}
	if math.IsInf(m.ProfitFactor, 1) {
		out.ProfitFactor = "inf"
	}
	return json.Marshal(out)
}

// CalculateMetrics reduces the ledger and equity series to summary
// statistics. An empty ledger is a legitimate result and yields all-zero
// metrics, not an error. When the equity series is empty the curve is
// reconstructed from cumulative net PnL at trade exits.
func CalculateMetrics(trades []Trade, equity []EquitySnapshot, cfg Config) Metrics {
	if len(trades) == 0 {
		return Metrics{}
	}
	capital := cfg.InitialCapital

	byExit := make([]Trade, len(trades))
	copy(byExit, trades)
	sort.SliceStable(byExit, func(i, j int) bool { return byExit[i].ExitDate.Before(byExit[j].ExitDate) })

	var (
		winPcts, lossPcts []float64
		grossProfit       float64
		grossLoss         float64
	)
	maxWin := math.Inf(-1)
	maxLoss := math.Inf(1)
	for _, t := range byExit {
		if t.NetPnL > 0 {
			winPcts = append(winPcts, t.PnLPct)
			grossProfit += t.NetPnL
		} else {
			lossPcts = append(lossPcts, t.PnLPct)
			grossLoss += -t.NetPnL
		}
		maxWin = math.Max(maxWin, t.NetPnL)
		maxLoss = math.Min(maxLoss, t.NetPnL)
	}

	total := len(byExit)
	m := Metrics{
		TotalTrades:   total,
		WinningTrades: len(winPcts),
		LosingTrades:  len(lossPcts),
		WinRatePct:    round4(float64(len(winPcts)) / float64(total) * 100.0),
		MaxWin:        round6(maxWin),
		MaxLoss:       round6(maxLoss),
		GrossProfit:   round6(grossProfit),
		GrossLoss:     round6(grossLoss),
	}
	if len(winPcts) > 0 {
		m.AvgProfitPct = round6(stat.Mean(winPcts, nil))
	}
	if len(lossPcts) > 0 {
		m.AvgLossPct = round6(stat.Mean(lossPcts, nil))
	}
	switch {
	case grossLoss > 0:
		m.ProfitFactor = round6(grossProfit / grossLoss)
	case grossProfit > 0:
		m.ProfitFactor = math.Inf(1)
	}

	curve := equityValues(equity, byExit, capital)
	m.MaxDrawdownPct = round6(maxDrawdownPct(curve, capital))
	m.TotalReturnPct = round6((curve[len(curve)-1] - capital) / capital * 100.0)

	returns := make([]float64, len(byExit))
	for i, t := range byExit {
		returns[i] = t.NetPnL / capital
	}
	if len(returns) > 1 {
		if sd := stat.StdDev(returns, nil); sd > 0 {
			m.SharpeRatio = round6(stat.Mean(returns, nil) / sd * math.Sqrt(tradingDaysPerYear))
		}
	}

	net := grossProfit - grossLoss
	m.NetProfit = round6(net)
	m.NetProfitPct = round6(net / capital * 100.0)
	return m
}

// equityValues prefers the simulator's curve and falls back to cumulative
// net PnL at trade exits.
func equityValues(equity []EquitySnapshot, byExit []Trade, capital float64) []float64 {
	if len(equity) > 0 {
		out := make([]float64, len(equity))
		for i, e := range equity {
			out[i] = e.Equity
		}
		return out
	}
	out := make([]float64, len(byExit))
	cum := 0.0
	for i, t := range byExit {
		cum += t.NetPnL
		out[i] = capital + cum
	}
	return out
}

// maxDrawdownPct is the most negative percentage distance below the running
// equity peak, with the peak floored at initial capital.
func maxDrawdownPct(curve []float64, capital float64) float64 {
	worst := 0.0
	runMax := capital
	for _, eq := range curve {
		if eq > runMax {
			runMax = eq
		}
		dd := (eq - runMax) / runMax * 100.0
		if dd < worst {
			worst = dd
		}
	}
	return worst
}

func round4(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x*1e4) / 1e4
}
