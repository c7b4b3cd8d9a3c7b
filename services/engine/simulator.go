package engine

import (
	"math"
	"sort"
	"time"
)

// cashEpsilon absorbs float rounding in the entry-cost guard.
const cashEpsilon = 1e-9

// Trade is a closed-position record. Price and PnL fields are fixed to six
// decimal places when the record is written; the ledger is append-only and
// is the system's primary output.
type Trade struct {
	Symbol      string     `json:"symbol"`
	EntryDate   time.Time  `json:"entry_date"`
	EntryPrice  float64    `json:"entry_price"`
	ExitDate    time.Time  `json:"exit_date"`
	ExitPrice   float64    `json:"exit_price"`
	Shares      int        `json:"shares"`
	GrossPnL    float64    `json:"gross_pnl"`
	Commissions float64    `json:"commissions"`
	NetPnL      float64    `json:"net_pnl"`
	PnLPct      float64    `json:"pnl_pct"`
	ExitReason  ExitReason `json:"exit_reason"`
	BarsHeld    int        `json:"bars_held"`
}

// EquitySnapshot is one end-of-day mark-to-market point of the portfolio.
type EquitySnapshot struct {
	Date          time.Time `json:"date"`
	Cash          float64   `json:"cash"`
	PositionValue float64   `json:"position_value"`
	Equity        float64   `json:"equity"`
}

// SimResult carries the full trade ledger, the daily equity curve and the
// run's diagnostic log.
type SimResult struct {
	Trades []Trade          `json:"trades"`
	Equity []EquitySnapshot `json:"equity"`
	Log    *RunLog          `json:"log,omitempty"`
}

type symbolFrame struct {
	rows   []SignalRow
	cursor int
}

// Simulate walks the sorted union of all symbols' trading dates against a
// single shared cash pool. Each date runs three ordered phases: exits are
// resolved first, then entries, then end-of-day valuation. Positions still
// open after the last date are force-closed at each symbol's final close.
func Simulate(rows []SignalRow, cfg Config) (*SimResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	frames, symbols := buildFrames(rows)
	allDates := unionDates(frames)

	cash := cfg.InitialCapital
	positions := make(map[string]*Position)
	lastClose := make(map[string]float64)
	runLog := &RunLog{}
	trades := []Trade{}
	equity := make([]EquitySnapshot, 0, len(allDates))

	for _, d := range allDates {
		// Advance each frame's cursor and record which symbols trade today.
		today := make(map[string]int, len(symbols))
		for _, sym := range symbols {
			f := frames[sym]
			for f.cursor < len(f.rows) && f.rows[f.cursor].Date.Before(d) {
				f.cursor++
			}
			if f.cursor < len(f.rows) && f.rows[f.cursor].Date.Equal(d) {
				today[sym] = f.cursor
				lastClose[sym] = f.rows[f.cursor].Close
				f.cursor++
			}
		}

		// Exit phase. Iterates a sorted snapshot of open symbols so removal
		// is safe and reruns are deterministic.
		for _, sym := range sortedPositionKeys(positions) {
			idx, ok := today[sym]
			if !ok {
				continue
			}
			pos := positions[sym]
			row := frames[sym].rows[idx]
			stop, target := exitLevels(pos.EntryPrice, row.ATR, cfg)
			price, reason, hit := ResolveExitLong(Bar{Open: row.Open, High: row.High, Low: row.Low, Close: row.Close}, stop, target, row.ExitToday)
			if !hit {
				continue
			}
			price = applySlippage(price, false, cfg)
			exitComm := commissionCost(price, pos.Shares, cfg)
			cash += price*float64(pos.Shares) - exitComm
			trades = append(trades, closeTrade(pos, row.Date, idx, price, reason, exitComm))
			delete(positions, sym)
		}

		// Entry phase. Ascending symbol order gives first-come-first-served
		// access to the shared cash pool.
		for _, sym := range symbols {
			idx, ok := today[sym]
			if !ok {
				continue
			}
			row := frames[sym].rows[idx]
			if !row.EntryToday {
				continue
			}
			if _, open := positions[sym]; open {
				continue
			}
			entryPrice := applySlippage(row.Open, true, cfg)
			shares := desiredShares(cash, entryPrice, row.ATR, cfg)
			if cap := affordableShares(cash, entryPrice); shares > cap {
				shares = cap
			}
			if shares <= 0 {
				runLog.Append(Event{Date: d, Type: EventEntrySkipUnaffordable, Symbol: sym})
				continue
			}
			entryComm := commissionCost(entryPrice, shares, cfg)
			totalCost := entryPrice*float64(shares) + entryComm
			if totalCost > cash+cashEpsilon {
				runLog.Append(Event{Date: d, Type: EventEntrySkipCash, Symbol: sym})
				continue
			}
			cash -= totalCost
			positions[sym] = &Position{
				Symbol:          sym,
				EntryPrice:      entryPrice,
				Shares:          shares,
				EntryDate:       d,
				EntryCommission: entryComm,
				EntryIndex:      idx,
			}
			if shares > runLog.MaxShares {
				runLog.MaxShares = shares
			}
		}

		// End-of-day valuation: mark every open position to today's close,
		// or to its most recent close when the symbol had no bar today.
		posValue := 0.0
		for _, sym := range sortedPositionKeys(positions) {
			posValue += float64(positions[sym].Shares) * lastClose[sym]
		}
		equity = append(equity, EquitySnapshot{Date: d, Cash: cash, PositionValue: posValue, Equity: cash + posValue})
	}

	// Force-close whatever is still open at each symbol's last available
	// close. No slippage on a forced mark-out; commission still applies.
	if len(positions) > 0 {
		var lastDate time.Time
		for _, sym := range sortedPositionKeys(positions) {
			pos := positions[sym]
			f := frames[sym]
			idx := len(f.rows) - 1
			row := f.rows[idx]
			price := row.Close
			exitComm := commissionCost(price, pos.Shares, cfg)
			cash += price*float64(pos.Shares) - exitComm
			trades = append(trades, closeTrade(pos, row.Date, idx, price, ExitForceClose, exitComm))
			runLog.Append(Event{Date: row.Date, Type: EventForceClose, Symbol: sym})
			if row.Date.After(lastDate) {
				lastDate = row.Date
			}
			delete(positions, sym)
		}
		equity = append(equity, EquitySnapshot{Date: lastDate, Cash: cash, PositionValue: 0, Equity: cash})
	}

	return &SimResult{Trades: trades, Equity: equity, Log: runLog}, nil
}

// exitLevels derives the stop and target for an open position. Under the ATR
// stop the distances recompute from the current bar's ATR but stay anchored
// at the entry price; with ATR undefined (warm-up) the fixed percentages
// apply for that bar.
func exitLevels(entry, atr float64, cfg Config) (stop, target float64) {
	if cfg.EnableATRStop && !math.IsNaN(atr) {
		return entry - cfg.ATRMultSL*atr, entry + cfg.ATRMultTP*atr
	}
	return entry * (1 - cfg.StopLossPct/100.0), entry * (1 + cfg.TakeProfitPct/100.0)
}

func closeTrade(pos *Position, exitDate time.Time, exitIndex int, exitPrice float64, reason ExitReason, exitComm float64) Trade {
	grossPnL := (exitPrice - pos.EntryPrice) * float64(pos.Shares)
	totalComm := pos.EntryCommission + exitComm
	return Trade{
		Symbol:      pos.Symbol,
		EntryDate:   pos.EntryDate,
		EntryPrice:  round6(pos.EntryPrice),
		ExitDate:    exitDate,
		ExitPrice:   round6(exitPrice),
		Shares:      pos.Shares,
		GrossPnL:    round6(grossPnL),
		Commissions: round6(totalComm),
		NetPnL:      round6(grossPnL - totalComm),
		PnLPct:      round6((exitPrice - pos.EntryPrice) / pos.EntryPrice * 100.0),
		ExitReason:  reason,
		BarsHeld:    exitIndex - pos.EntryIndex,
	}
}

func buildFrames(rows []SignalRow) (map[string]*symbolFrame, []string) {
	frames := make(map[string]*symbolFrame)
	for _, r := range rows {
		f := frames[r.Symbol]
		if f == nil {
			f = &symbolFrame{}
			frames[r.Symbol] = f
		}
		f.rows = append(f.rows, r)
	}
	symbols := make([]string, 0, len(frames))
	for s := range frames {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return frames, symbols
}

func unionDates(frames map[string]*symbolFrame) []time.Time {
	set := make(map[int64]time.Time)
	for _, f := range frames {
		for _, r := range f.rows {
			set[r.Date.Unix()] = r.Date
		}
	}
	out := make([]time.Time, 0, len(set))
	for _, d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func sortedPositionKeys(positions map[string]*Position) []string {
	keys := make([]string, 0, len(positions))
	for k := range positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
