package engine

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func within(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got %v want %v (eps %v)", got, want, eps)
	}
}

func fixedSizeConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableTrendFilter = false
	cfg.EnableVolumeFilter = false
	return cfg
}

// row builds a SignalRow with explicit flags so simulator tests do not
// depend on signal generation.
func row(sym, date string, o, h, l, c float64, entry, exit bool) SignalRow {
	return SignalRow{
		PriceBar:   PriceBar{Symbol: sym, Date: day(date), Open: o, High: h, Low: l, Close: c, Volume: 1000},
		ATR:        math.NaN(),
		EntryToday: entry,
		ExitToday:  exit,
	}
}

func TestStopBeatsSignalExit(t *testing.T) {
	// Entered at 100 with a 5% stop (stop price 95). The next bar carries a
	// deferred signal exit AND trades down through the stop: the stop wins.
	rows := []SignalRow{
		row("X", "2024-01-01", 100, 101, 99, 100, true, false),
		row("X", "2024-01-02", 96, 96, 90, 90, false, true),
		row("X", "2024-01-03", 80, 81, 79, 80, false, false),
	}
	res, err := Simulate(rows, fixedSizeConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitReason != ExitStopLoss {
		t.Fatalf("expected stop_loss, got %s", tr.ExitReason)
	}
	within(t, tr.ExitPrice, 95, 1e-9)
	within(t, tr.NetPnL, -500, 1e-9)
	within(t, tr.PnLPct, -5, 1e-9)
	if tr.BarsHeld != 1 {
		t.Fatalf("expected 1 bar held, got %d", tr.BarsHeld)
	}
	// 100000 - 10000 + 9500.
	within(t, res.Equity[len(res.Equity)-1].Cash, 99500, 1e-9)
}

func TestStopBeatsTargetOnSameBar(t *testing.T) {
	// Low breaches the stop and high reaches the target in one session; the
	// fixed tie-break classifies it as a stop, never a take-profit.
	rows := []SignalRow{
		row("X", "2024-01-01", 100, 101, 99, 100, true, false),
		row("X", "2024-01-02", 100, 111, 94, 100, false, false),
	}
	res, err := Simulate(rows, fixedSizeConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != ExitStopLoss {
		t.Fatalf("expected a single stop_loss trade, got %+v", res.Trades)
	}
	within(t, res.Trades[0].ExitPrice, 95, 1e-9)
}

func TestFixedSizeCashArithmetic(t *testing.T) {
	rows := []SignalRow{
		row("X", "2024-01-01", 50, 51, 49, 50, true, false),
		row("X", "2024-01-02", 54, 56, 53, 54, false, false),
	}
	res, err := Simulate(rows, fixedSizeConfig())
	if err != nil {
		t.Fatal(err)
	}
	// Entry debits exactly 100 * 50; day-one equity marks back to flat.
	within(t, res.Equity[0].Cash, 95000, 1e-9)
	within(t, res.Equity[0].PositionValue, 5000, 1e-9)
	within(t, res.Equity[0].Equity, 100000, 1e-9)

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitReason != ExitTakeProfit {
		t.Fatalf("expected take_profit, got %s", tr.ExitReason)
	}
	within(t, tr.ExitPrice, 55, 1e-9)
	within(t, tr.NetPnL, 500, 1e-9)
	within(t, tr.PnLPct, 10, 1e-9)
	within(t, res.Equity[len(res.Equity)-1].Cash, 100500, 1e-9)
}

func TestRiskBasedSizing(t *testing.T) {
	cfg := fixedSizeConfig()
	cfg.EnableRiskSizing = true
	cfg.RiskPerTradePct = 2.0
	// risk_amount = 2000, per-share risk = 5% of 100 = 5 -> 400 shares, well
	// under the 1000-share affordability cap.
	rows := []SignalRow{
		row("X", "2024-01-01", 100, 101, 99, 100, true, false),
		row("X", "2024-01-02", 100, 101, 99, 100, false, false),
	}
	res, err := Simulate(rows, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if res.Trades[0].Shares != 400 {
		t.Fatalf("expected 400 shares, got %d", res.Trades[0].Shares)
	}
	if res.Trades[0].ExitReason != ExitForceClose {
		t.Fatalf("expected eod_force_close, got %s", res.Trades[0].ExitReason)
	}
	if res.Log.MaxShares != 400 {
		t.Fatalf("expected max shares 400, got %d", res.Log.MaxShares)
	}
}

func TestNoSignalsMeansUntouchedCapital(t *testing.T) {
	rows := []SignalRow{
		row("X", "2024-01-01", 50, 51, 49, 50, false, false),
		row("X", "2024-01-02", 51, 52, 50, 51, false, false),
		row("Y", "2024-01-01", 20, 21, 19, 20, false, false),
	}
	res, err := Simulate(rows, fixedSizeConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("expected empty ledger, got %d trades", len(res.Trades))
	}
	for _, e := range res.Equity {
		if e.Equity != 100000 || e.Cash != 100000 || e.PositionValue != 0 {
			t.Fatalf("equity must equal initial capital exactly: %+v", e)
		}
	}
}

func TestEntrySkippedWhenUnaffordable(t *testing.T) {
	cfg := fixedSizeConfig()
	cfg.InitialCapital = 100
	rows := []SignalRow{
		row("X", "2024-01-01", 200, 201, 199, 200, true, false),
		row("X", "2024-01-02", 200, 201, 199, 200, false, false),
	}
	res, err := Simulate(rows, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 0 {
		t.Fatal("unaffordable entry must be skipped, not forced")
	}
	if res.Log.SkippedEntries() != 1 {
		t.Fatalf("expected 1 skipped entry, got %d", res.Log.SkippedEntries())
	}
	within(t, res.Equity[len(res.Equity)-1].Cash, 100, 1e-9)
}

func TestNoPyramiding(t *testing.T) {
	rows := []SignalRow{
		row("X", "2024-01-01", 50, 51, 49, 50, true, false),
		row("X", "2024-01-02", 51, 52, 50, 51, true, false),
		row("X", "2024-01-03", 52, 53, 51, 52, false, false),
	}
	res, err := Simulate(rows, fixedSizeConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected a single position per symbol, got %d trades", len(res.Trades))
	}
	if !res.Trades[0].EntryDate.Equal(day("2024-01-01")) {
		t.Fatalf("second signal must not replace the open position: %v", res.Trades[0].EntryDate)
	}
}

func TestExitThenReentrySameDay(t *testing.T) {
	// The same bar carries both deferred flags: the exit phase closes the
	// old position at the open, then the entry phase opens a new one.
	rows := []SignalRow{
		row("X", "2024-01-01", 50, 51, 49, 50, true, false),
		row("X", "2024-01-02", 52, 53, 51, 52, true, true),
		row("X", "2024-01-03", 52, 53, 51, 52, false, false),
	}
	res, err := Simulate(rows, fixedSizeConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("expected exit plus re-entry, got %d trades", len(res.Trades))
	}
	first := res.Trades[0]
	if first.ExitReason != ExitSignal || !first.ExitDate.Equal(day("2024-01-02")) {
		t.Fatalf("expected signal_exit on 2024-01-02, got %+v", first)
	}
	within(t, first.ExitPrice, 52, 1e-9)
	second := res.Trades[1]
	if !second.EntryDate.Equal(day("2024-01-02")) {
		t.Fatalf("re-entry must happen the same day after the exit, got %v", second.EntryDate)
	}
}

func TestValuationFallsBackToLastKnownClose(t *testing.T) {
	rows := []SignalRow{
		row("A", "2024-01-01", 10, 11, 9, 10, false, false),
		row("A", "2024-01-02", 10, 11, 9, 10, false, false),
		row("A", "2024-01-03", 10, 11, 9, 10, false, false),
		row("B", "2024-01-01", 40, 41, 39, 40, true, false),
		// B has no bar on the 2nd.
		row("B", "2024-01-03", 42, 43, 41, 42.5, false, false),
	}
	res, err := Simulate(rows, fixedSizeConfig())
	if err != nil {
		t.Fatal(err)
	}
	// Day 2 marks B's 100 shares at its last known close of 40.
	within(t, res.Equity[1].PositionValue, 4000, 1e-9)
	// Day 3 marks at 42.5.
	within(t, res.Equity[2].PositionValue, 4250, 1e-9)
}

func TestForceCloseAtTermination(t *testing.T) {
	rows := []SignalRow{
		row("X", "2024-01-01", 50, 51, 49, 50, true, false),
		row("X", "2024-01-02", 51, 52, 50, 51, false, false),
		row("X", "2024-01-03", 52, 53, 51, 52, false, false),
	}
	res, err := Simulate(rows, fixedSizeConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitReason != ExitForceClose {
		t.Fatalf("expected eod_force_close, got %s", tr.ExitReason)
	}
	within(t, tr.ExitPrice, 52, 1e-9)
	if tr.BarsHeld != 2 {
		t.Fatalf("expected 2 bars held, got %d", tr.BarsHeld)
	}
	// A final snapshot lands after the forced close with nothing open.
	last := res.Equity[len(res.Equity)-1]
	if last.PositionValue != 0 {
		t.Fatalf("final snapshot must carry no position value: %+v", last)
	}
	within(t, last.Cash, 100000+200, 1e-9)
	if !last.Date.Equal(day("2024-01-03")) {
		t.Fatalf("final snapshot date: %v", last.Date)
	}
}

func TestATRStopUsesCurrentBarATR(t *testing.T) {
	cfg := fixedSizeConfig()
	cfg.EnableATRStop = true
	rows := []SignalRow{
		row("X", "2024-01-01", 100, 101, 99, 100, true, false),
		row("X", "2024-01-02", 100, 101, 96, 100, false, false),
	}
	// Stop = 100 - 1.5*2 = 97; bar low 96 touches it.
	rows[1].ATR = 2
	res, err := Simulate(rows, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != ExitStopLoss {
		t.Fatalf("expected ATR stop exit, got %+v", res.Trades)
	}
	within(t, res.Trades[0].ExitPrice, 97, 1e-9)
}

func TestATRStopFallsBackWhileWarmingUp(t *testing.T) {
	cfg := fixedSizeConfig()
	cfg.EnableATRStop = true
	// ATR undefined on the exit bar: the fixed 5% stop applies (95).
	rows := []SignalRow{
		row("X", "2024-01-01", 100, 101, 99, 100, true, false),
		row("X", "2024-01-02", 96, 96, 94, 95, false, false),
	}
	res, err := Simulate(rows, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != ExitStopLoss {
		t.Fatalf("expected pct-stop fallback, got %+v", res.Trades)
	}
	within(t, res.Trades[0].ExitPrice, 95, 1e-9)
}

func TestCommissionAndSlippageConserveCapital(t *testing.T) {
	cfg := fixedSizeConfig()
	cfg.PositionSize = 10
	cfg.EnableCommission = true
	cfg.CommissionPerTrade = 1.0
	cfg.CommissionPct = 0.1
	cfg.EnableSlippage = true
	cfg.SlippagePct = 1.0
	rows := []SignalRow{
		row("X", "2024-01-01", 100, 101, 99, 100, true, false),
		row("X", "2024-01-02", 112, 115, 111, 113, false, false),
	}
	res, err := Simulate(rows, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	// Slippage worsens entry to 101 and the target fill to 111.1*0.99.
	within(t, tr.EntryPrice, 101, 1e-9)
	within(t, tr.ExitPrice, 111.1*0.99, 1e-6)
	// Cash conservation: final cash equals capital plus realized net PnL.
	sum := 0.0
	for _, x := range res.Trades {
		sum += x.NetPnL
	}
	within(t, res.Equity[len(res.Equity)-1].Cash, cfg.InitialCapital+sum, 1e-4)
}

func TestCashNeverNegative(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	cfg := fixedSizeConfig()
	cfg.InitialCapital = 5000
	cfg.PositionSize = 40
	var rows []SignalRow
	start := day("2024-01-01")
	for _, sym := range []string{"A", "B", "C", "D"} {
		price := 40 + r.Float64()*40
		for i := 0; i < 120; i++ {
			price *= 1 + (r.Float64()-0.5)*0.04
			o := price * (1 + (r.Float64()-0.5)*0.01)
			h := math.Max(o, price) * (1 + r.Float64()*0.01)
			l := math.Min(o, price) * (1 - r.Float64()*0.01)
			rows = append(rows, SignalRow{
				PriceBar:   PriceBar{Symbol: sym, Date: start.AddDate(0, 0, i), Open: o, High: h, Low: l, Close: price, Volume: 1000},
				ATR:        math.NaN(),
				EntryToday: r.Float64() < 0.25,
				ExitToday:  r.Float64() < 0.15,
			})
		}
	}
	res, err := Simulate(rows, cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range res.Equity {
		if e.Cash < -1e-9 {
			t.Fatalf("cash went negative: %+v", e)
		}
	}
	if len(res.Trades) == 0 {
		t.Fatal("sweep should produce trades")
	}
}

func TestSimulationIsIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	var rows []SignalRow
	start := day("2023-06-01")
	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		price := 100.0
		for i := 0; i < 200; i++ {
			price *= 1 + (r.Float64()-0.5)*0.03
			rows = append(rows, SignalRow{
				PriceBar:   PriceBar{Symbol: sym, Date: start.AddDate(0, 0, i), Open: price * 0.999, High: price * 1.01, Low: price * 0.99, Close: price, Volume: 1000},
				ATR:        math.NaN(),
				EntryToday: r.Float64() < 0.2,
				ExitToday:  r.Float64() < 0.2,
			})
		}
	}
	cfg := fixedSizeConfig()
	first, err := Simulate(rows, cfg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Simulate(rows, cfg)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatal("identical inputs must reproduce byte-identical results")
	}
}

func TestEntryOrderIsSortedBySymbol(t *testing.T) {
	// Cash covers only one 100-share entry at 50; the lexicographically
	// first symbol wins the pool.
	cfg := fixedSizeConfig()
	cfg.InitialCapital = 6000
	rows := []SignalRow{
		row("ZZZ", "2024-01-01", 50, 51, 49, 50, true, false),
		row("AAA", "2024-01-01", 50, 51, 49, 50, true, false),
		row("ZZZ", "2024-01-02", 50, 51, 49, 50, false, false),
		row("AAA", "2024-01-02", 50, 51, 49, 50, false, false),
	}
	res, err := Simulate(rows, cfg)
	if err != nil {
		t.Fatal(err)
	}
	var entered []string
	for _, tr := range res.Trades {
		entered = append(entered, tr.Symbol)
	}
	if len(entered) != 2 {
		t.Fatalf("expected AAA full size plus ZZZ remainder, got %v", entered)
	}
	if entered[0] != "AAA" || res.Trades[0].Shares != 100 {
		t.Fatalf("AAA must be served first at full size: %+v", res.Trades)
	}
	// ZZZ only gets what the remaining 1000 affords.
	if entered[1] != "ZZZ" || res.Trades[1].Shares != 20 {
		t.Fatalf("ZZZ should get the capped remainder: %+v", res.Trades)
	}
}
