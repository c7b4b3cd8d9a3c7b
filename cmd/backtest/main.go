// Command backtest runs one moving-average crossover backtest over a CSV
// feed and writes the trade ledger, metrics summary and equity curve.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"macross/services/engine"
	"macross/services/export"
	"macross/services/feed"
)

func main() {
	// Flags
	dataPath := flag.String("data", "data/closing_data.csv", "Input OHLCV CSV path")
	configPath := flag.String("config", "", "JSON config file; defaults when empty")
	tradesOut := flag.String("trades", "data/trade_log.csv", "Trade ledger CSV output")
	summaryOut := flag.String("summary", "data/backtest_summary.csv", "Metrics summary CSV output")
	equityOut := flag.String("equity", "", "Equity curve CSV output; skipped when empty")
	arrowDir := flag.String("arrow", "", "Directory for Arrow IPC exports; skipped when empty")
	verbose := flag.Bool("verbose", false, "Print per-run diagnostic events")
	flag.Parse()

	cfg := engine.DefaultConfig()
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			fatalf("read config: %v", err)
		}
		if cfg, err = engine.DecodeConfigBytes(raw); err != nil {
			fatalf("%v", err)
		}
	}

	bars, err := feed.ReadBars(*dataPath)
	if err != nil {
		fatalf("%v", err)
	}
	res, err := engine.Run(bars, cfg)
	if err != nil {
		fatalf("%v", err)
	}

	if err := feed.WriteTrades(*tradesOut, res.Trades); err != nil {
		fatalf("write trades: %v", err)
	}
	if err := feed.WriteSummary(*summaryOut, res.Metrics); err != nil {
		fatalf("write summary: %v", err)
	}
	if *equityOut != "" {
		if err := feed.WriteEquity(*equityOut, res.Equity); err != nil {
			fatalf("write equity: %v", err)
		}
	}
	if *arrowDir != "" {
		if err := writeArrow(*arrowDir, res); err != nil {
			fatalf("write arrow: %v", err)
		}
	}

	m := res.Metrics
	fmt.Println("=== MA Crossover Backtest Summary ===")
	fmt.Printf("Config: %s\n", res.ConfigHash[:12])
	fmt.Printf("Rows: %d across %d symbols\n", res.Rows, res.Symbols)
	fmt.Printf("Trades: %d (W %d / L %d, win rate %.2f%%)\n",
		m.TotalTrades, m.WinningTrades, m.LosingTrades, m.WinRatePct)
	fmt.Printf("Net Profit: $%.2f (%.2f%%)\n", m.NetProfit, m.NetProfitPct)
	fmt.Printf("Total Return: %.2f%%, Max Drawdown: %.2f%%\n", m.TotalReturnPct, m.MaxDrawdownPct)
	fmt.Printf("Profit Factor: %s, Sharpe: %.4f\n", profitFactor(m.ProfitFactor), m.SharpeRatio)
	if *verbose && res.Log != nil {
		fmt.Printf("Skipped entries: %d, Max shares held: %d\n", res.Log.SkippedEntries(), res.Log.MaxShares)
		for _, e := range res.Log.Events {
			fmt.Printf("  %s %s %s\n", e.Date.Format(engine.DateLayout), e.Symbol, e.Type)
		}
	}
	fmt.Printf("Wrote: %s and %s\n", *tradesOut, *summaryOut)
}

func writeArrow(dir string, res *engine.BacktestResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	enc := export.NewEncoder()
	trades, err := enc.Trades(res.Trades)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "trades.arrow"), trades, 0o644); err != nil {
		return err
	}
	equity, err := enc.Equity(res.Equity)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "equity.arrow"), equity, 0o644)
}

func profitFactor(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "backtest: "+format+"\n", args...)
	os.Exit(1)
}
