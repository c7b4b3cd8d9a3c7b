// Command optimize sweeps a parameter grid over a train/test split and
// reports the candidate with the best out-of-sample return.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"macross/services/engine"
	"macross/services/feed"
)

func main() {
	// Flags
	dataPath := flag.String("data", "data/closing_data.csv", "Input OHLCV CSV path")
	configPath := flag.String("config", "", "Base JSON config file; defaults when empty")
	gridPath := flag.String("grid", "", "JSON grid file (required)")
	splitStr := flag.String("split", "", "Train/test split date YYYY-MM-DD (required)")
	workers := flag.Int("workers", 0, "Worker pool size; 0 means GOMAXPROCS")
	outPath := flag.String("out", "data/optimization_results.json", "Result JSON output path")
	flag.Parse()

	if *gridPath == "" || *splitStr == "" {
		flag.Usage()
		os.Exit(2)
	}

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

	grid, err := readGrid(*gridPath)
	if err != nil {
		fatalf("%v", err)
	}
	split, err := time.ParseInLocation(engine.DateLayout, *splitStr, time.UTC)
	if err != nil {
		fatalf("split %q is not YYYY-MM-DD", *splitStr)
	}

	bars, err := feed.ReadBars(*dataPath)
	if err != nil {
		fatalf("%v", err)
	}
	res, err := engine.Optimize(context.Background(), bars, cfg, grid, split, *workers)
	if err != nil {
		fatalf("%v", err)
	}

	if err := feed.WriteFileAtomic(*outPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}); err != nil {
		fatalf("write results: %v", err)
	}

	fmt.Println("=== Grid Optimization Summary ===")
	fmt.Printf("Split: train <= %s, test > %s\n", res.SplitDate, res.SplitDate)
	fmt.Printf("Candidates: %d (train rows %d, test rows %d)\n", res.Candidates, res.TrainRows, res.TestRows)
	if best := res.Best; best != nil {
		p := best.Params
		fmt.Printf("Best [#%d]: short %d %s / long %d %s, stop %.2f%%, target %.2f%%\n",
			best.GridIndex, p.ShortMAPeriod, p.ShortMAType, p.LongMAPeriod, p.LongMAType,
			p.StopLossPct, p.TakeProfitPct)
		fmt.Printf("Test return: %.2f%%, profit factor %s, trades %d\n",
			best.Test.TotalReturnPct, profitFactor(best.Test.ProfitFactor), best.Test.TotalTrades)
	}
	fmt.Printf("Wrote: %s\n", *outPath)
}

// readGrid rejects unknown keys so a typoed dimension fails loudly instead
// of silently sweeping nothing.
func readGrid(path string) (engine.Grid, error) {
	var grid engine.Grid
	raw, err := os.ReadFile(path)
	if err != nil {
		return grid, fmt.Errorf("read grid: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&grid); err != nil {
		return grid, fmt.Errorf("grid: %w", err)
	}
	return grid, nil
}

func profitFactor(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "optimize: "+format+"\n", args...)
	os.Exit(1)
}
