// Command fetch pulls daily OHLCV bars from the market data service (or the
// deterministic demo generator) and refreshes the closing data feed,
// optionally mirroring the rows into ClickHouse.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"macross/services/config"
	"macross/services/engine"
	"macross/services/feed"
	"macross/services/marketdata"
	"macross/services/store"
)

func main() {
	cfg := config.Load()

	// Flags
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbols; universe file when empty")
	universe := flag.String("universe", cfg.UniverseFile, "Universe CSV with a symbol column")
	startStr := flag.String("start", "", "Window start YYYY-MM-DD; lookback when empty")
	endStr := flag.String("end", "", "Window end YYYY-MM-DD; tomorrow when empty")
	lookback := flag.Int("lookback", cfg.FetchLookbackDays, "Lookback days when no explicit window")
	outPath := flag.String("out", cfg.ClosingDataFile, "Feed CSV output path")
	source := flag.String("source", "", "Bar source: http or demo; inferred from base URL when empty")
	baseURL := flag.String("base", cfg.MarketDataBaseURL, "Market data service base URL")
	toStore := flag.Bool("store", false, "Mirror fetched rows into ClickHouse")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer logger.Sync()

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		if symbols, err = feed.ReadUniverse(*universe); err != nil {
			fatalf("universe: %v", err)
		}
	}

	start, end, err := window(*startStr, *endStr, *lookback)
	if err != nil {
		fatalf("%v", err)
	}

	src, err := pickSource(*source, *baseURL, cfg, logger)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := marketdata.UpdateAll(ctx, src, symbols, start, end, *outPath, logger)
	if err != nil {
		fatalf("%v", err)
	}
	if res.Status != "ok" {
		fmt.Fprintln(os.Stderr, "fetch: no data fetched for any symbol")
		os.Exit(1)
	}

	if *toStore {
		if err := mirrorToStore(ctx, cfg, *outPath, logger); err != nil {
			fatalf("store: %v", err)
		}
	}

	fmt.Println("=== Feed Refresh Summary ===")
	fmt.Printf("Window: %s to %s\n", start.Format(engine.DateLayout), end.Format(engine.DateLayout))
	fmt.Printf("Fetched: %d symbols, %d rows\n", len(res.Fetched), res.Updated)
	for _, s := range res.Skipped {
		fmt.Printf("Skipped: %s (%s)\n", s.Symbol, s.Reason)
	}
	fmt.Printf("Wrote: %s\n", *outPath)
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func window(startStr, endStr string, lookback int) (start, end time.Time, err error) {
	if startStr == "" {
		start, end = marketdata.FetchWindow(time.Now(), lookback)
		return start, end, nil
	}
	if start, err = time.ParseInLocation(engine.DateLayout, startStr, time.UTC); err != nil {
		return start, end, fmt.Errorf("start %q is not YYYY-MM-DD", startStr)
	}
	if endStr == "" {
		end = engine.Day(time.Now().UTC()).AddDate(0, 0, 1)
		return start, end, nil
	}
	if end, err = time.ParseInLocation(engine.DateLayout, endStr, time.UTC); err != nil {
		return start, end, fmt.Errorf("end %q is not YYYY-MM-DD", endStr)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("end %s precedes start %s", endStr, startStr)
	}
	return start, end, nil
}

func pickSource(source, baseURL string, cfg config.Config, logger *zap.Logger) (marketdata.Source, error) {
	if source == "" {
		if baseURL == "" {
			source = "demo"
		} else {
			source = "http"
		}
	}
	switch source {
	case "demo":
		return marketdata.Demo{}, nil
	case "http":
		if baseURL == "" {
			return nil, fmt.Errorf("source http needs -base or MARKETDATA_BASE_URL")
		}
		return marketdata.NewClient(baseURL, cfg.HTTPRetryTotal, cfg.HTTPRetryBackoff, logger), nil
	}
	return nil, fmt.Errorf("unknown source %q", source)
}

// mirrorToStore reads the freshly written feed back and batch-inserts it,
// so ClickHouse always matches the CSV exactly.
func mirrorToStore(ctx context.Context, cfg config.Config, path string, logger *zap.Logger) error {
	bars, err := feed.ReadBars(path)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, store.Config{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUsername,
		Password: cfg.ClickHousePassword,
		Table:    cfg.ClickHouseTable,
	}, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	n, err := st.InsertBars(ctx, bars)
	if err != nil {
		return err
	}
	fmt.Printf("Stored: %d rows in %s.%s\n", n, cfg.ClickHouseDatabase, cfg.ClickHouseTable)
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fetch: "+format+"\n", args...)
	os.Exit(1)
}
