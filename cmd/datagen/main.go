// Command datagen writes a deterministic demo OHLCV feed for local runs and
// examples. The same symbol always yields the same bars.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"macross/services/engine"
	"macross/services/feed"
	"macross/services/marketdata"
)

func main() {
	// Flags
	outPath := flag.String("out", "data/closing_data.csv", "Feed CSV output path")
	days := flag.Int("days", 1460, "Calendar days of history to generate")
	symbolsFlag := flag.String("symbols", "AAPL,MSFT,GOOGL", "Comma-separated symbols")
	endStr := flag.String("end", "2023-12-31", "Last generated date YYYY-MM-DD")
	flag.Parse()

	end, err := time.ParseInLocation(engine.DateLayout, *endStr, time.UTC)
	if err != nil {
		fatalf("end %q is not YYYY-MM-DD", *endStr)
	}
	if *days <= 0 {
		fatalf("days must be positive, got %d", *days)
	}
	start := end.AddDate(0, 0, -*days)

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		fatalf("no symbols given")
	}
	sort.Strings(symbols)

	var bars []engine.PriceBar
	for _, sym := range symbols {
		rows := marketdata.GenerateBars(sym, start, end)
		fmt.Printf("%s: %d bars\n", sym, len(rows))
		bars = append(bars, rows...)
	}
	if err := feed.WriteBars(*outPath, bars); err != nil {
		fatalf("write feed: %v", err)
	}
	fmt.Printf("Wrote: %d rows to %s (%s to %s)\n",
		len(bars), *outPath, start.Format(engine.DateLayout), end.Format(engine.DateLayout))
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

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "datagen: "+format+"\n", args...)
	os.Exit(1)
}
