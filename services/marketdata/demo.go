package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"macross/services/engine"
)

// demoEpoch anchors every demo walk. Generation always replays from the
// epoch so a given (symbol, date) pair yields the same candle no matter
// which query window asked for it.
var demoEpoch = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// Demo is an offline Source producing plausible seeded random walks.
type Demo struct{}

// FetchAll generates candles for every symbol in the window.
func (Demo) FetchAll(ctx context.Context, symbols []string, start, end time.Time) (Report, error) {
	var rep Report
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		bars := GenerateBars(symbol, start, end)
		if len(bars) == 0 {
			rep.Skipped = append(rep.Skipped, Skip{Symbol: symbol, Reason: "no data returned"})
			continue
		}
		rep.Bars = append(rep.Bars, bars...)
		rep.Fetched = append(rep.Fetched, symbol)
	}
	return rep, nil
}

// GenerateBars walks a seeded geometric random walk from the demo epoch and
// emits the weekday candles falling inside [start, end]. The walk advances
// through every weekday up to end even when start is late, which keeps
// overlapping windows byte-for-byte consistent.
func GenerateBars(symbol string, start, end time.Time) []engine.PriceBar {
	start = engine.Day(start)
	end = engine.Day(end)
	if end.Before(demoEpoch) || end.Before(start) {
		return nil
	}

	rng := rand.New(rand.NewSource(symbolSeed(symbol)))
	price := 20 + 80*rng.Float64()

	var bars []engine.PriceBar
	for d := demoEpoch; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		ret := rng.NormFloat64()*0.015 + 0.0004
		spread := math.Abs(rng.NormFloat64()) * 0.01
		skew := rng.Float64()
		volume := math.Round(500_000 + rng.Float64()*1_500_000)

		open := price
		close := open * (1 + ret)
		if close < 1 {
			close = 1
		}
		high := math.Max(open, close) * (1 + spread*skew)
		low := math.Min(open, close) * (1 - spread*(1-skew))
		price = close

		if d.Before(start) {
			continue
		}
		bars = append(bars, engine.PriceBar{
			Symbol: symbol,
			Date:   d,
			Open:   round4(open),
			High:   round4(high),
			Low:    round4(low),
			Close:  round4(close),
			Volume: volume,
		})
	}
	return bars
}

// DefaultDemoBars is the built-in universe used when no feed file exists:
// three symbols over four years, enough history for any default strategy.
func DefaultDemoBars() []engine.PriceBar {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	var bars []engine.PriceBar
	for _, symbol := range []string{"AAPL", "MSFT", "GOOGL"} {
		bars = append(bars, GenerateBars(symbol, start, end)...)
	}
	return bars
}

func symbolSeed(symbol string) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return int64(h.Sum64())
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
