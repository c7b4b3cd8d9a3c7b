package marketdata

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"macross/services/engine"
	"macross/services/feed"
)

// Source yields daily candles for a set of symbols. Client talks to the
// vendor API; Demo synthesizes data offline.
type Source interface {
	FetchAll(ctx context.Context, symbols []string, start, end time.Time) (Report, error)
}

// Skip records one symbol left out of a refresh and why.
type Skip struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// Report is the raw outcome of a multi-symbol fetch.
type Report struct {
	Bars    []engine.PriceBar
	Fetched []string
	Skipped []Skip
}

// UpdateResult summarizes a feed refresh for callers and API clients.
type UpdateResult struct {
	Status  string   `json:"status"`
	Updated int      `json:"updated"`
	Fetched []string `json:"fetched,omitempty"`
	Skipped []Skip   `json:"skipped,omitempty"`
}

// FetchWindow is the refresh window used by the scheduler and the fetch
// endpoint: lookbackDays of history up to and including today. The end is
// tomorrow so a vendor treating end as exclusive still returns today's bar.
func FetchWindow(now time.Time, lookbackDays int) (start, end time.Time) {
	today := engine.Day(now)
	return today.AddDate(0, 0, -lookbackDays), today.AddDate(0, 0, 1)
}

// UpdateAll fetches every symbol and atomically rewrites the feed file.
// When nothing comes back the existing file is left untouched and the
// result carries status "no_data".
func UpdateAll(ctx context.Context, src Source, symbols []string, start, end time.Time, outPath string, logger *zap.Logger) (UpdateResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rep, err := src.FetchAll(ctx, symbols, start, end)
	if err != nil {
		return UpdateResult{}, err
	}
	res := UpdateResult{Fetched: rep.Fetched, Skipped: rep.Skipped}
	for _, s := range rep.Skipped {
		logger.Warn("symbol skipped", zap.String("symbol", s.Symbol), zap.String("reason", s.Reason))
	}
	if len(rep.Bars) == 0 {
		res.Status = "no_data"
		logger.Warn("feed refresh produced no rows", zap.Int("symbols", len(symbols)))
		return res, nil
	}

	bars := rep.Bars
	sort.SliceStable(bars, func(i, j int) bool {
		if bars[i].Symbol != bars[j].Symbol {
			return bars[i].Symbol < bars[j].Symbol
		}
		return bars[i].Date.Before(bars[j].Date)
	})
	for _, issue := range feed.ValidateBars(bars) {
		logger.Warn("feed quality issue",
			zap.String("symbol", issue.Symbol),
			zap.String("date", issue.Date),
			zap.String("reason", issue.Reason))
	}
	if err := feed.WriteBars(outPath, bars); err != nil {
		return res, err
	}
	res.Status = "ok"
	res.Updated = len(bars)
	logger.Info("feed refreshed",
		zap.Int("rows", res.Updated),
		zap.Int("fetched", len(rep.Fetched)),
		zap.Int("skipped", len(rep.Skipped)),
		zap.String("path", outPath))
	return res, nil
}
