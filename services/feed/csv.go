// Package feed reads and writes the CSV files the backtester exchanges with
// the outside world: the daily price feed, the trade log, the metrics summary
// and the equity curve. All writes are atomic (temp file + rename) so a
// half-written feed is never observed by a reader.
package feed

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"macross/services/engine"
)

// requiredColumns are the feed columns the simulator contract demands.
var requiredColumns = []string{"symbol", "date", "open", "high", "low", "close", "volume"}

// ReadBars loads price bars from a CSV feed. The reader tolerates UTF-16
// files (BOM-sniffed), UTF-8 BOMs, quoted cells and ragged rows; columns are
// located by header name in any order. A feed missing a required column is a
// data error. Blank or unparseable price cells become NaN and are dropped
// later by preprocessing; blank volumes read as zero.
func ReadBars(path string) ([]engine.PriceBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(decodedReader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s has no header row", engine.ErrInvalidData, path)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	var bars []engine.PriceBar
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if len(rec) < len(header) {
			continue
		}
		date, err := ParseDate(rec[cols["date"]])
		if err != nil {
			continue
		}
		sym := strings.TrimSpace(rec[cols["symbol"]])
		if sym == "" {
			continue
		}
		bars = append(bars, engine.PriceBar{
			Symbol: sym,
			Date:   date,
			Open:   parsePrice(rec[cols["open"]]),
			High:   parsePrice(rec[cols["high"]]),
			Low:    parsePrice(rec[cols["low"]]),
			Close:  parsePrice(rec[cols["close"]]),
			Volume: parseVolume(rec[cols["volume"]]),
		})
	}
	return bars, nil
}

// decodedReader sniffs the first bytes for a UTF-16 BOM and, when present,
// wraps the file in a transforming decoder. Plain files pass through the
// buffered reader untouched; a UTF-8 BOM is stripped during header mapping.
func decodedReader(f *os.File) io.Reader {
	br := bufio.NewReader(f)
	head, _ := br.Peek(2)
	if len(head) >= 2 {
		if head[0] == 0xFF && head[1] == 0xFE {
			return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
		}
		if head[0] == 0xFE && head[1] == 0xFF {
			return transform.NewReader(br, unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder())
		}
	}
	return br
}

func mapColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
		cols[strings.ToLower(h)] = i
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: feed is missing required columns: %s", engine.ErrInvalidData, strings.Join(missing, ", "))
	}
	return cols, nil
}

// ParseDate accepts plain calendar days and RFC3339-style timestamps, keeping
// the calendar-day part in UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(engine.DateLayout, s, time.UTC); err == nil {
		return t, nil
	}
	if len(s) >= len(engine.DateLayout) {
		if t, err := time.ParseInLocation(engine.DateLayout, s[:len(engine.DateLayout)], time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func parsePrice(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseVolume(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// WriteBars writes a price feed atomically, sorted exactly as given.
func WriteBars(path string, bars []engine.PriceBar) error {
	return writeCSV(path, func(w *csv.Writer) error {
		if err := w.Write(requiredColumns); err != nil {
			return err
		}
		for _, b := range bars {
			rec := []string{
				b.Symbol,
				b.Date.Format(engine.DateLayout),
				cell(b.Open),
				cell(b.High),
				cell(b.Low),
				cell(b.Close),
				cell(b.Volume),
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteTrades exports the trade ledger.
func WriteTrades(path string, trades []engine.Trade) error {
	return writeCSV(path, func(w *csv.Writer) error {
		header := []string{
			"symbol", "entry_date", "entry_price", "exit_date", "exit_price",
			"shares", "gross_pnl", "commissions", "net_pnl", "pnl_pct",
			"exit_reason", "bars_held",
		}
		if err := w.Write(header); err != nil {
			return err
		}
		for _, t := range trades {
			rec := []string{
				t.Symbol,
				t.EntryDate.Format(engine.DateLayout),
				cell(t.EntryPrice),
				t.ExitDate.Format(engine.DateLayout),
				cell(t.ExitPrice),
				strconv.Itoa(t.Shares),
				cell(t.GrossPnL),
				cell(t.Commissions),
				cell(t.NetPnL),
				cell(t.PnLPct),
				string(t.ExitReason),
				strconv.Itoa(t.BarsHeld),
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteSummary exports the metrics record as a single-row CSV.
func WriteSummary(path string, m engine.Metrics) error {
	return writeCSV(path, func(w *csv.Writer) error {
		header := []string{
			"total_trades", "winning_trades", "losing_trades", "win_rate_pct",
			"avg_profit_pct", "avg_loss_pct", "max_win", "max_loss",
			"profit_factor", "max_drawdown_pct", "total_return_pct",
			"sharpe_ratio", "gross_profit", "gross_loss", "net_profit",
			"net_profit_pct",
		}
		if err := w.Write(header); err != nil {
			return err
		}
		pf := cell(m.ProfitFactor)
		if math.IsInf(m.ProfitFactor, 1) {
			pf = "inf"
		}
		rec := []string{
			strconv.Itoa(m.TotalTrades),
			strconv.Itoa(m.WinningTrades),
			strconv.Itoa(m.LosingTrades),
			cell(m.WinRatePct),
			cell(m.AvgProfitPct),
			cell(m.AvgLossPct),
			cell(m.MaxWin),
			cell(m.MaxLoss),
			pf,
			cell(m.MaxDrawdownPct),
			cell(m.TotalReturnPct),
			cell(m.SharpeRatio),
			cell(m.GrossProfit),
			cell(m.GrossLoss),
			cell(m.NetProfit),
			cell(m.NetProfitPct),
		}
		return w.Write(rec)
	})
}

// WriteEquity exports the daily equity curve.
func WriteEquity(path string, equity []engine.EquitySnapshot) error {
	return writeCSV(path, func(w *csv.Writer) error {
		if err := w.Write([]string{"date", "cash", "position_value", "equity"}); err != nil {
			return err
		}
		for _, e := range equity {
			rec := []string{
				e.Date.Format(engine.DateLayout),
				cell(e.Cash),
				cell(e.PositionValue),
				cell(e.Equity),
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadUniverse lists the symbols of a universe file. The first row is always
// a header; a "Symbol" column is preferred, then "Company Name", then the
// first column.
func ReadUniverse(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(decodedReader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: universe %s is empty", engine.ErrInvalidData, path)
	}
	col := 0
	for _, want := range []string{"symbol", "company name"} {
		found := false
		for i, h := range header {
			h = strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
			if strings.EqualFold(h, want) {
				col = i
				found = true
				break
			}
		}
		if found {
			break
		}
	}

	var symbols []string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil || len(rec) <= col {
			continue
		}
		if s := strings.TrimSpace(rec[col]); s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols, nil
}

// cell formats a float for CSV export, fixed to at most six decimal places.
func cell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	if math.IsInf(v, 0) {
		return "inf"
	}
	return decimal.NewFromFloat(v).Round(6).String()
}

func writeCSV(path string, write func(w *csv.Writer) error) error {
	return WriteFileAtomic(path, func(f io.Writer) error {
		w := csv.NewWriter(f)
		if err := write(w); err != nil {
			return err
		}
		w.Flush()
		return w.Error()
	})
}

// WriteFileAtomic writes through a temp file in the target directory and
// renames it into place, so readers only ever see complete files.
func WriteFileAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if err := write(tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
