package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"macross/services/engine"
	"macross/services/feed"
)

func dailyHandler(t *testing.T, rows string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/daily" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, rows)
	}
}

func TestFetchDaily(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		dailyHandler(t, `[
			{"date":"2024-01-02","open":"10","high":"12","low":"9.5","close":"11","volume":"1000"},
			{"date":"2024-01-03","open":"11","high":"12.5","low":"10.5","close":"12","volume":"1500"}
		]`)(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, time.Millisecond, nil)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	bars, err := c.FetchDaily(context.Background(), "AAPL", start, end)
	if err != nil {
		t.Fatalf("FetchDaily: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	if bars[0].Symbol != "AAPL" || bars[0].Close != 11 || bars[1].Volume != 1500 {
		t.Errorf("bars = %+v", bars)
	}
	if q := gotQuery.Load().(string); q != "end=2024-01-10&start=2024-01-01&symbol=AAPL" {
		t.Errorf("query = %q", q)
	}
}

func TestFetchDailyRetriesTransientStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		dailyHandler(t, `[{"date":"2024-01-02","open":"10","high":"12","low":"9.5","close":"11","volume":"1000"}]`)(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5, time.Millisecond, nil)
	bars, err := c.FetchDaily(context.Background(), "AAPL", time.Now().AddDate(0, 0, -5), time.Now())
	if err != nil {
		t.Fatalf("FetchDaily: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Errorf("server hit %d times, want 3", n)
	}
}

func TestFetchDailyDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5, time.Millisecond, nil)
	_, err := c.FetchDaily(context.Background(), "NOPE", time.Now().AddDate(0, 0, -5), time.Now())
	if err == nil {
		t.Fatal("want error for 404")
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "OK":
			dailyHandler(t, `[{"date":"2024-01-02","open":"10","high":"12","low":"9.5","close":"11","volume":"1000"}]`)(w, r)
		case "EMPTY":
			dailyHandler(t, `[]`)(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, time.Millisecond, nil)
	rep, err := c.FetchAll(context.Background(), []string{"OK", "BAD", "EMPTY"}, time.Now().AddDate(0, 0, -5), time.Now())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(rep.Fetched) != 1 || rep.Fetched[0] != "OK" {
		t.Errorf("fetched = %v", rep.Fetched)
	}
	if len(rep.Skipped) != 2 {
		t.Fatalf("skipped = %v, want BAD and EMPTY", rep.Skipped)
	}
	if rep.Skipped[0].Symbol != "BAD" || rep.Skipped[1].Symbol != "EMPTY" {
		t.Errorf("skipped = %v", rep.Skipped)
	}
	if rep.Skipped[1].Reason != "no data returned" {
		t.Errorf("empty reason = %q", rep.Skipped[1].Reason)
	}
	if len(rep.Bars) != 1 || rep.Bars[0].Symbol != "OK" {
		t.Errorf("bars = %v", rep.Bars)
	}
}

func TestFetchAllStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient("http://127.0.0.1:0", 0, time.Millisecond, nil)
	_, err := c.FetchAll(ctx, []string{"AAPL"}, time.Now().AddDate(0, 0, -5), time.Now())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestGenerateBarsDeterministic(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC)

	a := GenerateBars("AAPL", start, end)
	b := GenerateBars("AAPL", start, end)
	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("runs disagree: %d vs %d bars", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("bar %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}

	// A narrower window must reproduce the same candles the wide window
	// produced for those dates.
	subStart := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	subEnd := time.Date(2021, 6, 30, 0, 0, 0, 0, time.UTC)
	sub := GenerateBars("AAPL", subStart, subEnd)
	var wantSub []engine.PriceBar
	for _, bar := range a {
		if !bar.Date.Before(subStart) && !bar.Date.After(subEnd) {
			wantSub = append(wantSub, bar)
		}
	}
	if len(sub) != len(wantSub) {
		t.Fatalf("subwindow has %d bars, want %d", len(sub), len(wantSub))
	}
	for i := range sub {
		if sub[i] != wantSub[i] {
			t.Fatalf("subwindow bar %d differs: %+v vs %+v", i, sub[i], wantSub[i])
		}
	}

	other := GenerateBars("MSFT", start, end)
	if len(other) == len(a) && other[0].Open == a[0].Open && other[0].Close == a[0].Close {
		t.Error("different symbols produced the same walk")
	}
}

func TestGenerateBarsShape(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2022, 3, 31, 0, 0, 0, 0, time.UTC)
	bars := GenerateBars("AAPL", start, end)
	if len(bars) == 0 {
		t.Fatal("no bars generated")
	}
	for _, b := range bars {
		if wd := b.Date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Fatalf("weekend bar on %s", b.Date.Format(engine.DateLayout))
		}
		if b.Date.Before(start) || b.Date.After(end) {
			t.Fatalf("bar outside window: %s", b.Date.Format(engine.DateLayout))
		}
		if b.High < b.Open || b.High < b.Close || b.Low > b.Open || b.Low > b.Close {
			t.Fatalf("inconsistent candle: %+v", b)
		}
		if b.Low <= 0 || b.Volume <= 0 {
			t.Fatalf("non-positive candle values: %+v", b)
		}
	}
}

func TestUpdateAllWritesFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closing.csv")
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC)

	res, err := UpdateAll(context.Background(), Demo{}, []string{"MSFT", "AAPL"}, start, end, path, nil)
	if err != nil {
		t.Fatalf("UpdateAll: %v", err)
	}
	if res.Status != "ok" {
		t.Fatalf("status = %q, want ok", res.Status)
	}
	bars, err := feed.ReadBars(path)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != res.Updated {
		t.Errorf("file has %d rows, result says %d", len(bars), res.Updated)
	}
	for i := 1; i < len(bars); i++ {
		a, b := bars[i-1], bars[i]
		if a.Symbol > b.Symbol || (a.Symbol == b.Symbol && a.Date.After(b.Date)) {
			t.Fatalf("feed not sorted at row %d: %s %s after %s %s",
				i, a.Symbol, a.Date.Format(engine.DateLayout), b.Symbol, b.Date.Format(engine.DateLayout))
		}
	}
}

func TestUpdateAllNoData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closing.csv")
	start := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2010, 12, 31, 0, 0, 0, 0, time.UTC)

	res, err := UpdateAll(context.Background(), Demo{}, []string{"AAPL"}, start, end, path, nil)
	if err != nil {
		t.Fatalf("UpdateAll: %v", err)
	}
	if res.Status != "no_data" || res.Updated != 0 {
		t.Fatalf("result = %+v, want no_data", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("no_data refresh touched the feed file: %v", err)
	}
}

func TestFetchWindow(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 34, 0, 0, time.UTC)
	start, end := FetchWindow(now, 365)
	if got := start.Format(engine.DateLayout); got != "2023-03-16" {
		t.Errorf("start = %s", got)
	}
	if got := end.Format(engine.DateLayout); got != "2024-03-16" {
		t.Errorf("end = %s", got)
	}
}
