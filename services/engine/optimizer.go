package engine

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Grid holds candidate values per tunable parameter. An empty dimension
// keeps the base config's value. The cartesian product is enumerated in a
// fixed dimension order so grid indices are stable across runs.
type Grid struct {
	ShortMAPeriods []int     `json:"short_ma_periods"`
	LongMAPeriods  []int     `json:"long_ma_periods"`
	StopLossPcts   []float64 `json:"stop_loss_pcts"`
	TakeProfitPcts []float64 `json:"take_profit_pcts"`
	ShortMATypes   []string  `json:"short_ma_types,omitempty"`
	LongMATypes    []string  `json:"long_ma_types,omitempty"`
}

// Params is the tunable subset of a candidate config, echoed in results.
type Params struct {
	ShortMAPeriod int     `json:"short_ma"`
	ShortMAType   string  `json:"short_ma_type"`
	LongMAPeriod  int     `json:"long_ma"`
	LongMAType    string  `json:"long_ma_type"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
}

// CandidateResult pairs a candidate's in-sample and out-of-sample metrics.
type CandidateResult struct {
	GridIndex int     `json:"grid_index"`
	Params    Params  `json:"params"`
	Train     Metrics `json:"metrics_train"`
	Test      Metrics `json:"metrics_test"`
}

// OptimizationResult is the full sweep plus the selected candidate.
type OptimizationResult struct {
	SplitDate  string            `json:"split_date"`
	TrainRows  int               `json:"train_rows"`
	TestRows   int               `json:"test_rows"`
	Candidates int               `json:"candidates"`
	Records    []CandidateResult `json:"records"`
	Best       *CandidateResult  `json:"best"`
}

// Combinations expands the grid over a base config in fixed order: short
// period, long period, stop, target, short type, long type.
func (g Grid) Combinations(base Config) []Config {
	shorts := g.ShortMAPeriods
	if len(shorts) == 0 {
		shorts = []int{base.ShortMAPeriod}
	}
	longs := g.LongMAPeriods
	if len(longs) == 0 {
		longs = []int{base.LongMAPeriod}
	}
	stops := g.StopLossPcts
	if len(stops) == 0 {
		stops = []float64{base.StopLossPct}
	}
	takes := g.TakeProfitPcts
	if len(takes) == 0 {
		takes = []float64{base.TakeProfitPct}
	}
	shortTypes := g.ShortMATypes
	if len(shortTypes) == 0 {
		shortTypes = []string{base.ShortMAType}
	}
	longTypes := g.LongMATypes
	if len(longTypes) == 0 {
		longTypes = []string{base.LongMAType}
	}

	out := make([]Config, 0, len(shorts)*len(longs)*len(stops)*len(takes)*len(shortTypes)*len(longTypes))
	for _, sp := range shorts {
		for _, lp := range longs {
			for _, sl := range stops {
				for _, tp := range takes {
					for _, st := range shortTypes {
						for _, lt := range longTypes {
							cfg := base
							cfg.ShortMAPeriod = sp
							cfg.LongMAPeriod = lp
							cfg.StopLossPct = sl
							cfg.TakeProfitPct = tp
							cfg.ShortMAType = st
							cfg.LongMAType = lt
							out = append(out, cfg)
						}
					}
				}
			}
		}
	}
	return out
}

func paramsOf(cfg Config) Params {
	return Params{
		ShortMAPeriod: cfg.ShortMAPeriod,
		ShortMAType:   cfg.ShortMAType,
		LongMAPeriod:  cfg.LongMAPeriod,
		LongMAType:    cfg.LongMAType,
		StopLossPct:   cfg.StopLossPct,
		TakeProfitPct: cfg.TakeProfitPct,
	}
}

// Optimize runs the full pipeline per candidate on a training window (dates
// on or before the split) and a held-out test window (after the split), and
// selects the highest test-window total return. Candidates are independent,
// so they fan out over a bounded worker pool; results merge by grid index,
// never by arrival order, and ties keep the first-seen candidate.
func Optimize(ctx context.Context, bars []PriceBar, base Config, grid Grid, splitDate time.Time, workers int) (*OptimizationResult, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	pre, err := Preprocess(bars, base)
	if err != nil {
		return nil, err
	}
	if len(pre) == 0 {
		return nil, dataErr("no rows after symbol/date filtering")
	}

	split := Day(splitDate)
	var train, test []PriceBar
	for _, b := range pre {
		if b.Date.After(split) {
			test = append(test, b)
		} else {
			train = append(train, b)
		}
	}
	if len(train) == 0 {
		return nil, windowErr("training window has no rows on or before %s", split.Format(DateLayout))
	}
	if len(test) == 0 {
		return nil, windowErr("test window has no rows after %s", split.Format(DateLayout))
	}

	candidates := grid.Combinations(base)
	for _, cand := range candidates {
		if err := cand.Validate(); err != nil {
			return nil, err
		}
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	records := make([]CandidateResult, len(candidates))
	jobs := make(chan int)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Workers drain the channel even after an error so the feeder
			// can never block on a vanished consumer.
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				rec, err := evaluateCandidate(train, test, candidates[i], i)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					continue
				}
				records[i] = rec
			}
		}()
	}

feed:
	for i := range candidates {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}

	best := 0
	for i := 1; i < len(records); i++ {
		if records[i].Test.TotalReturnPct > records[best].Test.TotalReturnPct {
			best = i
		}
	}
	return &OptimizationResult{
		SplitDate:  split.Format(DateLayout),
		TrainRows:  len(train),
		TestRows:   len(test),
		Candidates: len(candidates),
		Records:    records,
		Best:       &records[best],
	}, nil
}

func evaluateCandidate(train, test []PriceBar, cfg Config, idx int) (CandidateResult, error) {
	trainRes, err := Run(train, cfg)
	if err != nil {
		return CandidateResult{}, err
	}
	testRes, err := Run(test, cfg)
	if err != nil {
		return CandidateResult{}, err
	}
	return CandidateResult{
		GridIndex: idx,
		Params:    paramsOf(cfg),
		Train:     trainRes.Metrics,
		Test:      testRes.Metrics,
	}, nil
}
