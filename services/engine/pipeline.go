package engine

// BacktestResult bundles the three outputs every caller consumes: the trade
// ledger, the equity curve and the metrics record, plus enough context to
// reproduce the run.
type BacktestResult struct {
	ConfigHash string           `json:"config_hash"`
	Rows       int              `json:"rows"`
	Symbols    int              `json:"symbols"`
	Trades     []Trade          `json:"trades"`
	Equity     []EquitySnapshot `json:"equity_curve"`
	Metrics    Metrics          `json:"metrics"`
	Log        *RunLog          `json:"log,omitempty"`
}

// Run executes the full pipeline over a raw feed: validate, preprocess,
// generate signals, simulate, reduce to metrics. Empty data after filtering
// is an InvalidData error; the run mutates nothing on any failure path.
func Run(bars []PriceBar, cfg Config) (*BacktestResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pre, err := Preprocess(bars, cfg)
	if err != nil {
		return nil, err
	}
	if len(pre) == 0 {
		return nil, dataErr("no rows after symbol/date filtering")
	}
	rows, err := GenerateSignals(pre, cfg)
	if err != nil {
		return nil, err
	}
	sim, err := Simulate(rows, cfg)
	if err != nil {
		return nil, err
	}
	return &BacktestResult{
		ConfigHash: cfg.Hash(),
		Rows:       len(pre),
		Symbols:    CountSymbols(pre),
		Trades:     sim.Trades,
		Equity:     sim.Equity,
		Metrics:    CalculateMetrics(sim.Trades, sim.Equity, cfg),
		Log:        sim.Log,
	}, nil
}
