package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Config enumerates every recognized run option with its documented default.
// A Config is validated once per run and never mutated afterwards; it is
// passed by value into every component.
type Config struct {
	ShortMAPeriod int    `json:"short_ma_period"`
	ShortMAType   string `json:"short_ma_type"`
	LongMAPeriod  int    `json:"long_ma_period"`
	LongMAType    string `json:"long_ma_type"`

	StopLossPct    float64 `json:"stop_loss_pct"`
	TakeProfitPct  float64 `json:"take_profit_pct"`
	PositionSize   int     `json:"position_size"`
	InitialCapital float64 `json:"initial_capital"`

	// Symbols nil means every symbol in the feed. Dates are inclusive
	// calendar days in DateLayout; empty means unbounded.
	Symbols   []string `json:"symbols,omitempty"`
	StartDate string   `json:"start_date,omitempty"`
	EndDate   string   `json:"end_date,omitempty"`

	EnableCommission   bool    `json:"enable_commission"`
	CommissionPerTrade float64 `json:"commission_per_trade"`
	CommissionPct      float64 `json:"commission_pct"`

	EnableSlippage bool    `json:"enable_slippage"`
	SlippagePct    float64 `json:"slippage_pct"`

	EnableATRStop bool    `json:"enable_atr_stop"`
	ATRPeriod     int     `json:"atr_period"`
	ATRMultSL     float64 `json:"atr_multiplier_sl"`
	ATRMultTP     float64 `json:"atr_multiplier_tp"`

	EnableTrendFilter  bool `json:"enable_trend_filter"`
	EnableVolumeFilter bool `json:"enable_volume_filter"`

	EnableRiskSizing bool    `json:"enable_risk_sizing"`
	RiskPerTradePct  float64 `json:"risk_per_trade_pct"`
}

// DefaultConfig returns the documented defaults: 10-period EMA over 50-period
// SMA, 5% stop, 10% target, 100 fixed shares, 100k capital, trend and volume
// filters on, commission/slippage/ATR-stop/risk-sizing off.
func DefaultConfig() Config {
	return Config{
		ShortMAPeriod:      10,
		ShortMAType:        MATypeEMA,
		LongMAPeriod:       50,
		LongMAType:         MATypeSMA,
		StopLossPct:        5.0,
		TakeProfitPct:      10.0,
		PositionSize:       100,
		InitialCapital:     100000,
		CommissionPerTrade: 1.0,
		CommissionPct:      0.0,
		SlippagePct:        0.0,
		ATRPeriod:          14,
		ATRMultSL:          1.5,
		ATRMultTP:          3.0,
		EnableTrendFilter:  true,
		EnableVolumeFilter: true,
		RiskPerTradePct:    2.0,
	}
}

// DecodeConfig decodes a JSON config over the defaults, rejecting unknown
// keys. An empty document yields the defaults.
func DecodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return cfg, paramErr("config: %v", err)
	}
	return cfg, nil
}

// DecodeConfigBytes is DecodeConfig over a byte slice.
func DecodeConfigBytes(b []byte) (Config, error) {
	return DecodeConfig(bytes.NewReader(b))
}

// Validate checks every option's type and range. It fails fast, before any
// simulation state is created.
func (c Config) Validate() error {
	if c.ShortMAPeriod < 1 {
		return paramErr("short_ma_period must be >= 1, got %d", c.ShortMAPeriod)
	}
	if c.LongMAPeriod < 1 {
		return paramErr("long_ma_period must be >= 1, got %d", c.LongMAPeriod)
	}
	if !validMAType(c.ShortMAType) {
		return paramErr("unknown MA type: %s", c.ShortMAType)
	}
	if !validMAType(c.LongMAType) {
		return paramErr("unknown MA type: %s", c.LongMAType)
	}
	if c.StopLossPct < 0 {
		return paramErr("stop_loss_pct must be >= 0, got %g", c.StopLossPct)
	}
	if c.TakeProfitPct < 0 {
		return paramErr("take_profit_pct must be >= 0, got %g", c.TakeProfitPct)
	}
	if c.PositionSize < 1 {
		return paramErr("position_size must be >= 1, got %d", c.PositionSize)
	}
	if c.InitialCapital <= 0 {
		return paramErr("initial_capital must be > 0, got %g", c.InitialCapital)
	}
	if c.CommissionPerTrade < 0 || c.CommissionPct < 0 {
		return paramErr("commission rates must be >= 0")
	}
	if c.SlippagePct < 0 {
		return paramErr("slippage_pct must be >= 0, got %g", c.SlippagePct)
	}
	if c.ATRPeriod < 1 {
		return paramErr("atr_period must be >= 1, got %d", c.ATRPeriod)
	}
	if c.ATRMultSL < 0 || c.ATRMultTP < 0 {
		return paramErr("atr multipliers must be >= 0")
	}
	if c.RiskPerTradePct < 0 {
		return paramErr("risk_per_trade_pct must be >= 0, got %g", c.RiskPerTradePct)
	}
	start, end, err := c.dateRange()
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return paramErr("end_date %s precedes start_date %s", c.EndDate, c.StartDate)
	}
	return nil
}

// Hash is the sha256 of the canonical JSON encoding, a stable identifier for
// reproducing a run.
func (c Config) Hash() string {
	b, _ := json.Marshal(c)
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

func (c Config) dateRange() (start, end time.Time, err error) {
	if c.StartDate != "" {
		start, err = time.ParseInLocation(DateLayout, c.StartDate, time.UTC)
		if err != nil {
			return start, end, paramErr("start_date: %v", err)
		}
	}
	if c.EndDate != "" {
		end, err = time.ParseInLocation(DateLayout, c.EndDate, time.UTC)
		if err != nil {
			return start, end, paramErr("end_date: %v", err)
		}
	}
	return start, end, nil
}

func validMAType(t string) bool {
	switch strings.ToUpper(t) {
	case MATypeSMA, MATypeEMA, MATypeWMA:
		return true
	}
	return false
}
