package engine

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ShortMAPeriod != 10 || cfg.ShortMAType != MATypeEMA {
		t.Errorf("short MA = %d %s", cfg.ShortMAPeriod, cfg.ShortMAType)
	}
	if cfg.LongMAPeriod != 50 || cfg.LongMAType != MATypeSMA {
		t.Errorf("long MA = %d %s", cfg.LongMAPeriod, cfg.LongMAType)
	}
	if cfg.StopLossPct != 5 || cfg.TakeProfitPct != 10 {
		t.Errorf("exits = %g/%g", cfg.StopLossPct, cfg.TakeProfitPct)
	}
	if cfg.PositionSize != 100 || cfg.InitialCapital != 100000 {
		t.Errorf("sizing = %d shares, %g capital", cfg.PositionSize, cfg.InitialCapital)
	}
	if !cfg.EnableTrendFilter || !cfg.EnableVolumeFilter {
		t.Error("filters should default on")
	}
	if cfg.EnableCommission || cfg.EnableSlippage || cfg.EnableATRStop || cfg.EnableRiskSizing {
		t.Error("cost and sizing features should default off")
	}
	if cfg.CommissionPerTrade != 1 || cfg.ATRPeriod != 14 || cfg.RiskPerTradePct != 2 {
		t.Errorf("latent defaults = %g/%d/%g", cfg.CommissionPerTrade, cfg.ATRPeriod, cfg.RiskPerTradePct)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero short period", func(c *Config) { c.ShortMAPeriod = 0 }},
		{"zero long period", func(c *Config) { c.LongMAPeriod = 0 }},
		{"unknown short type", func(c *Config) { c.ShortMAType = "HMA" }},
		{"unknown long type", func(c *Config) { c.LongMAType = "" }},
		{"negative stop", func(c *Config) { c.StopLossPct = -1 }},
		{"negative target", func(c *Config) { c.TakeProfitPct = -0.5 }},
		{"zero position size", func(c *Config) { c.PositionSize = 0 }},
		{"zero capital", func(c *Config) { c.InitialCapital = 0 }},
		{"negative commission", func(c *Config) { c.CommissionPerTrade = -1 }},
		{"negative commission pct", func(c *Config) { c.CommissionPct = -0.1 }},
		{"negative slippage", func(c *Config) { c.SlippagePct = -0.1 }},
		{"zero atr period", func(c *Config) { c.ATRPeriod = 0 }},
		{"negative atr multiplier", func(c *Config) { c.ATRMultSL = -1 }},
		{"negative risk", func(c *Config) { c.RiskPerTradePct = -2 }},
		{"malformed start date", func(c *Config) { c.StartDate = "03/15/2024" }},
		{"malformed end date", func(c *Config) { c.EndDate = "soon" }},
		{"end before start", func(c *Config) { c.StartDate = "2024-02-01"; c.EndDate = "2024-01-01" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("err = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestValidateAcceptsLowercaseMATypes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShortMAType = "ema"
	cfg.LongMAType = "wma"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeConfigEmptyBodyIsDefaults(t *testing.T) {
	cfg, err := DecodeConfig(strings.NewReader(""))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Hash() != DefaultConfig().Hash() {
		t.Errorf("empty body decoded to %+v", cfg)
	}
}

func TestDecodeConfigPartialOverride(t *testing.T) {
	body := `{"short_ma_period": 5, "long_ma_period": 20, "symbols": ["AAPL"], "enable_commission": true}`
	cfg, err := DecodeConfigBytes([]byte(body))
	if err != nil {
		t.Fatalf("DecodeConfigBytes: %v", err)
	}
	if cfg.ShortMAPeriod != 5 || cfg.LongMAPeriod != 20 {
		t.Errorf("periods = %d/%d", cfg.ShortMAPeriod, cfg.LongMAPeriod)
	}
	if !cfg.EnableCommission {
		t.Error("enable_commission not applied")
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0] != "AAPL" {
		t.Errorf("symbols = %v", cfg.Symbols)
	}
	// Untouched keys keep their defaults.
	if cfg.ShortMAType != MATypeEMA || cfg.InitialCapital != 100000 {
		t.Errorf("defaults disturbed: %s %g", cfg.ShortMAType, cfg.InitialCapital)
	}
}

func TestDecodeConfigRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeConfigBytes([]byte(`{"short_ma": 5}`))
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestDecodeConfigRejectsWrongTypes(t *testing.T) {
	_, err := DecodeConfigBytes([]byte(`{"short_ma_period": "ten"}`))
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestConfigHash(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	if a.Hash() != b.Hash() {
		t.Fatal("identical configs hash differently")
	}
	if len(a.Hash()) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a.Hash()))
	}
	b.ShortMAPeriod = 11
	if a.Hash() == b.Hash() {
		t.Fatal("changed config keeps the same hash")
	}
}
