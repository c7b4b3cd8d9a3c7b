// Package config loads service settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable of the server and CLIs.
type Config struct {
	HTTPAddr string

	DataDir         string
	ClosingDataFile string
	TradeLogFile    string
	SummaryFile     string
	UniverseFile    string

	FeedSource string // csv | demo | clickhouse

	MarketDataBaseURL string
	FetchLookbackDays int
	HTTPRetryTotal    int
	HTTPRetryBackoff  time.Duration

	Timezone        string
	ScheduleHour    int
	ScheduleMinute  int
	ScheduleEnabled bool

	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	ClickHouseTable    string

	OptimizeOutputFile string
}

// Load reads .env when present, then the environment, then defaults.
// Relative data file names are resolved under DATA_DIR.
func Load() Config {
	v := viper.New()
	v.SetConfigFile(".env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("CLOSING_DATA_FILE", "closing_data.csv")
	v.SetDefault("TRADE_LOG_FILE", "trade_log.csv")
	v.SetDefault("SUMMARY_FILE", "backtest_summary.csv")
	v.SetDefault("UNIVERSE_FILE", "nifty500.csv")
	v.SetDefault("FEED_SOURCE", "csv")
	v.SetDefault("MARKETDATA_BASE_URL", "")
	v.SetDefault("FETCH_LOOKBACK_DAYS", 365)
	v.SetDefault("HTTP_RETRY_TOTAL", 5)
	v.SetDefault("HTTP_RETRY_BACKOFF", "1s")
	v.SetDefault("TIMEZONE", "Asia/Kolkata")
	v.SetDefault("SCHEDULE_HOUR", 16)
	v.SetDefault("SCHEDULE_MINUTE", 0)
	v.SetDefault("SCHEDULE_ENABLED", false)
	v.SetDefault("CLICKHOUSE_ADDR", "localhost:9000")
	v.SetDefault("CLICKHOUSE_DATABASE", "backtest")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")
	v.SetDefault("CLICKHOUSE_PASSWORD", "")
	v.SetDefault("CLICKHOUSE_TABLE", "daily_bars")
	v.SetDefault("OPTIMIZE_OUTPUT_FILE", "optimization_results.json")

	dataDir := v.GetString("DATA_DIR")
	return Config{
		HTTPAddr: v.GetString("HTTP_ADDR"),

		DataDir:         dataDir,
		ClosingDataFile: underDir(dataDir, v.GetString("CLOSING_DATA_FILE")),
		TradeLogFile:    underDir(dataDir, v.GetString("TRADE_LOG_FILE")),
		SummaryFile:     underDir(dataDir, v.GetString("SUMMARY_FILE")),
		UniverseFile:    underDir(dataDir, v.GetString("UNIVERSE_FILE")),

		FeedSource: v.GetString("FEED_SOURCE"),

		MarketDataBaseURL: v.GetString("MARKETDATA_BASE_URL"),
		FetchLookbackDays: v.GetInt("FETCH_LOOKBACK_DAYS"),
		HTTPRetryTotal:    v.GetInt("HTTP_RETRY_TOTAL"),
		HTTPRetryBackoff:  v.GetDuration("HTTP_RETRY_BACKOFF"),

		Timezone:        v.GetString("TIMEZONE"),
		ScheduleHour:    v.GetInt("SCHEDULE_HOUR"),
		ScheduleMinute:  v.GetInt("SCHEDULE_MINUTE"),
		ScheduleEnabled: v.GetBool("SCHEDULE_ENABLED"),

		ClickHouseAddr:     v.GetString("CLICKHOUSE_ADDR"),
		ClickHouseDatabase: v.GetString("CLICKHOUSE_DATABASE"),
		ClickHouseUsername: v.GetString("CLICKHOUSE_USERNAME"),
		ClickHousePassword: v.GetString("CLICKHOUSE_PASSWORD"),
		ClickHouseTable:    v.GetString("CLICKHOUSE_TABLE"),

		OptimizeOutputFile: underDir(dataDir, v.GetString("OPTIMIZE_OUTPUT_FILE")),
	}
}

// underDir resolves name inside dir unless it is already a path of its own.
func underDir(dir, name string) string {
	if name == "" || filepath.IsAbs(name) || filepath.Dir(name) != "." {
		return name
	}
	return filepath.Join(dir, name)
}
