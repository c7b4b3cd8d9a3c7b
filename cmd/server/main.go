// Command server exposes the moving-average crossover backtester over a
// REST API: feed refresh, synchronous and background backtests, grid
// optimization, Arrow equity export and CSV data management.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"macross/services/config"
	"macross/services/engine"
	"macross/services/export"
	"macross/services/feed"
	"macross/services/marketdata"
	"macross/services/scheduler"
	"macross/services/store"
	"macross/services/tasks"
)

const version = "1.0.0"

type server struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *tasks.Registry
	encoder  *export.Encoder
	bars     *store.Store // set only when the feed source is clickhouse
	started  time.Time
}

func newServer(cfg config.Config, logger *zap.Logger) (*server, error) {
	s := &server{
		cfg:      cfg,
		logger:   logger,
		registry: tasks.NewRegistry(),
		encoder:  export.NewEncoder(),
		started:  time.Now(),
	}
	if cfg.FeedSource == "clickhouse" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := store.Open(ctx, store.Config{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
			Table:    cfg.ClickHouseTable,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open clickhouse store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("ensure clickhouse schema: %w", err)
		}
		s.bars = st
	}
	return s, nil
}

// HTTP handlers for REST API
func (s *server) setupHTTPRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", s.handleHealthCheck)
		api.GET("/stocks", s.handleStocks)
		api.POST("/data/fetch", s.handleDataFetch)
		api.POST("/data/upload", s.handleDataUpload)
		api.POST("/data/manipulate", s.handleDataManipulate)
		api.POST("/backtest", s.handleBacktest)
		api.POST("/backtest/start", s.handleBacktestStart)
		api.GET("/backtest/status/:id", s.handleBacktestStatus)
		api.GET("/backtest/status/:id/equity.arrow", s.handleEquityArrow)
		api.POST("/optimize", s.handleOptimize)
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *server) writeAPIError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": apiError{Code: code, Message: message}})
}

// writeError maps engine sentinel errors onto HTTP statuses; anything
// unrecognized is an internal error and gets logged.
func (s *server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidParameter):
		s.writeAPIError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
	case errors.Is(err, engine.ErrInvalidData):
		s.writeAPIError(c, http.StatusBadRequest, "invalid_data", err.Error())
	case errors.Is(err, engine.ErrEmptyWindow):
		s.writeAPIError(c, http.StatusUnprocessableEntity, "empty_window", err.Error())
	case errors.Is(err, os.ErrNotExist):
		s.writeAPIError(c, http.StatusNotFound, "not_found", err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		s.writeAPIError(c, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *server) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"version":        version,
		"feed_source":    s.cfg.FeedSource,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *server) handleStocks(c *gin.Context) {
	symbols, err := feed.ReadUniverse(s.cfg.UniverseFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeAPIError(c, http.StatusNotFound, "not_found",
				fmt.Sprintf("universe file %s not found", filepath.Base(s.cfg.UniverseFile)))
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stocks": symbols})
}

func (s *server) handleDataFetch(c *gin.Context) {
	var req struct {
		Symbols      []string `json:"symbols"`
		LookbackDays int      `json:"lookback_days"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeAPIError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	symbols := req.Symbols
	if len(symbols) == 0 {
		var err error
		symbols, err = feed.ReadUniverse(s.cfg.UniverseFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.writeAPIError(c, http.StatusNotFound, "not_found",
					fmt.Sprintf("universe file %s not found; upload one or pass symbols", filepath.Base(s.cfg.UniverseFile)))
				return
			}
			s.writeError(c, err)
			return
		}
	}
	lookback := req.LookbackDays
	if lookback <= 0 {
		lookback = s.cfg.FetchLookbackDays
	}

	start, end := marketdata.FetchWindow(time.Now(), lookback)
	res, err := marketdata.UpdateAll(c.Request.Context(), s.fetchSource(), symbols, start, end, s.cfg.ClosingDataFile, s.logger)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) handleDataUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		s.writeAPIError(c, http.StatusBadRequest, "invalid_parameter", "multipart field \"file\" is required")
		return
	}
	name := filepath.Base(fh.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		s.writeAPIError(c, http.StatusBadRequest, "invalid_parameter", "uploaded file has no usable name")
		return
	}
	dst := filepath.Join(s.cfg.DataDir, name)
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("File uploaded", zap.String("file", name), zap.Int64("bytes", fh.Size))
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("file %q uploaded", name)})
}

var manipulateColumns = map[string]bool{
	"symbol": true, "date": true, "open": true,
	"high": true, "low": true, "close": true, "volume": true,
}

func (s *server) handleDataManipulate(c *gin.Context) {
	var req struct {
		FilterColumn string `json:"filter_column"`
		FilterValue  any    `json:"filter_value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeAPIError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	if !manipulateColumns[req.FilterColumn] {
		s.writeAPIError(c, http.StatusBadRequest, "invalid_parameter",
			fmt.Sprintf("unknown filter column %q", req.FilterColumn))
		return
	}

	bars, err := s.loadBars(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	want := scalarString(req.FilterValue)
	records := make([]map[string]string, 0)
	for _, b := range bars {
		cells := barCells(b)
		if cells[req.FilterColumn] == want {
			records = append(records, cells)
		}
	}
	c.JSON(http.StatusOK, gin.H{"rows": len(records), "data": records})
}

func (s *server) handleBacktest(c *gin.Context) {
	cfg, err := engine.DecodeConfig(c.Request.Body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	bars, err := s.loadBars(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	res, err := engine.Run(bars, cfg)
	if err != nil {
		s.writeError(c, err)
		return
	}

	// Persist the ledger the same way the CLI does; a failed side write
	// must not void a finished run.
	if err := feed.WriteTrades(s.cfg.TradeLogFile, res.Trades); err != nil {
		s.logger.Warn("Trade log write failed", zap.Error(err))
	}
	if err := feed.WriteSummary(s.cfg.SummaryFile, res.Metrics); err != nil {
		s.logger.Warn("Summary write failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) handleBacktestStart(c *gin.Context) {
	cfg, err := engine.DecodeConfig(c.Request.Body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(c, err)
		return
	}

	task := s.registry.Create()
	go s.runBacktestTask(task.ID, cfg)
	s.logger.Info("Backtest task accepted", zap.String("task_id", task.ID))
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID, "status": task.State})
}

func (s *server) runBacktestTask(id string, cfg engine.Config) {
	s.registry.MarkRunning(id)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	bars, err := s.loadBars(ctx)
	if err != nil {
		s.registry.Fail(id, err)
		s.logger.Error("Backtest task failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	res, err := engine.Run(bars, cfg)
	if err != nil {
		s.registry.Fail(id, err)
		s.logger.Error("Backtest task failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	s.registry.Complete(id, res)
	s.logger.Info("Backtest task completed",
		zap.String("task_id", id),
		zap.Int("trades", len(res.Trades)),
	)
}

func (s *server) handleBacktestStatus(c *gin.Context) {
	task, ok := s.registry.Get(c.Param("id"))
	if !ok {
		s.writeAPIError(c, http.StatusNotFound, "not_found", "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *server) handleEquityArrow(c *gin.Context) {
	task, ok := s.registry.Get(c.Param("id"))
	if !ok {
		s.writeAPIError(c, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if task.State != tasks.StateCompleted || task.Result == nil {
		s.writeAPIError(c, http.StatusConflict, "not_completed",
			fmt.Sprintf("task is %s, equity export needs a completed run", task.State))
		return
	}
	raw, err := s.encoder.Equity(task.Result.Equity)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/vnd.apache.arrow.stream", raw)
}

func (s *server) handleOptimize(c *gin.Context) {
	var req struct {
		Config    json.RawMessage `json:"config"`
		Grid      engine.Grid     `json:"grid"`
		SplitDate string          `json:"split_date"`
		Workers   int             `json:"workers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeAPIError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	base, err := engine.DecodeConfigBytes(req.Config)
	if err != nil {
		s.writeError(c, err)
		return
	}
	split, err := time.ParseInLocation(engine.DateLayout, req.SplitDate, time.UTC)
	if err != nil {
		s.writeAPIError(c, http.StatusBadRequest, "invalid_parameter",
			fmt.Sprintf("split_date %q is not YYYY-MM-DD", req.SplitDate))
		return
	}

	bars, err := s.loadBars(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	res, err := engine.Optimize(c.Request.Context(), bars, base, req.Grid, split, req.Workers)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := writeJSONFile(s.cfg.OptimizeOutputFile, res); err != nil {
		s.logger.Warn("Optimization result write failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, res)
}

// loadBars resolves the configured feed source into a raw bar slice.
func (s *server) loadBars(ctx context.Context) ([]engine.PriceBar, error) {
	switch s.cfg.FeedSource {
	case "demo":
		return marketdata.DefaultDemoBars(), nil
	case "clickhouse":
		start := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
		return s.bars.QueryBars(ctx, nil, start, end)
	default:
		return feed.ReadBars(s.cfg.ClosingDataFile)
	}
}

// fetchSource picks the market data backend: the HTTP client when a base
// URL is configured, the deterministic generator otherwise.
func (s *server) fetchSource() marketdata.Source {
	if s.cfg.MarketDataBaseURL == "" {
		return marketdata.Demo{}
	}
	return marketdata.NewClient(s.cfg.MarketDataBaseURL, s.cfg.HTTPRetryTotal, s.cfg.HTTPRetryBackoff, s.logger)
}

// refreshFeed is the scheduled variant of /data/fetch.
func (s *server) refreshFeed(ctx context.Context) {
	symbols, err := feed.ReadUniverse(s.cfg.UniverseFile)
	if err != nil {
		s.logger.Warn("Scheduled refresh skipped", zap.Error(err))
		return
	}
	start, end := marketdata.FetchWindow(time.Now(), s.cfg.FetchLookbackDays)
	if _, err := marketdata.UpdateAll(ctx, s.fetchSource(), symbols, start, end, s.cfg.ClosingDataFile, s.logger); err != nil {
		s.logger.Error("Scheduled refresh failed", zap.Error(err))
	}
}

func (s *server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		s.logger.Info("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(begin)),
		)
	}
}

func barCells(b engine.PriceBar) map[string]string {
	return map[string]string{
		"symbol": b.Symbol,
		"date":   b.Date.Format(engine.DateLayout),
		"open":   cellString(b.Open),
		"high":   cellString(b.High),
		"low":    cellString(b.Low),
		"close":  cellString(b.Close),
		"volume": cellString(b.Volume),
	}
}

func cellString(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func writeJSONFile(path string, v any) error {
	return feed.WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting backtest service",
		zap.String("version", version),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("feed_source", cfg.FeedSource),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data dir", zap.Error(err))
	}

	service, err := newServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create service", zap.Error(err))
	}

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), service.requestLogger())
	service.setupHTTPRoutes(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	appCtx, cancel := context.WithCancel(context.Background())

	// Start scheduled feed refresh
	if cfg.ScheduleEnabled {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Fatal("Invalid timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
		}
		sched := scheduler.New(cfg.ScheduleHour, cfg.ScheduleMinute, loc, service.refreshFeed, logger)
		go sched.Run(appCtx)
	}

	// Start server
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	if service.bars != nil {
		service.bars.Close()
	}
	logger.Info("Server stopped")
}
