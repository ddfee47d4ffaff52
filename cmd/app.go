package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mikills/tenantgraph/tg"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// scheduledRunTimeout bounds one background synchronization run.
const scheduledRunTimeout = 10 * time.Minute

// tenantIDHeader is the header the ingress uses to forward the tenant
// routing key.
const tenantIDHeader = "X-Tenant-ID"

// tenantIDContextKey is the echo context key for the resolved tenant id.
const tenantIDContextKey = "tenant_id"

type AppConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// RunInterval enables the background run scheduler when positive;
	// zero leaves runs to be triggered over HTTP only.
	RunInterval time.Duration

	Logger *slog.Logger
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Logger:            slog.Default(),
	}
}

type App struct {
	controller *tg.Controller
	echo       *echo.Echo
	config     AppConfig
	logger     *slog.Logger
	metrics    tg.SyncMetrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool

	// runMu serializes run triggers within this process; cross-process
	// serialization is the lease manager's job.
	runMu        sync.Mutex
	lastRunStart *time.Time

	schedulerCancel context.CancelFunc
	schedulerDone   chan struct{}
}

func NewApp(controller *tg.Controller, cfg AppConfig) *App {
	cfg = mergeWithDefaultAppConfig(cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := tg.SyncMetrics(tg.NoopSyncMetrics{})
	if controller != nil && controller.Metrics != nil {
		metrics = controller.Metrics
	} else if m := tg.NewInMemSyncMetrics(); m != nil {
		metrics = m
		if controller != nil {
			controller.Metrics = m
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(requestLoggerMiddleware(logger, metrics))
	e.Use(tenantIDMiddleware())

	app := &App{
		controller: controller,
		echo:       e,
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		errCh:      make(chan error, 1),
	}
	app.registerRoutes()
	return app
}

// tenantIDMiddleware extracts the X-Tenant-ID header set by
// consistent-hash ingress routing and stores it in the echo context for
// observability. the value is also echoed back in the response header
// for debugging.
func tenantIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(tenantIDHeader))
			if id != "" {
				c.Set(tenantIDContextKey, id)
				c.Response().Header().Set(tenantIDHeader, id)
			}
			return next(c)
		}
	}
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	d := DefaultAppConfig()
	if cfg.Address != "" {
		d.Address = cfg.Address
	}
	if cfg.ReadHeaderTimeout > 0 {
		d.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		d.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if cfg.RunInterval > 0 {
		d.RunInterval = cfg.RunInterval
	}
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	}
	return d
}

func requestLoggerMiddleware(logger *slog.Logger, metrics tg.SyncMetrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = tg.NoopSyncMetrics{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}
			latencyMS := time.Since(start).Milliseconds()
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			metrics.RecordRequest(c.Request().Method, path, status, latencyMS)
			attrs := []any{
				"method", c.Request().Method,
				"path", path,
				"status", status,
				"latency_ms", latencyMS,
				"remote_ip", c.RealIP(),
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.ErrorContext(c.Request().Context(), "http request", attrs...)
			case status >= http.StatusBadRequest:
				logger.WarnContext(c.Request().Context(), "http request", attrs...)
			default:
				logger.InfoContext(c.Request().Context(), "http request", attrs...)
			}
			return nil
		}
	}
}

func (a *App) registerRoutes() {
	deps := Dependencies{
		Metrics: a.metrics,
		TriggerRun: func(ctx context.Context, since *time.Time) (*tg.RunSummary, error) {
			if a.controller == nil {
				return nil, fmt.Errorf("controller unavailable")
			}
			return a.triggerRun(ctx, since)
		},
		LatestRun: func(ctx context.Context) (*tg.RunSummary, error) {
			if a.controller == nil || a.controller.Runs == nil {
				return nil, fmt.Errorf("run store unavailable")
			}
			return a.controller.Runs.LatestSummary(ctx)
		},
		RunByID: func(ctx context.Context, runID string) (*tg.RunSummary, error) {
			if a.controller == nil || a.controller.Runs == nil {
				return nil, fmt.Errorf("run store unavailable")
			}
			return a.controller.Runs.SummaryByID(ctx, runID)
		},
		ChangesByEntity: func(ctx context.Context, entityType, entityID string, limit int) ([]tg.ChangeRecord, error) {
			if a.controller == nil || a.controller.Ledger == nil {
				return nil, fmt.Errorf("change ledger unavailable")
			}
			return a.controller.Ledger.ByEntity(ctx, entityType, entityID, limit)
		},
		ChangesByTimeRange: func(ctx context.Context, from, to time.Time, limit int) ([]tg.ChangeRecord, error) {
			if a.controller == nil || a.controller.Ledger == nil {
				return nil, fmt.Errorf("change ledger unavailable")
			}
			return a.controller.Ledger.ByTimeRange(ctx, from, to, limit)
		},
		Logger: a.logger,
	}
	Register(a.echo, deps)
}

// triggerRun executes one synchronization run. A caller-supplied since
// wins; otherwise the previous run's start time bounds windowed
// collectors. Concurrent triggers within this process are rejected
// rather than queued.
func (a *App) triggerRun(ctx context.Context, since *time.Time) (*tg.RunSummary, error) {
	if !a.runMu.TryLock() {
		return nil, fmt.Errorf("tenant %s: %w", a.controller.TenantID, tg.ErrRunLeaseConflict)
	}
	defer a.runMu.Unlock()

	if since == nil {
		a.mu.Lock()
		since = a.lastRunStart
		a.mu.Unlock()
	}

	summary, err := a.controller.Run(ctx, since)
	if summary != nil {
		started := summary.StartedAt
		a.mu.Lock()
		a.lastRunStart = &started
		a.mu.Unlock()
	}
	return summary, err
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	a.seedLastRunStartLocked()

	if a.controller != nil {
		a.startRunSchedulerLocked()
	}

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		if a.controller != nil {
			a.stopRunSchedulerLocked()
		}
		return err
	}
	a.listener = ln
	a.started = true

	srv := &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}
	a.echo.Server = srv

	go func() {
		err := a.echo.Server.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		a.errCh <- err
	}()

	return nil
}

// seedLastRunStartLocked restores the incremental-collection window from
// the persisted run history, so a restart does not force full
// re-collection on windowed pipelines.
func (a *App) seedLastRunStartLocked() {
	if a.controller == nil || a.controller.Runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	latest, err := a.controller.Runs.LatestSummary(ctx)
	if err != nil {
		return
	}
	started := latest.StartedAt
	a.lastRunStart = &started
}

func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	addr := a.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "::" || host == "0.0.0.0" || host == "[::]" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (a *App) Wait() error {
	return <-a.errCh
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if !started {
		return nil
	}

	if a.controller != nil {
		a.mu.Lock()
		a.stopRunSchedulerLocked()
		a.mu.Unlock()
	}

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}

	if err := a.echo.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}

func (a *App) startRunSchedulerLocked() {
	if a.controller == nil || a.config.RunInterval <= 0 {
		return
	}
	if a.schedulerCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.schedulerCancel = cancel
	a.schedulerDone = done
	interval := a.config.RunInterval

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCtx, runCancel := context.WithTimeout(context.Background(), scheduledRunTimeout)
				if _, err := a.triggerRun(runCtx, nil); err != nil {
					a.logger.Error("scheduled run failed", "reason", "scheduled_run_failed", "error", err)
				}
				runCancel()
			}
		}
	}()
}

func (a *App) stopRunSchedulerLocked() {
	if a.schedulerCancel == nil {
		return
	}
	cancel := a.schedulerCancel
	done := a.schedulerDone
	a.schedulerCancel = nil
	a.schedulerDone = nil
	cancel()
	if done != nil {
		<-done
	}
}
