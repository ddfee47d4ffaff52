package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mikills/tenantgraph/tg"

	"github.com/labstack/echo/v4"
)

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
)

type Dependencies struct {
	Metrics            tg.SyncMetrics
	TriggerRun         func(context.Context, *time.Time) (*tg.RunSummary, error)
	LatestRun          func(context.Context) (*tg.RunSummary, error)
	RunByID            func(context.Context, string) (*tg.RunSummary, error)
	ChangesByEntity    func(context.Context, string, string, int) ([]tg.ChangeRecord, error)
	ChangesByTimeRange func(context.Context, time.Time, time.Time, int) ([]tg.ChangeRecord, error)
	Logger             *slog.Logger
}

type triggerRunRequest struct {
	// Since overrides the incremental-collection window; RFC 3339.
	Since string `json:"since"`
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = tg.NoopSyncMetrics{}
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	e.GET("/metrics", func(c echo.Context) error {
		return c.JSON(http.StatusOK, metrics.Snapshot())
	})

	e.POST("/runs", func(c echo.Context) error {
		if deps.TriggerRun == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "synchronization unavailable"})
		}

		var req triggerRunRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}

		var since *time.Time
		if raw := strings.TrimSpace(req.Since); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid since timestamp: %q", raw)})
			}
			since = &ts
		}

		summary, err := deps.TriggerRun(c.Request().Context(), since)
		if err != nil {
			if errors.Is(err, tg.ErrRunLeaseConflict) {
				return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
			}
			if summary == nil {
				logger.ErrorContext(c.Request().Context(), "run trigger failed", "error", err)
				return WriteError(c, err)
			}
			// The run produced a summary even though it failed; report
			// the partial outcome and let callers inspect success.
			logger.WarnContext(c.Request().Context(), "run finished with failures",
				"run_id", summary.RunID,
				"error", err,
			)
		}
		return c.JSON(http.StatusOK, summary)
	})

	e.GET("/runs/latest", func(c echo.Context) error {
		if deps.LatestRun == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "run store unavailable"})
		}
		summary, err := deps.LatestRun(c.Request().Context())
		if err != nil {
			if errors.Is(err, tg.ErrRunSummaryNotFound) {
				return c.JSON(http.StatusNotFound, map[string]any{"error": "no runs recorded"})
			}
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, summary)
	})

	e.GET("/runs/:id", func(c echo.Context) error {
		if deps.RunByID == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "run store unavailable"})
		}
		runID := strings.TrimSpace(c.Param("id"))
		if runID == "" {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "run id is required"})
		}
		summary, err := deps.RunByID(c.Request().Context(), runID)
		if err != nil {
			if errors.Is(err, tg.ErrRunSummaryNotFound) {
				return c.JSON(http.StatusNotFound, map[string]any{"error": fmt.Sprintf("run %s not found", runID)})
			}
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, summary)
	})

	e.GET("/changes", func(c echo.Context) error {
		entityType := strings.TrimSpace(c.QueryParam("entity_type"))
		entityID := strings.TrimSpace(c.QueryParam("entity_id"))

		limit := defaultChangesLimit
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			}
			limit = n
		}
		if limit > maxChangesLimit {
			limit = maxChangesLimit
		}

		if entityID != "" {
			if deps.ChangesByEntity == nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "change ledger unavailable"})
			}
			if entityType == "" {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "entity_type is required with entity_id"})
			}
			records, err := deps.ChangesByEntity(c.Request().Context(), entityType, entityID, limit)
			if err != nil {
				return WriteError(c, err)
			}
			return c.JSON(http.StatusOK, map[string]any{"changes": records, "count": len(records)})
		}

		if deps.ChangesByTimeRange == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "change ledger unavailable"})
		}
		from, err := parseTimeParam(c.QueryParam("from"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}
		to, err := parseTimeParam(c.QueryParam("to"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}
		if from.IsZero() || to.IsZero() {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "either entity_type+entity_id or from+to is required"})
		}
		if !to.After(from) {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "to must be after from"})
		}

		records, err := deps.ChangesByTimeRange(c.Request().Context(), from, to, limit)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"changes": records, "count": len(records)})
	})
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %q", raw)
	}
	return ts, nil
}

func WriteError(c echo.Context, err error) error {
	return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
}
