package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikills/tenantgraph/tg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userPolicy() tg.ComparisonPolicy {
	return tg.ComparisonPolicy{
		EntityType:    "user",
		CompareFields: []string{"displayName"},
		TrackDeletes:  true,
		SoftDelete:    true,
	}
}

func writeUserExport(t *testing.T, dir string, lines string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.jsonl"), []byte(lines), 0o644))
}

func newTestApp(t *testing.T, cfg AppConfig) (string, *App, *tg.TestHarness, string) {
	t.Helper()

	exportDir := t.TempDir()
	writeUserExport(t, exportDir, `{"id":"u1","entityType":"user","displayName":"Alice"}`+"\n")

	collector := &tg.FileCollector{PipelineName: "users", Type: "user", SourceDir: exportDir}
	harness := tg.NewTestHarness(t, "tenant-a").
		WithPipeline(collector, userPolicy(), true).
		Setup()

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	app := NewApp(harness.Controller(), cfg)
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		_ = app.Stop(context.Background())
		_ = app.Wait()
	})
	require.NotEmpty(t, app.Address())
	return "http://" + app.Address(), app, harness, exportDir
}

func TestAppHTTP(t *testing.T) {
	t.Run("endpoints", testAppEndpoints)
	t.Run("trigger_and_inspect_run", testAppTriggerAndInspectRun)
	t.Run("invalid_since_rejected", testAppInvalidSince)
	t.Run("tenant_id_middleware", testAppTenantIDMiddleware)
	t.Run("background_run_scheduler", testAppBackgroundScheduler)
}

func testAppEndpoints(t *testing.T) {
	base, _, _, _ := newTestApp(t, AppConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "healthz", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", status: http.StatusOK},
		{name: "runs_latest_empty", method: http.MethodGet, path: "/runs/latest", status: http.StatusNotFound},
		{name: "run_unknown_id", method: http.MethodGet, path: "/runs/nope", status: http.StatusNotFound},
		{name: "changes_without_filter", method: http.MethodGet, path: "/changes", status: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, base+tc.path, nil)
			require.NoError(t, err)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func testAppTriggerAndInspectRun(t *testing.T) {
	base, _, harness, _ := newTestApp(t, AppConfig{})

	resp, err := http.Post(base+"/runs", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary tg.RunSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Totals.New)

	t.Run("latest_run", func(t *testing.T) {
		resp, err := http.Get(base + "/runs/latest")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var latest tg.RunSummary
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&latest))
		assert.Equal(t, summary.RunID, latest.RunID)
	})

	t.Run("run_by_id", func(t *testing.T) {
		resp, err := http.Get(base + "/runs/" + summary.RunID)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("changes_by_entity", func(t *testing.T) {
		resp, err := http.Get(base + "/changes?entity_type=user&entity_id=u1")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Changes []tg.ChangeRecord `json:"changes"`
			Count   int               `json:"count"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, 1, body.Count)
		assert.Equal(t, tg.ChangeNew, body.Changes[0].Change)
	})

	t.Run("changes_by_time_range", func(t *testing.T) {
		from := summary.StartedAt.Add(-time.Minute).Format(time.RFC3339)
		to := summary.FinishedAt.Add(time.Minute).Format(time.RFC3339)
		resp, err := http.Get(base + "/changes?from=" + from + "&to=" + to)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, 1, body.Count)
	})

	// the run summary was persisted through the controller's store too
	latest, err := harness.Runs().LatestSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, latest.RunID)
}

func testAppInvalidSince(t *testing.T) {
	base, _, _, _ := newTestApp(t, AppConfig{})

	resp, err := http.Post(base+"/runs", "application/json", bytes.NewBufferString(`{"since":"yesterday"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func testAppTenantIDMiddleware(t *testing.T) {
	base, _, _, _ := newTestApp(t, AppConfig{})

	tests := []struct {
		name            string
		sendHeader      string
		expectHeader    string
		expectHeaderSet bool
	}{
		{
			name:            "echoes_header_back",
			sendHeader:      "tenant-west-1",
			expectHeader:    "tenant-west-1",
			expectHeaderSet: true,
		},
		{
			name:            "no_header_no_response_header",
			sendHeader:      "",
			expectHeader:    "",
			expectHeaderSet: false,
		},
		{
			name:            "whitespace_only_treated_as_absent",
			sendHeader:      "   ",
			expectHeader:    "",
			expectHeaderSet: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, base+"/healthz", nil)
			require.NoError(t, err)

			if tc.sendHeader != "" {
				req.Header.Set(tenantIDHeader, tc.sendHeader)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)

			got := resp.Header.Get(tenantIDHeader)
			if tc.expectHeaderSet {
				assert.Equal(t, tc.expectHeader, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func testAppBackgroundScheduler(t *testing.T) {
	_, _, harness, _ := newTestApp(t, AppConfig{RunInterval: 20 * time.Millisecond})

	require.Eventually(t,
		func() bool {
			_, err := harness.Runs().LatestSummary(context.Background())
			return err == nil
		},
		2*time.Second,
		20*time.Millisecond,
	)
}
