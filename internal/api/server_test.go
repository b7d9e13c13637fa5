package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeve/reeve/internal/common/config"
	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/db"
	"github.com/reeve/reeve/internal/pulse/models"
	"github.com/reeve/reeve/internal/pulse/queue"
	"github.com/reeve/reeve/internal/pulse/repository"
)

const testToken = "test-token-123"

func newTestServer(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "pulses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := repository.NewWithDB(pool.Writer(), pool.Reader())
	require.NoError(t, err)
	q := queue.New(repo, logger.Default())

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:  "127.0.0.1",
			Port:  8765,
			Token: testToken,
		},
		Daemon: config.DaemonConfig{MaxConcurrent: 1},
		Runner: config.RunnerConfig{Command: "hapi", DeskPath: "/tmp/desk"},
	}
	srv, err := NewServer(cfg, q, nil, logger.Default())
	require.NoError(t, err)
	return srv, q
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestNewServerRequiresToken(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 8765}}
	_, err := NewServer(cfg, nil, nil, logger.Default())
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestHealthNoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "reeve-pulse-daemon", resp["service"])
}

func TestResponsesCarryRequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAuthMissingTokenIs401(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthWrongTokenIs403(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/status", "wrong-token", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestScheduleCreatesPendingPulse(t *testing.T) {
	srv, q := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/pulse/schedule", testToken, ScheduleRequest{
		Prompt:      "review the inbox",
		ScheduledAt: "in 5 minutes",
		Priority:    "high",
		StickyNotes: []string{"skip newsletters"},
		Tags:        []string{"email"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp ScheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Greater(t, resp.PulseID, int64(0))
	assert.Equal(t, "pulse scheduled", resp.Message)

	scheduledAt, err := time.Parse(time.RFC3339, resp.ScheduledAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), scheduledAt, 2*time.Second)

	p, err := q.Get(context.Background(), resp.PulseID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Equal(t, models.PriorityHigh, p.Priority)
	assert.Equal(t, "api", p.CreatedBy)
	assert.Equal(t, []string{"skip newsletters"}, p.StickyNotes)
	assert.Equal(t, []string{"email"}, p.Tags)
}

func TestScheduleSourceAttribution(t *testing.T) {
	srv, q := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/pulse/schedule", testToken, ScheduleRequest{
		Prompt:      "external",
		ScheduledAt: "now",
		Priority:    "critical",
		Source:      "telegram",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp ScheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	p, err := q.Get(context.Background(), resp.PulseID)
	require.NoError(t, err)
	assert.Equal(t, "telegram", p.CreatedBy)

	// created_by still works as an alias.
	w = doRequest(t, srv, http.MethodPost, "/api/pulse/schedule", testToken, ScheduleRequest{
		Prompt:    "legacy caller",
		CreatedBy: "cron",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	p, err = q.Get(context.Background(), resp.PulseID)
	require.NoError(t, err)
	assert.Equal(t, "cron", p.CreatedBy)
}

func TestScheduleDefaultsToNow(t *testing.T) {
	srv, q := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/pulse/schedule", testToken, ScheduleRequest{
		Prompt: "immediate",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp ScheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	p, err := q.Get(context.Background(), resp.PulseID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), p.ScheduledAt, 2*time.Second)
}

func TestScheduleValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/pulse/schedule", testToken, ScheduleRequest{
		Prompt:      "x",
		ScheduledAt: "tomorrow at 9am",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv, http.MethodPost, "/api/pulse/schedule", testToken, ScheduleRequest{
		Prompt: "",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv, http.MethodPost, "/api/pulse/schedule", testToken, ScheduleRequest{
		Prompt:   "x",
		Priority: "urgent",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	long := strings.Repeat("x", models.MaxPromptLength+1)
	w = doRequest(t, srv, http.MethodPost, "/api/pulse/schedule", testToken, ScheduleRequest{
		Prompt: long,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpcomingTruncatesPrompts(t *testing.T) {
	srv, q := newTestServer(t)
	ctx := context.Background()

	long := strings.Repeat("a", 300)
	_, err := q.Schedule(ctx, queue.ScheduleRequest{
		ScheduledAt: time.Now().Add(time.Hour),
		Prompt:      long,
	})
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodGet, "/api/pulse/upcoming", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Pulses []UpcomingPulse `json:"pulses"`
		Count  int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.LessOrEqual(t, len([]rune(resp.Pulses[0].Prompt)), 103)
	assert.True(t, strings.HasSuffix(resp.Pulses[0].Prompt, "..."))
}

func TestUpcomingLimitValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/pulse/upcoming?limit=0", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/pulse/upcoming?limit=abc", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/pulse/upcoming?limit=101", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusReportsQueueCounters(t *testing.T) {
	srv, q := newTestServer(t)
	ctx := context.Background()

	_, err := q.Schedule(ctx, queue.ScheduleRequest{
		ScheduledAt: time.Now().Add(time.Hour),
		Prompt:      "pending one",
	})
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodGet, "/api/status", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string `json:"status"`
		Queue  struct {
			Pending int `json:"pending"`
		} `json:"queue"`
		Config struct {
			MaxConcurrent int    `json:"max_concurrent"`
			RunnerCommand string `json:"runner_command"`
		} `json:"config"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Queue.Pending)
	assert.Equal(t, 1, resp.Config.MaxConcurrent)
	assert.Equal(t, "hapi", resp.Config.RunnerCommand)
}
