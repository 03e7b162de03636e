package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/scheduler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	cfg.DB.Path = ":memory:"
	cfg.Redis.Enabled = false
	cfg.Kafka.Enabled = false
	cfg.Scheduler.Enabled = false
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

func TestNew_WiresEngineAndJobs(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	a, err := New(context.Background(), testConfig(t), nil, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, []string{scheduler.JobExpireCredits, scheduler.JobSendExpiryNotices}, a.Scheduler.Jobs())

	// GIVEN: a bucket that lapsed yesterday
	ctx := context.Background()
	_, err = a.Engine.IssueCredits(ctx, 7, 5, now.Add(-24*time.Hour), nil, credits.Note{})
	require.NoError(t, err)

	// WHEN: the expiry job runs
	run, err := a.Scheduler.RunNow(ctx, scheduler.JobExpireCredits)
	require.NoError(t, err)

	// THEN: it expired the bucket and the run was stored
	assert.Equal(t, scheduler.StatusSucceeded, run.Status)
	assert.Equal(t, 1, run.Result.Processed)
	assert.Equal(t, int64(5), run.Result.Credits)

	runs, err := a.Store.SweepRuns(ctx, scheduler.JobExpireCredits, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(5), runs[0].Credits)

	// AND: the metrics registry saw the run
	n, err := testutil.GatherAndCount(a.Registry, "credits_job_success_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRouter_RequiresSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Router()
	assert.Error(t, err)
}

func TestRouter_ServesHealthMetricsAndAPI(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	router, err := a.Router()
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/users")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	auth, err := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	require.NoError(t, err)
	token, err := auth.Mint(credits.Subject{UserID: 1, Roles: []string{credits.RoleManage}}, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/users/3",
		strings.NewReader(`{"first_name":"Ada","last_name":"Lovelace","email":"ada@example.com"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	u, err := a.Store.GetUser(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "Ada", u.FirstName)
}
