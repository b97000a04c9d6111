package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/callscore-engine/internal/domain"
	"github.com/anthropics/callscore-engine/internal/metrics"
	"github.com/anthropics/callscore-engine/internal/store"
)

type fakeCanceller struct {
	unitIDs []string
	err     error
}

func (f *fakeCanceller) CancelUnit(_ context.Context, unitID string) error {
	if f.err != nil {
		return f.err
	}
	f.unitIDs = append(f.unitIDs, unitID)
	return nil
}

func newTestServer(t *testing.T) (*store.Memory, *fakeCanceller, *httptest.Server) {
	t.Helper()
	st := store.NewMemory()
	canceller := &fakeCanceller{}
	h := &Handler{Store: st, Canceller: canceller, Threshold: 75, Version: "test"}
	srv := httptest.NewServer(NewServer(h, ":0", metrics.New().Registry()).httpServer.Handler)
	t.Cleanup(srv.Close)
	return st, canceller, srv
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, _, srv := newTestServer(t)

	var hr HealthResponse
	code := getJSON(t, srv.URL+"/api/v1/health", &hr)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, 75, hr.Threshold)
}

func TestRunSummary(t *testing.T) {
	st, _, srv := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.PutUnit(ctx, domain.WorkUnit{ID: "alice", Status: domain.UnitRunning}))
	require.NoError(t, st.PutUnit(ctx, domain.WorkUnit{ID: "bob", Status: domain.UnitClassified}))
	require.NoError(t, st.PutJob(ctx, domain.Job{ID: "alice-a1", UnitID: "alice", State: domain.JobRunning, Attempt: 1}))

	var rs RunSummary
	code := getJSON(t, srv.URL+"/api/v1/run", &rs)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, rs.Units)
	assert.Equal(t, 1, rs.ByStatus["running"])
	assert.Equal(t, 1, rs.ByStatus["classified"])
	assert.Equal(t, 1, rs.JobsInFlight)
}

func TestListAndGetUnits(t *testing.T) {
	st, _, srv := newTestServer(t)
	require.NoError(t, st.PutUnit(context.Background(), domain.WorkUnit{ID: "alice", Status: domain.UnitDiscovered}))

	var units []domain.WorkUnit
	code := getJSON(t, srv.URL+"/api/v1/units", &units)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, units, 1)

	var unit domain.WorkUnit
	code = getJSON(t, srv.URL+"/api/v1/units/alice", &unit)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", unit.ID)

	code = getJSON(t, srv.URL+"/api/v1/units/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListUnitJobs(t *testing.T) {
	st, _, srv := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.PutUnit(ctx, domain.WorkUnit{ID: "alice", Status: domain.UnitRunning}))
	require.NoError(t, st.PutJob(ctx, domain.Job{ID: "alice-a1", UnitID: "alice", State: domain.JobFailed, Attempt: 1}))
	require.NoError(t, st.PutJob(ctx, domain.Job{ID: "alice-a2", UnitID: "alice", State: domain.JobRunning, Attempt: 2}))

	var jobs []domain.Job
	code := getJSON(t, srv.URL+"/api/v1/units/alice/jobs", &jobs)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[0].Attempt)

	code = getJSON(t, srv.URL+"/api/v1/units/ghost/jobs", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelUnitEndpoint(t *testing.T) {
	st, canceller, srv := newTestServer(t)
	require.NoError(t, st.PutUnit(context.Background(), domain.WorkUnit{ID: "alice", Status: domain.UnitRunning}))

	resp, err := http.Post(srv.URL+"/api/v1/units/alice/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"alice"}, canceller.unitIDs)
}

func TestCancelUnknownUnit(t *testing.T) {
	_, canceller, srv := newTestServer(t)
	canceller.err = domain.ErrUnitNotFound

	resp, err := http.Post(srv.URL+"/api/v1/units/ghost/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, domain.ErrUnitNotFound.Code, apiErr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	_, _, srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/health", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestFormatListenURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8700", FormatListenURL(":8700"))
	assert.Equal(t, "http://127.0.0.1:8700", FormatListenURL("127.0.0.1:8700"))
}
