package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/store"
)

type fakeRunner struct {
	release chan struct{}
	calls   chan struct{}
	err     error
}

func (f *fakeRunner) Run(ctx context.Context) (*model.RunVerdict, error) {
	f.calls <- struct{}{}
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.RunVerdict{RunID: "run-1"}, nil
}

type fakeVerdictStore struct {
	pingErr  error
	listErr  error
	verdicts []model.RunVerdict
	filter   store.VerdictFilter
}

func (f *fakeVerdictStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeVerdictStore) ListRunVerdicts(_ context.Context, filter store.VerdictFilter) ([]model.RunVerdict, error) {
	f.filter = filter
	return f.verdicts, f.listErr
}

func newTestAPI(t *testing.T, r runner, st verdictReader) http.Handler {
	t.Helper()
	return newAPIServer(context.Background(), r, st, zap.NewNop()).routes()
}

func doRequest(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestAPI_Health(t *testing.T) {
	h := newTestAPI(t, nil, &fakeVerdictStore{})

	rr := doRequest(h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_Health_StoreDown(t *testing.T) {
	h := newTestAPI(t, nil, &fakeVerdictStore{pingErr: errors.New("connection refused")})

	rr := doRequest(h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection refused")
}

func TestAPI_Metrics(t *testing.T) {
	h := newTestAPI(t, nil, &fakeVerdictStore{})

	rr := doRequest(h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "# HELP")
}

func TestAPI_TriggerRun_OneAtATime(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{}), calls: make(chan struct{}, 2)}
	api := newAPIServer(context.Background(), r, &fakeVerdictStore{}, zap.NewNop())
	h := api.routes()

	rr := doRequest(h, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case <-r.calls:
	case <-time.After(time.Second):
		t.Fatal("run was not started")
	}

	rr = doRequest(h, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusConflict, rr.Code)

	close(r.release)
	api.wait()

	rr = doRequest(h, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	<-r.calls
	api.wait()
}

func TestAPI_TriggerRun_FailureFreesSlot(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{}), calls: make(chan struct{}, 2), err: errors.New("boom")}
	close(r.release)
	api := newAPIServer(context.Background(), r, &fakeVerdictStore{}, zap.NewNop())
	h := api.routes()

	assert.Equal(t, http.StatusAccepted, doRequest(h, http.MethodPost, "/runs").Code)
	<-r.calls
	api.wait()
	assert.False(t, api.running.Load())
}

func TestAPI_ListVerdicts(t *testing.T) {
	st := &fakeVerdictStore{verdicts: []model.RunVerdict{{RunID: "run-1"}, {RunID: "run-2"}}}
	h := newTestAPI(t, nil, st)

	rr := doRequest(h, http.MethodGet, "/verdicts?limit=5&since=2026-10-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rr.Code)

	var got []model.RunVerdict
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Len(t, got, 2)
	assert.Equal(t, 5, st.filter.Limit)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), st.filter.Since)
}

func TestAPI_ListVerdicts_EmptyIsArray(t *testing.T) {
	st := &fakeVerdictStore{}
	h := newTestAPI(t, nil, st)

	rr := doRequest(h, http.MethodGet, "/verdicts")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
	assert.Equal(t, 20, st.filter.Limit)
}

func TestAPI_ListVerdicts_BadParams(t *testing.T) {
	h := newTestAPI(t, nil, &fakeVerdictStore{})

	assert.Equal(t, http.StatusBadRequest, doRequest(h, http.MethodGet, "/verdicts?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(h, http.MethodGet, "/verdicts?since=yesterday").Code)
}

func TestAPI_ListVerdicts_StoreError(t *testing.T) {
	h := newTestAPI(t, nil, &fakeVerdictStore{listErr: errors.New("db gone")})

	rr := doRequest(h, http.MethodGet, "/verdicts")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "db gone")
}

func TestAPI_UnknownRoute(t *testing.T) {
	h := newTestAPI(t, nil, &fakeVerdictStore{})
	assert.Equal(t, http.StatusNotFound, doRequest(h, http.MethodGet, "/nope").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, doRequest(h, http.MethodGet, "/runs").Code)
}
