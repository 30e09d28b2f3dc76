package api

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

	"github.com/JakeFAU/notam-pipeline/internal/retryqueue"
	"github.com/JakeFAU/notam-pipeline/internal/store"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeRetryQueue{}), http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ok := NewServer(&fakeRetryQueue{}, Config{}, zap.NewNop(), fakePinger{})
	rec := serve(t, ok, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(&fakeRetryQueue{}, Config{}, zap.NewNop(), fakePinger{}, fakePinger{err: errors.New("db down")})
	rec = serve(t, down, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeRetryQueue{}), http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestServer_ListFailed(t *testing.T) {
	t.Parallel()

	q := &fakeRetryQueue{entries: []retryqueue.Entry{
		{FailedNotice: store.FailedNotice{ID: 7, NotamNumber: "A3/25", Airport: "KSFO", RetryCount: 1}, Status: store.StatusPendingRetry},
	}}
	rec := serve(t, newTestServer(q), http.MethodGet, "/v1/failed?limit=10", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, q.lastLimit)

	var body struct {
		Failed []retryqueue.Entry `json:"failed"`
		Count  int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "A3/25", body.Failed[0].NotamNumber)
	assert.Equal(t, store.StatusPendingRetry, body.Failed[0].Status)
}

func TestServer_ListFailedLimits(t *testing.T) {
	t.Parallel()

	q := &fakeRetryQueue{}
	server := newTestServer(q)

	rec := serve(t, server, http.MethodGet, "/v1/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultFailedLimit, q.lastLimit)

	rec = serve(t, server, http.MethodGet, "/v1/failed?limit=100000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxFailedLimit, q.lastLimit)

	rec = serve(t, server, http.MethodGet, "/v1/failed?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListFailedError(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeRetryQueue{err: errors.New("boom")}), http.MethodGet, "/v1/failed", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "boom")
}

func TestServer_FailedStats(t *testing.T) {
	t.Parallel()

	q := &fakeRetryQueue{stats: store.FailedStats{Total: 4, New: 1, PendingRetry: 2, Exhausted: 1}}
	rec := serve(t, newTestServer(q), http.MethodGet, "/v1/failed/stats", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got store.FailedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, q.stats, got)
}

func TestServer_TriggerRetry(t *testing.T) {
	t.Parallel()

	q := &fakeRetryQueue{report: retryqueue.RunReport{Selected: 3, Resolved: 2, Requeued: 1}}
	rec := serve(t, newTestServer(q), http.MethodPost, "/v1/retries", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got retryqueue.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, q.report, got)
}

func TestServer_TriggerRetryConflict(t *testing.T) {
	t.Parallel()

	q := &fakeRetryQueue{runErr: retryqueue.ErrRunInProgress}
	rec := serve(t, newTestServer(q), http.MethodPost, "/v1/retries", nil)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_TriggerRetryFailure(t *testing.T) {
	t.Parallel()

	q := &fakeRetryQueue{runErr: errors.New("persist retry batch: tx aborted"), report: retryqueue.RunReport{Selected: 2}}
	rec := serve(t, newTestServer(q), http.MethodPost, "/v1/retries", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), `"selected":2`)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeRetryQueue{}, Config{APIKey: "secret"}, zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/v1/failed/stats", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/failed/stats", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/failed/stats?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareKeepsIncomingID(t *testing.T) {
	t.Parallel()

	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	handler := timeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- helpers/fakes ---

func newTestServer(q RetryQueue) *Server {
	return NewServer(q, Config{RequestTimeout: time.Second}, zap.NewNop())
}

func serve(t *testing.T, s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeRetryQueue struct {
	entries   []retryqueue.Entry
	stats     store.FailedStats
	report    retryqueue.RunReport
	err       error
	runErr    error
	lastLimit int
}

func (q *fakeRetryQueue) List(_ context.Context, limit int) ([]retryqueue.Entry, error) {
	q.lastLimit = limit
	return q.entries, q.err
}

func (q *fakeRetryQueue) Stats(context.Context) (store.FailedStats, error) {
	return q.stats, q.err
}

func (q *fakeRetryQueue) RunOnce(context.Context) (retryqueue.RunReport, error) {
	return q.report, q.runErr
}
