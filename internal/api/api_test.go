package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/myrad-labs/myrad/internal/config"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/pipeline"
	"github.com/myrad-labs/myrad/internal/query"
	"github.com/myrad-labs/myrad/internal/resilience"
	"github.com/myrad-labs/myrad/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubProcessor struct{ err error }

func (s stubProcessor) Process(context.Context, model.Submission) (*pipeline.Result, error) {
	return nil, s.err
}

func newTestServer(t *testing.T, k int) (*httptest.Server, *store.FileStore) {
	t.Helper()
	st, err := store.NewFile(t.TempDir())
	require.NoError(t, err)
	reg, err := pipeline.NewRegistry()
	require.NoError(t, err)
	p := pipeline.New(config.PipelineConfig{MinKAnonymity: k}, reg, st)
	f, err := query.New(st, config.QueryConfig{DefaultLimit: 100, MaxLimit: 1000}, k)
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(p, f, st).Router([]string{"*"}))
	t.Cleanup(srv.Close)
	return srv, st
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const rp001 = `{"dataType":"zomato_order_history","anonymizedData":{"total_orders":42,"total_gmv":1530.50,"city":"Mumbai"},"reclaimProofId":"rp-001","userId":"u-1"}`

func TestContribution_CreateThenUpdate(t *testing.T) {
	srv, st := newTestServer(t, 10)

	resp := post(t, srv, "/v1/contributions", rp001)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res pipeline.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.False(t, res.Fallback)
	assert.Equal(t, "rp-001", res.Record.ReclaimProofID)
	assert.EqualValues(t, 42, res.Record.IndexedFields["total_orders"])
	assert.NotEmpty(t, res.Record.IndexedFields["cohort_id"])

	again := post(t, srv, "/v1/contributions", rp001)
	assert.Equal(t, http.StatusOK, again.StatusCode)

	recs, err := st.List(context.Background(), store.ListFilter{DataType: model.DataTypeZomato})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestContribution_ErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown data type", `{"dataType":"spotify","anonymizedData":{"a":1},"reclaimProofId":"rp","userId":"u"}`, http.StatusBadRequest},
		{"invalid body", `{"dataType":`, http.StatusBadRequest},
		{"empty payload", `{"dataType":"github_profile","anonymizedData":{},"reclaimProofId":"rp","userId":"u"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, "/v1/contributions", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}

	resp := post(t, srv, "/v1/contributions", rp001)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conflict := post(t, srv, "/v1/contributions",
		`{"dataType":"github_profile","anonymizedData":{"followers":3},"reclaimProofId":"rp-001","userId":"u-1"}`)
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{resilience.ErrUnknownDataType, http.StatusBadRequest},
		{resilience.NewMalformedInput("x", "y"), http.StatusBadRequest},
		{resilience.ErrProofTypeConflict, http.StatusConflict},
		{resilience.ErrNotFound, http.StatusNotFound},
		{resilience.NewPersistenceError("upsert", errors.New("connection refused")), http.StatusServiceUnavailable},
		{resilience.NewPersistenceError("upsert", errors.New("check constraint violated")), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestContribution_PersistenceFailure(t *testing.T) {
	st, err := store.NewFile(t.TempDir())
	require.NoError(t, err)
	f, err := query.New(st, config.QueryConfig{}, 10)
	require.NoError(t, err)
	h := NewHandler(stubProcessor{err: resilience.NewPersistenceError("upsert", errors.New("i/o timeout"))}, f, st)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/contributions", strings.NewReader(rp001))
	h.Router(nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Retryable)
}

func TestRecords_ListAndExport(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	post(t, srv, "/v1/contributions", rp001)
	post(t, srv, "/v1/contributions",
		`{"dataType":"zomato_order_history","anonymizedData":{"total_orders":3,"city":"Jaipur"},"reclaimProofId":"rp-002","userId":"u-2"}`)

	resp := get(t, srv, "/v1/records?dataType=zomato_order_history&minOrders=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Total-Records"))
	var recs []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "rp-001", recs[0]["reclaim_proof_id"])
	_, isObject := recs[0]["sellable_data"].(map[string]any)
	assert.True(t, isObject)

	csvResp := get(t, srv, "/v1/records?format=csv")
	require.Equal(t, http.StatusOK, csvResp.StatusCode)
	assert.Contains(t, csvResp.Header.Get("Content-Type"), "text/csv")
	rows, err := csv.NewReader(csvResp.Body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	jsonl := get(t, srv, "/v1/records?dataType=zomato_order_history&format=jsonl")
	require.Equal(t, http.StatusOK, jsonl.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(jsonl.Body)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	for _, q := range []string{"minOrders=10", "format=parquet", "bogus=1"} {
		bad := get(t, srv, "/v1/records?"+q)
		assert.Equal(t, http.StatusBadRequest, bad.StatusCode, q)
	}
}

func TestRecords_GetAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	post(t, srv, "/v1/contributions", rp001)

	resp := get(t, srv, "/v1/records/rp-001")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	missing := get(t, srv, "/v1/records/rp-404")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	patch := func(body string) *http.Response {
		req, err := http.NewRequest(http.MethodPatch, srv.URL+"/v1/records/rp-001/status", strings.NewReader(body))
		require.NoError(t, err)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	ok := patch(`{"status":"verified"}`)
	require.Equal(t, http.StatusOK, ok.StatusCode)
	var rec model.SellableRecord
	require.NoError(t, json.NewDecoder(ok.Body).Decode(&rec))
	assert.Equal(t, model.StatusVerified, rec.Status)

	assert.Equal(t, http.StatusBadRequest, patch(`{"status":"archived"}`).StatusCode)
}

func TestCohort_Suppressed(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	resp := post(t, srv, "/v1/contributions", rp001)
	var res pipeline.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	cohortID, _ := res.Record.IndexedFields["cohort_id"].(string)
	require.NotEmpty(t, cohortID)

	agg := get(t, srv, "/v1/cohorts/zomato_order_history/"+cohortID)
	require.Equal(t, http.StatusOK, agg.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(agg.Body).Decode(&body))
	assert.Equal(t, "suppressed", body["status"])
	assert.NotContains(t, body, "members")
	assert.NotContains(t, body, "averages")

	bad := get(t, srv, "/v1/cohorts/spotify/abc")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	assert.Equal(t, http.StatusOK, get(t, srv, "/health").StatusCode)

	metrics := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, metrics.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "myrad_http_requests_total")

	st, err := store.NewFile(t.TempDir())
	require.NoError(t, err)
	f, err := query.New(st, config.QueryConfig{}, 10)
	require.NoError(t, err)
	h := NewHandler(stubProcessor{}, f, stubPinger{err: errors.New("down")})
	rec := httptest.NewRecorder()
	h.Router(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
