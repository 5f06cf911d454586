package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthzCountsJobs(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	body := decode[healthResponse](t, do(t, ts, http.MethodGet, "/healthz", "", ""))
	require.Equal(t, healthResponse{Status: "ok"}, body)

	require.Equal(t, http.StatusCreated, do(t, ts, http.MethodPost, "/v1/jobs", "c1", successOrder).StatusCode)
	body = decode[healthResponse](t, do(t, ts, http.MethodGet, "/healthz", "", ""))
	require.Equal(t, 1, body.Jobs)
	require.Zero(t, body.Tools)
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	require.Equal(t, http.StatusCreated, do(t, ts, http.MethodPost, "/v1/jobs", "c1", successOrder).StatusCode)
	require.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/v1/jobs/t1", "c1", "").StatusCode)

	resp := do(t, ts, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(data)

	require.Contains(t, text, `cook_http_requests_total{method="GET",path="/v1/jobs/{id}",status="200"}`)
	require.NotContains(t, text, `path="/v1/jobs/t1"`)
	require.Contains(t, text, "cook_http_request_duration_seconds")
	require.Contains(t, text, "cook_http_requests_in_flight")
}
