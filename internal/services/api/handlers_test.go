package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eloadlab/eload-telemetry/internal/model/messages"
)

const validBody = `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "CC", "active": true, "pwm": 128}`

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *testEnv) {
	t.Helper()
	env := newTestEnv(t, opts...)
	srv := httptest.NewServer(NewRouter(NewHandler(env.svc), promhttp.HandlerFor(env.reg, promhttp.HandlerOpts{})))
	t.Cleanup(srv.Close)
	return srv, env
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Origin", "http://dashboard.local")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func detail(t *testing.T, body []byte) string {
	t.Helper()
	var e messages.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Detail
}

func TestPostDataThenState(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/data", validBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sub messages.SubmitResponse
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.Equal(t, msgReceived, sub.Message)
	assert.Positive(t, sub.ID)

	resp, body = do(t, http.MethodGet, srv.URL+"/data/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"mode": "CC", "active": true}`, string(body))
}

func TestPostDataDuplicatesGetDistinctIDs(t *testing.T) {
	srv, _ := newTestServer(t)

	ids := map[int64]bool{}
	for i := 0; i < 3; i++ {
		resp, body := do(t, http.MethodPost, srv.URL+"/data", validBody)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var sub messages.SubmitResponse
		require.NoError(t, json.Unmarshal(body, &sub))
		ids[sub.ID] = true
	}
	assert.Len(t, ids, 3)
}

func TestPostDataRejections(t *testing.T) {
	cases := map[string]string{
		"missing field":      `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "CC", "active": true}`,
		"wrong type":         `{"currentSetpoint": "high", "currentMeasured": 2.47, "mode": "CC", "active": true, "pwm": 1}`,
		"fractional pwm":     `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "CC", "active": true, "pwm": 1.5}`,
		"negative pwm":       `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "CC", "active": true, "pwm": -1}`,
		"lowercase mode":     `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "cc", "active": true, "pwm": 1}`,
		"three letter mode":  `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "CCV", "active": true, "pwm": 1}`,
		"null field":         `{"currentSetpoint": null, "currentMeasured": 2.47, "mode": "CC", "active": true, "pwm": 1}`,
		"not an object":      `[1, 2, 3]`,
		"malformed json":     `{"currentSetpoint": 2.5,`,
		"empty body":         ``,
		"string for boolean": `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "CC", "active": "yes", "pwm": 1}`,
		"trailing garbage":   `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "CC", "active": true, "pwm": 1} x`,
		"two objects":        validBody + validBody,
		"mixed-case key":     `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "CC", "active": true, "PWM": 1}`,
		"key case overrides": `{"currentSetpoint": 2.5, "currentMeasured": 2.47, "mode": "CC", "Mode": "CV", "active": true, "pwm": 1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv, env := newTestServer(t)

			resp, out := do(t, http.MethodPost, srv.URL+"/data", body)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			assert.NotEmpty(t, detail(t, out))

			list, err := env.store.QuerySince(context.Background(), time.Time{})
			require.NoError(t, err)
			assert.Empty(t, list, "nothing stored on rejection")
		})
	}
}

func TestPostDataIgnoresUnknownFields(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"currentSetpoint": 1, "currentMeasured": 0.98, "mode": "CV", "active": false, "pwm": 0, "extra": "x"}`

	resp, _ := do(t, http.MethodPost, srv.URL+"/data", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostDataAllowsTrailingWhitespace(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/data", validBody+"\n\t ")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDecodePayloadNamesCaseMismatch(t *testing.T) {
	_, err := decodePayload([]byte(`{"currentsetpoint": 1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "currentsetpoint")
	assert.Contains(t, err.Error(), "currentSetpoint")
}

func TestHistoryEndpoint(t *testing.T) {
	srv, env := newTestServer(t)
	now := env.clock.Now()

	env.clock.Set(now.Add(-120 * time.Minute))
	resp, _ := do(t, http.MethodPost, srv.URL+"/data", validBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.clock.Set(now.Add(-time.Minute))
	resp, _ = do(t, http.MethodPost, srv.URL+"/data",
		`{"currentSetpoint": 1.0, "currentMeasured": 0.9, "mode": "CV", "active": false, "pwm": 7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.clock.Set(now)
	resp, body := do(t, http.MethodGet, srv.URL+"/data/history?minutes=60", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t,
		`[{"currentSetpoint": 1.0, "currentMeasured": 0.9, "mode": "CV", "active": false, "pwm": 7}]`,
		string(body))
}

func TestHistoryEmptyIsList(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/data/history?minutes=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestHistoryRejectsBadMinutes(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, q := range []string{"", "?minutes=", "?minutes=0", "?minutes=-3", "?minutes=abc", "?minutes=1.5"} {
		resp, body := do(t, http.MethodGet, srv.URL+"/data/history"+q, "")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, q)
		assert.Contains(t, detail(t, body), "minutes", q)
	}
}

func TestStateEmptyIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/data/state", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, msgNoData, detail(t, body))
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := do(t, http.MethodGet, srv.URL+"/data/history?minutes=1", "")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/data", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://somewhere.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	pre, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer pre.Body.Close()

	assert.Equal(t, http.StatusOK, pre.StatusCode)
	assert.Equal(t, "*", pre.Header.Get("Access-Control-Allow-Origin"))
	// POST is a simple method, browsers need no Allow-Methods for it
	assert.Equal(t, "Content-Type", pre.Header.Get("Access-Control-Allow-Headers"))
}

func preflight(t *testing.T, url, method, headers string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodOptions, url, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://somewhere.example")
	req.Header.Set("Access-Control-Request-Method", method)
	if headers != "" {
		req.Header.Set("Access-Control-Request-Headers", headers)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestCORSPreflightAllowsAnyRequestedHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	pre := preflight(t, srv.URL+"/data", http.MethodPost, "authorization, x-api-key, content-type")
	assert.Equal(t, http.StatusOK, pre.StatusCode)
	assert.Equal(t, "*", pre.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Authorization,X-Api-Key,Content-Type", pre.Header.Get("Access-Control-Allow-Headers"))
}

func TestCORSPreflightMethods(t *testing.T) {
	srv, _ := newTestServer(t)

	pre := preflight(t, srv.URL+"/data", http.MethodOptions, "")
	assert.Equal(t, http.StatusOK, pre.StatusCode)
	assert.Equal(t, http.MethodOptions, pre.Header.Get("Access-Control-Allow-Methods"))

	pre = preflight(t, srv.URL+"/data", http.MethodDelete, "")
	assert.Equal(t, http.StatusMethodNotAllowed, pre.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep HealthReport
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(t, "ok", rep.Status)

	resp, body = do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ready": true}`, string(body))
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	srv, env := newTestServer(t)

	do(t, http.MethodPost, srv.URL+"/data", validBody)
	do(t, http.MethodGet, srv.URL+"/data/state", "")
	do(t, http.MethodGet, srv.URL+"/nope", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.requests.WithLabelValues("/data", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.requests.WithLabelValues("/data/state", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.requests.WithLabelValues("unmatched", "404")))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
