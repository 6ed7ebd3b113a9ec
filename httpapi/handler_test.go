package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/ineyio/admission"
	"github.com/ineyio/admission/httpapi"
	"github.com/ineyio/admission/quota"
)

var epoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() admission.Config {
	return admission.Config{
		Classes: []admission.ClassConfig{
			{Name: "conversational", CostPerInputToken: 0.001, CostPerOutputToken: 0.002},
		},
		Tiers: []admission.TierConfig{
			{
				Name: admission.TierFree,
				Limits: map[admission.RequestClass]admission.LimitConfig{
					"conversational": {ShortLimit: admission.Int64Ptr(1), ShortWindow: time.Minute},
				},
			},
			{Name: admission.TierUnlimited, DailyCostCap: admission.Float64Ptr(1)},
		},
		Accounts: []admission.AccountConfig{
			{ID: "free-1", Tier: admission.TierFree},
			{ID: "studio-1", Tier: admission.TierUnlimited},
		},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	c, err := admission.NewController(testConfig(),
		admission.WithClock(testingclock.NewFakeClock(epoch)),
		admission.WithCounterStore(quota.NewMemoryCounterStore()),
		admission.WithLedger(quota.NewMemoryLedger()),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.NewHandler(c, nil))
	t.Cleanup(srv.Close)
	return srv
}

func postEvaluate(t *testing.T, srv *httptest.Server, body string) (*http.Response, httpapi.EvaluateResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/evaluate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out httpapi.EvaluateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestEvaluate_AllowThenRateLimited(t *testing.T) {
	srv := newTestServer(t)

	resp, out := postEvaluate(t, srv, `{"account_id":"free-1","request_class":"conversational"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "allow", out.Outcome)
	assert.Nil(t, out.Reason)
	assert.Nil(t, out.RetryAfterSeconds)
	assert.Equal(t, "proceed", out.Strategy)
	assert.NotEmpty(t, out.DecisionID)

	resp, out = postEvaluate(t, srv, `{"account_id":"free-1","request_class":"conversational","has_cache":true}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotNil(t, out.Reason)
	assert.Equal(t, "rate_limit_exceeded", *out.Reason)
	require.NotNil(t, out.RetryAfterSeconds)
	assert.Equal(t, int64(60), *out.RetryAfterSeconds)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "serve_cached", out.Strategy)
}

func TestEvaluate_StatusCodes(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		reason string
	}{
		{"unknown account", `{"account_id":"ghost","request_class":"conversational"}`, http.StatusForbidden, "unknown_account"},
		{"unknown class", `{"account_id":"free-1","request_class":"video"}`, http.StatusBadRequest, "unknown_class"},
		{"invalid cost", `{"account_id":"studio-1","request_class":"conversational","estimated_cost":-1}`, http.StatusBadRequest, "invalid_cost"},
		{"budget", `{"account_id":"studio-1","request_class":"conversational","estimated_cost":5}`, http.StatusPaymentRequired, "budget_exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postEvaluate(t, srv, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			require.NotNil(t, out.Reason)
			assert.Equal(t, tt.reason, *out.Reason)
			assert.Nil(t, out.RetryAfterSeconds)
			assert.Empty(t, resp.Header.Get("Retry-After"))
		})
	}
}

func TestEvaluate_BadRequest(t *testing.T) {
	srv := newTestServer(t)

	for _, body := range []string{`not json`, `{"account_id":"free-1"}`} {
		resp, err := http.Post(srv.URL+"/v1/evaluate", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestEvaluate_EstimatesCostFromPrompt(t *testing.T) {
	srv := newTestServer(t)

	// 400 chars → 107 input tokens, plus 200 output tokens: 0.107 + 0.4.
	prompt := strings.Repeat("a", 400)
	body := `{"account_id":"studio-1","request_class":"conversational","prompt":"` + prompt + `","max_output_tokens":200}`
	resp, _ := postEvaluate(t, srv, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	spend := getSpend(t, srv, "studio-1")
	assert.InDelta(t, 0.507, spend.Day, 1e-9)
}

func getSpend(t *testing.T, srv *httptest.Server, id string) httpapi.SpendResponse {
	t.Helper()
	resp, err := http.Get(srv.URL + "/v1/accounts/" + id + "/spend")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out httpapi.SpendResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSpendAndUnblock(t *testing.T) {
	srv := newTestServer(t)

	postEvaluate(t, srv, `{"account_id":"studio-1","request_class":"conversational","estimated_cost":0.6}`)
	resp, out := postEvaluate(t, srv, `{"account_id":"studio-1","request_class":"conversational","estimated_cost":0.6,"has_downgrade":true}`)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "downgrade", out.Strategy)

	spend := getSpend(t, srv, "studio-1")
	assert.InDelta(t, 0.6, spend.Day, 1e-9)
	assert.True(t, spend.DayBlocked)

	resp, err := http.Post(srv.URL+"/v1/accounts/studio-1/unblock", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = postEvaluate(t, srv, `{"account_id":"studio-1","request_class":"conversational","estimated_cost":0.3}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type brokenAdmitter struct{}

func (brokenAdmitter) Evaluate(_ context.Context, accountID string, class admission.RequestClass, _ float64) (admission.Decision, error) {
	d := admission.Decision{Outcome: admission.OutcomeDeny, Reason: admission.ReasonStoreUnavailable, AccountID: accountID, Class: class}
	return d, &admission.StoreError{Op: "acquire", Err: errors.New("connection refused")}
}

func (brokenAdmitter) Spend(context.Context, string) (admission.LedgerTotals, error) {
	return admission.LedgerTotals{}, errors.New("connection refused")
}

func (brokenAdmitter) Unblock(context.Context, string) error { return errors.New("connection refused") }

func (brokenAdmitter) Pricing(admission.RequestClass) (admission.Pricing, bool) {
	return admission.Pricing{}, false
}

func TestStoreFailures_Return503(t *testing.T) {
	srv := httptest.NewServer(httpapi.NewHandler(brokenAdmitter{}, nil))
	defer srv.Close()

	resp, out := postEvaluate(t, srv, `{"account_id":"a","request_class":"b"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "hard_error", out.Strategy)

	resp, err := http.Get(srv.URL + "/v1/accounts/a/spend")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
