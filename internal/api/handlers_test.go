package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/fault"
	"github.com/ocx/gateway/internal/ratelimit"
)

// stubGateway records what the HTTP layer hands down and plays back canned
// outcomes.
type stubGateway struct {
	lastReq *core.Request
	resp    *core.Response
	err     error
	chunks  []string
	ready   bool
}

func (g *stubGateway) Handle(ctx context.Context, req *core.Request) (*core.Response, error) {
	g.lastReq = req
	if g.err != nil {
		return nil, g.err
	}
	resp := *g.resp
	resp.CorrelationID = req.ID
	return &resp, nil
}

func (g *stubGateway) Stream(ctx context.Context, req *core.Request, emit func(core.Chunk) error) (*core.Response, error) {
	g.lastReq = req
	if g.err != nil {
		return nil, g.err
	}
	for _, c := range g.chunks {
		if err := emit(core.Chunk{Delta: c}); err != nil {
			return nil, err
		}
	}
	resp := *g.resp
	resp.CorrelationID = req.ID
	return &resp, nil
}

func (g *stubGateway) Ready() bool { return g.ready }

func newTestServer(t *testing.T, gw *stubGateway, limit ratelimit.Config) *Server {
	t.Helper()
	limiter := ratelimit.New(limit, nil)
	t.Cleanup(limiter.Stop)
	return NewServer(":0", gw, limiter, nil, nil, map[string]StatsSource{
		"limiter": limiter.Stats,
	}, nil)
}

func TestChatCompleteRoundTrip(t *testing.T) {
	gw := &stubGateway{resp: &core.Response{Answer: "howdy", ModelsUsed: []string{"primary"}}}
	srv := newTestServer(t, gw, ratelimit.Config{})

	body := strings.NewReader(`{"message":"hi","session_id":"s1"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat/complete", body)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-User-Tier", "pro")
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp core.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "howdy", resp.Answer)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, resp.CorrelationID, rec.Header().Get("X-Correlation-ID"))

	require.NotNil(t, gw.lastReq)
	assert.Equal(t, core.TaskChat, gw.lastReq.TaskType)
	assert.Equal(t, "u1", gw.lastReq.UserID)
	assert.Equal(t, core.TierPro, gw.lastReq.Tier)
	assert.Equal(t, "s1", gw.lastReq.SessionID)
}

func TestChatStreamEmitsDeltasThenSummary(t *testing.T) {
	gw := &stubGateway{
		resp:   &core.Response{Answer: "one two", ModelsUsed: []string{"primary"}},
		chunks: []string{"one ", "two"},
	}
	srv := newTestServer(t, gw, ratelimit.Config{})

	req := httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader(`{"message":"count"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var frames []streamFrame
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var f streamFrame
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f))
		frames = append(frames, f)
	}
	require.Len(t, frames, 3)
	assert.Equal(t, "one ", frames[0].Delta)
	assert.Equal(t, "two", frames[1].Delta)
	assert.False(t, frames[0].Done)
	assert.True(t, frames[2].Done)
	require.NotNil(t, frames[2].Summary)
	assert.Equal(t, "one two", frames[2].Summary.Answer)
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	gw := &stubGateway{resp: &core.Response{Answer: "ok"}}
	srv := newTestServer(t, gw, ratelimit.Config{DefaultPerMinute: 3})
	router := srv.Router()

	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/chat/complete", strings.NewReader(`{"message":"hi"}`))
		req.Header.Set("X-User-ID", "burst")
		req.Header.Set("X-User-Tier", "free")
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
		if i < 3 {
			assert.Equal(t, http.StatusOK, last.Code, "request %d should pass", i)
		}
	}

	require.Equal(t, http.StatusTooManyRequests, last.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body.Error)
	assert.Positive(t, body.RetryAfterSeconds)
	assert.LessOrEqual(t, body.RetryAfterSeconds, 60)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		kind   fault.Kind
		status int
	}{
		{fault.KindValidation, http.StatusBadRequest},
		{fault.KindBudgetExceeded, http.StatusPaymentRequired},
		{fault.KindOverloaded, http.StatusServiceUnavailable},
		{fault.KindBackendTimeout, http.StatusBadGateway},
		{fault.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			gw := &stubGateway{err: fault.New(tc.kind, "boom")}
			srv := newTestServer(t, gw, ratelimit.Config{})

			req := httptest.NewRequest(http.MethodPost, "/search/basic", strings.NewReader(`{"query":"q"}`))
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(tc.kind), body.Error)
			assert.NotEmpty(t, body.CorrelationID)
			assert.NotContains(t, body.Message, "boom", "detail never reaches the client")
		})
	}
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	gw := &stubGateway{resp: &core.Response{}}
	srv := newTestServer(t, gw, ratelimit.Config{})

	req := httptest.NewRequest(http.MethodPost, "/research/deep-dive", strings.NewReader(`{"unknown_field":1}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, gw.lastReq, "invalid body never reaches the core")
}

func TestResearchDefaultsDepth(t *testing.T) {
	gw := &stubGateway{resp: &core.Response{Answer: "findings"}}
	srv := newTestServer(t, gw, ratelimit.Config{})

	req := httptest.NewRequest(http.MethodPost, "/research/deep-dive",
		strings.NewReader(`{"research_question":"why is the sky blue"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gw.lastReq)
	assert.Equal(t, core.DepthStandard, gw.lastReq.Depth)
	assert.Equal(t, core.TaskResearch, gw.lastReq.TaskType)
}

func TestHealthEndpoints(t *testing.T) {
	gw := &stubGateway{ready: false}
	srv := newTestServer(t, gw, ratelimit.Config{})
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	gw.ready = true
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminStatsAggregatesSources(t *testing.T) {
	gw := &stubGateway{resp: &core.Response{}}
	srv := newTestServer(t, gw, ratelimit.Config{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "limiter")
}
