package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readytrader/gateway/internal/audit"
	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/execution"
	"github.com/readytrader/gateway/internal/gateway"
	"github.com/readytrader/gateway/internal/marketdata"
	"github.com/readytrader/gateway/internal/policy"
	"github.com/readytrader/gateway/internal/proposal"
	"github.com/readytrader/gateway/internal/risk"
	"github.com/readytrader/gateway/pkg/clock"
	"github.com/readytrader/gateway/pkg/ratelimit"
)

const testAuthToken = "sekrit"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	bus := marketdata.NewBus(10*time.Second, 0.2).WithNow(clk.Now)
	bus.Submit(marketdata.Sample{
		Symbol:    "ETH-USD",
		Price:     decimal.NewFromInt(100),
		Timestamp: clk.Now().Add(-time.Second),
		Tier:      domain.TierStream,
	})

	proposals, err := proposal.Open("", 2*time.Minute, clk)
	require.NoError(t, err)
	t.Cleanup(func() { proposals.Close() })
	auditLog, err := audit.Open("", clk)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	router := execution.NewRouter(execution.RetryPolicy{MaxAttempts: 1}, clk)
	pipe := gateway.NewPipeline(gateway.Options{
		Limiter: ratelimit.Disabled{},
		Kill:    risk.NewKillSwitch(5),
		Guardian: risk.NewGuardian(risk.Limits{
			MaxPositionPct: decimal.NewFromFloat(0.05),
			DailyLossPct:   decimal.NewFromFloat(0.05),
			MaxDrawdownPct: decimal.NewFromFloat(0.10),
			MinSentiment:   decimal.NewFromFloat(-0.5),
			FailClosed:     true,
		}),
		States:    risk.NewStateStore(decimal.NewFromInt(10_000)),
		Policy:    policy.NewEngine(policy.Rules{AllowTokens: []string{"ETH"}}),
		Proposals: proposals,
		Router:    router,
		Bus:       bus,
		Audit:     auditLog,
	})

	return NewServer(Options{
		Pipeline: pipe,
		Health: &gateway.Health{
			Bus:       bus,
			Pipeline:  pipe,
			SessionID: proposals.SessionID(),
		},
		Limiter: ratelimit.Disabled{},
		Ingest: func(symbol, price string, tsMillis int64, source string) error {
			p, err := decimal.NewFromString(price)
			if err != nil {
				return err
			}
			bus.Ingest(symbol, p, clk.Now(), source)
			return nil
		},
		AuthToken: testAuthToken,
	})
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAPIRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/proposals", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/proposals", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/proposals", testAuthToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var report gateway.HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.NotEmpty(t, report.SessionID)
	assert.NotEmpty(t, report.Components)
}

func TestAPISubmitProposalFlow(t *testing.T) {
	s := newTestServer(t)

	submit := submitRequest{
		CallerKey: "agent-1",
		Venue:     "cex",
		VenueName: "",
		Symbol:    "ETH-USD",
		Token:     "ETH",
		Side:      "buy",
		Amount:    "1",
		Mode:      "approve_each",
	}
	w := doJSON(t, s, http.MethodPost, "/v1/trades", testAuthToken, submit)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var res struct {
		Proposal proposal.Proposal `json:"proposal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.Proposal.ID)
	assert.NotEmpty(t, res.Proposal.ConfirmToken)

	// wrong token conflicts, right id
	w = doJSON(t, s, http.MethodPost, "/v1/proposals/"+res.Proposal.ID+"/approve",
		testAuthToken, approveRequest{Token: "nope"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// unknown proposal 404s
	w = doJSON(t, s, http.MethodPost, "/v1/proposals/missing/approve",
		testAuthToken, approveRequest{Token: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// reject closes it
	w = doJSON(t, s, http.MethodPost, "/v1/proposals/"+res.Proposal.ID+"/reject",
		testAuthToken, rejectRequest{Reason: "changed my mind"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPISubmitValidation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/trades", testAuthToken, submitRequest{
		Venue: "teleport", Side: "buy", Amount: "1", Symbol: "ETH-USD", Token: "ETH",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/trades", testAuthToken, submitRequest{
		Venue: "cex", Side: "buy", Amount: "one", Symbol: "ETH-USD", Token: "ETH",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIPolicyDenialMapsTo403(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/trades", testAuthToken, submitRequest{
		CallerKey: "agent-1", Venue: "cex", Symbol: "ETH-USD",
		Token: "DOGE", Side: "buy", Amount: "1", Mode: "approve_each",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "POL_102", body.Error.Code)
}

func TestAPIHaltAndResume(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/admin/halt", testAuthToken,
		map[string]string{"reason": "drill"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/trades", testAuthToken, submitRequest{
		CallerKey: "agent-1", Venue: "cex", Symbol: "ETH-USD",
		Token: "ETH", Side: "buy", Amount: "1", Mode: "approve_each",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/admin/resume", testAuthToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAPIMarketDataIngest(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/marketdata/ingest", testAuthToken,
		ingestRequest{Symbol: "BTC-USD", Price: "65000"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/marketdata/ingest", testAuthToken,
		map[string]string{"symbol": "BTC-USD"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIAuditEndpoints(t *testing.T) {
	s := newTestServer(t)

	// generate a little history first
	doJSON(t, s, http.MethodPost, "/v1/trades", testAuthToken, submitRequest{
		CallerKey: "agent-1", Venue: "cex", Symbol: "ETH-USD",
		Token: "ETH", Side: "buy", Amount: "1", Mode: "approve_each",
	})

	w := doJSON(t, s, http.MethodGet, "/v1/audit/verify", testAuthToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var verify struct {
		OK      bool `json:"ok"`
		Entries int  `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verify))
	assert.True(t, verify.OK)
	assert.Greater(t, verify.Entries, 0)

	w = doJSON(t, s, http.MethodGet, "/v1/audit/export", testAuthToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Body.String(), "seq,time,type")
}
