package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/birdtrade/api"
	"github.com/Aidin1998/birdtrade/internal/database"
	"github.com/Aidin1998/birdtrade/internal/trading"
	apperrors "github.com/Aidin1998/birdtrade/pkg/errors"
)

type stubOrders struct {
	submitted  []trading.SubmitRequest
	submitErr  error
	instrErr   error
	olderThan  time.Duration
	incomplete []trading.IncompleteOrder
	reconciled *trading.ReconcileResult
}

func (s *stubOrders) Submit(_ context.Context, req trading.SubmitRequest) (*trading.SubmitResult, error) {
	s.submitted = append(s.submitted, req)
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &trading.SubmitResult{Message: "Order submitted successfully", OrderID: "0b8e7f5c-order"}, nil
}

func (s *stubOrders) Instruments(context.Context) ([]trading.Instrument, error) {
	if s.instrErr != nil {
		return nil, s.instrErr
	}
	return []trading.Instrument{
		{Symbol: "AAPL", CurrentPrice: decimal.RequireFromString("150.1"), Details: "Technology", Name: "Apple Inc."},
	}, nil
}

func (s *stubOrders) IncompleteOrders(_ context.Context, olderThan time.Duration) ([]trading.IncompleteOrder, error) {
	s.olderThan = olderThan
	return s.incomplete, nil
}

func (s *stubOrders) Reconcile(_ context.Context, olderThan time.Duration) (*trading.ReconcileResult, error) {
	s.olderThan = olderThan
	if s.reconciled == nil {
		return nil, apperrors.Unavailable.Wrap(database.ErrAllEndpointsExhausted)
	}
	return s.reconciled, nil
}

type stubReadiness struct{ err error }

func (s stubReadiness) Ready(context.Context) error { return s.err }

func setupRouter(t *testing.T, orders *stubOrders, ready error) *gin.Engine {
	gin.SetMode(gin.TestMode)
	srv := api.NewServer(zaptest.NewLogger(t), orders, stubReadiness{err: ready}, api.Options{})
	return srv.Router()
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	router := setupRouter(t, &stubOrders{}, nil)
	w := do(router, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestReadyCheck(t *testing.T) {
	w := do(setupRouter(t, &stubOrders{}, nil), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	down := errors.Join(database.ErrAllEndpointsExhausted, fmt.Errorf("us-west-2: connection refused"))
	w = do(setupRouter(t, &stubOrders{}, down), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", decode(t, w)["status"])
}

func TestGetInstruments(t *testing.T) {
	router := setupRouter(t, &stubOrders{}, nil)
	w := do(router, http.MethodGet, "/api/data", "")

	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "AAPL", list[0]["symbol"])
	assert.Equal(t, "150.10", list[0]["current_price"])
	assert.Equal(t, "Apple Inc.", list[0]["name"])
}

func TestGetInstrumentsUnavailable(t *testing.T) {
	orders := &stubOrders{instrErr: apperrors.Unavailable.Wrap(database.ErrAllEndpointsExhausted)}
	w := do(setupRouter(t, orders, nil), http.MethodGet, "/api/data", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Server Error", decode(t, w)["error"])
}

func TestSubmitOrder(t *testing.T) {
	orders := &stubOrders{}
	router := setupRouter(t, orders, nil)
	body := `{"stock":"AAPL","orderType":"buy","shares":10,"currentPrice":"150.00","estimatedCost":"1500.00"}`
	w := do(router, http.MethodPost, "/api/submitOrder", body)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "Order submitted successfully", resp["message"])
	assert.Equal(t, "0b8e7f5c-order", resp["orderId"])
	assert.NotContains(t, resp, "NewPrice")

	require.Len(t, orders.submitted, 1)
	assert.Equal(t, trading.Field("AAPL"), orders.submitted[0].Stock)
	assert.Equal(t, trading.Field("10"), orders.submitted[0].Shares)
}

func TestSubmitOrderErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		msg    string
		calls  int
	}{
		{
			name:   "missing fields",
			body:   `{"stock":"AAPL"}`,
			err:    apperrors.InvalidRequest.WithField("orderType", "required", ""),
			status: http.StatusBadRequest,
			msg:    "All fields are required",
			calls:  1,
		},
		{
			name:   "empty body",
			body:   "",
			err:    apperrors.InvalidRequest,
			status: http.StatusBadRequest,
			msg:    "All fields are required",
			calls:  1,
		},
		{
			name:   "malformed json",
			body:   `{"stock":`,
			status: http.StatusBadRequest,
			msg:    "Invalid request body",
		},
		{
			name:   "storage exhausted",
			body:   `{"stock":"AAPL","orderType":"buy","shares":1,"currentPrice":"1","estimatedCost":"1"}`,
			err:    apperrors.Unavailable.Wrap(database.ErrAllEndpointsExhausted),
			status: http.StatusInternalServerError,
			msg:    "Server Error",
			calls:  1,
		},
		{
			name:   "unclassified error",
			body:   `{"stock":"AAPL","orderType":"buy","shares":1,"currentPrice":"1","estimatedCost":"1"}`,
			err:    fmt.Errorf("pq: relation \"orders\" does not exist"),
			status: http.StatusInternalServerError,
			msg:    "Server Error",
			calls:  1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &stubOrders{submitErr: tc.err}
			w := do(setupRouter(t, orders, nil), http.MethodPost, "/api/submitOrder", tc.body)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.msg, decode(t, w)["error"])
			assert.Len(t, orders.submitted, tc.calls)
		})
	}
}

func TestIncompleteOrders(t *testing.T) {
	orders := &stubOrders{incomplete: []trading.IncompleteOrder{{OrderID: "o-1", Symbol: "TSLA", Side: trading.Sell, Shares: 3}}}
	router := setupRouter(t, orders, nil)

	w := do(router, http.MethodGet, "/api/orders/incomplete", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5*time.Second, orders.olderThan)

	w = do(router, http.MethodGet, "/api/orders/incomplete?olderThan=1m", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Minute, orders.olderThan)
	resp := decode(t, w)
	assert.Equal(t, "1m0s", resp["olderThan"])
	assert.Len(t, resp["orders"], 1)

	w = do(router, http.MethodGet, "/api/orders/incomplete?olderThan=soon", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	router := setupRouter(t, &stubOrders{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	w := do(setupRouter(t, &stubOrders{}, nil), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestReconcileOrders(t *testing.T) {
	orders := &stubOrders{reconciled: &trading.ReconcileResult{Candidates: 2, Completed: []string{"o-1"}, Skipped: 1}}
	router := setupRouter(t, orders, nil)

	w := do(router, http.MethodPost, "/api/orders/reconcile?olderThan=30s", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30*time.Second, orders.olderThan)
	resp := decode(t, w)
	assert.Equal(t, float64(2), resp["candidates"])
	assert.Equal(t, []any{"o-1"}, resp["completed"])
	assert.Equal(t, float64(1), resp["skipped"])

	w = do(router, http.MethodPost, "/api/orders/reconcile?olderThan=later", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(setupRouter(t, &stubOrders{}, nil), http.MethodPost, "/api/orders/reconcile", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Server Error", decode(t, w)["error"])
}
