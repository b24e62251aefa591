package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/venuegate/internal/account"
	"github.com/tradeforge/venuegate/internal/config"
	"github.com/tradeforge/venuegate/internal/domain/accountstore"
	"github.com/tradeforge/venuegate/internal/domain/conditionalstore"
	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/monitor"
	"github.com/tradeforge/venuegate/internal/orders"
	"github.com/tradeforge/venuegate/internal/risk"
	"github.com/tradeforge/venuegate/internal/venue"
	"github.com/tradeforge/venuegate/internal/venue/conn"
	"github.com/tradeforge/venuegate/internal/venue/sim"
)

type testGateway struct {
	server  *httptest.Server
	sim     *sim.Client
	session *conn.Manager
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	simClient := sim.New()
	session := conn.NewManager(simClient, conn.Options{
		Session:    venue.SessionConfig{Host: "localhost", Port: 4003, ClientID: 1, Account: "DU100"},
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, session.Connect(context.Background()))
	t.Cleanup(func() { _ = session.Disconnect(context.Background()) })

	orderStore := orderstore.NewMemoryStore()
	accountStore := accountstore.NewMemoryStore()
	conditionalStore := conditionalstore.NewMemoryStore()

	limits := config.RiskConfig{
		MaxOrderValue:      decimal.NewFromInt(1_000_000),
		MaxOrdersPerMinute: 1000,
		BlockedSymbols:     []string{"GME"},
	}
	riskEngine := risk.NewEngine(limits, orderStore, accountStore, simClient)
	orderManager := orders.NewManager(session, orderStore, riskEngine)
	accountService := account.NewService(session, accountStore, "DU100")
	conditionalMonitor := monitor.New(conditionalStore, session, orderManager, monitor.Options{
		Interval:  time.Second,
		PriceWait: 50 * time.Millisecond,
	})

	handler := NewHandler(Deps{
		Orders:   orderManager,
		Monitor:  conditionalMonitor,
		Risk:     riskEngine,
		Session:  session,
		Accounts: accountService,
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testGateway{server: server, sim: simClient, session: session}
}

func (g *testGateway) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, g.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := g.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestPlaceAndFetchOrder(t *testing.T) {
	gw := newTestGateway(t)
	gw.sim.SetPrice("AAPL", decimal.NewFromInt(180))

	resp, body := gw.do(t, http.MethodPost, "/orders", map[string]any{
		"symbol":     "AAPL",
		"action":     "BUY",
		"quantity":   "10",
		"order_type": "MKT",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "Filled", body["status"])

	venueID := int64(body["venue_id"].(float64))
	resp, fetched := gw.do(t, http.MethodGet, "/orders/"+jsonID(venueID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "AAPL", fetched["symbol"])
}

func jsonID(id int64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}

func TestPlaceOrderValidationFailure(t *testing.T) {
	gw := newTestGateway(t)

	resp, body := gw.do(t, http.MethodPost, "/orders", map[string]any{
		"symbol":     "AAPL",
		"action":     "HOLD",
		"quantity":   "10",
		"order_type": "MKT",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "error", body["status"])
}

func TestRiskRejectionMapsToBadRequest(t *testing.T) {
	gw := newTestGateway(t)
	gw.sim.SetPrice("GME", decimal.NewFromInt(20))

	resp, _ := gw.do(t, http.MethodPost, "/orders", map[string]any{
		"symbol":     "GME",
		"action":     "BUY",
		"quantity":   "10",
		"order_type": "MKT",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRiskPreviewReportsChecks(t *testing.T) {
	gw := newTestGateway(t)
	gw.sim.SetPrice("MSFT", decimal.NewFromInt(400))

	resp, body := gw.do(t, http.MethodPost, "/risk/preview", map[string]any{
		"symbol":     "MSFT",
		"action":     "BUY",
		"quantity":   "5",
		"order_type": "MKT",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["approved"])
	require.Len(t, body["checks_performed"], 6)
}

func TestCancelOrderIsIdempotent(t *testing.T) {
	gw := newTestGateway(t)

	resp, body := gw.do(t, http.MethodPost, "/orders", map[string]any{
		"symbol":      "AAPL",
		"action":      "BUY",
		"quantity":    "10",
		"order_type":  "LMT",
		"limit_price": "150",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	venueID := jsonID(int64(body["venue_id"].(float64)))

	resp, _ = gw.do(t, http.MethodDelete, "/orders/"+venueID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = gw.do(t, http.MethodDelete, "/orders/"+venueID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBracketOrderReturnsThreeLegs(t *testing.T) {
	gw := newTestGateway(t)
	gw.sim.SetPrice("AAPL", decimal.NewFromInt(180))

	resp, body := gw.do(t, http.MethodPost, "/orders/bracket", map[string]any{
		"entry": map[string]any{
			"symbol":      "AAPL",
			"action":      "BUY",
			"quantity":    "10",
			"order_type":  "LMT",
			"limit_price": "180",
		},
		"take_profit": "200",
		"stop_loss":   "170",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "BRACKET", body["kind"])
	require.Len(t, body["legs"], 3)
}

func TestConditionalOrderLifecycle(t *testing.T) {
	gw := newTestGateway(t)
	gw.sim.SetPrice("TSLA", decimal.NewFromInt(250))

	resp, created := gw.do(t, http.MethodPost, "/conditional-orders", map[string]any{
		"condition_type":   "PRICE_ABOVE",
		"condition_symbol": "TSLA",
		"condition_price":  "300",
		"order": map[string]any{
			"symbol":     "TSLA",
			"action":     "BUY",
			"quantity":   "5",
			"order_type": "MKT",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "ACTIVE", created["status"])
	id := created["id"].(string)

	// Below threshold: a manual cycle fires nothing.
	resp, checked := gw.do(t, http.MethodPost, "/conditional-orders/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(0), checked["triggered"])

	gw.sim.SetPrice("TSLA", decimal.NewFromInt(300))
	resp, checked = gw.do(t, http.MethodPost, "/conditional-orders/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), checked["triggered"])

	resp, fetched := gw.do(t, http.MethodGet, "/conditional-orders/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "TRIGGERED", fetched["status"])

	// A triggered record cannot be checked again.
	resp, _ = gw.do(t, http.MethodPost, "/conditional-orders/"+id+"/check", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCheckSingleConditional(t *testing.T) {
	gw := newTestGateway(t)
	gw.sim.SetPrice("AMD", decimal.NewFromInt(120))

	resp, created := gw.do(t, http.MethodPost, "/conditional-orders", map[string]any{
		"condition_type":   "PRICE_BELOW",
		"condition_symbol": "AMD",
		"condition_price":  "100",
		"order": map[string]any{
			"symbol":     "AMD",
			"action":     "SELL",
			"quantity":   "5",
			"order_type": "MKT",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	resp, checked := gw.do(t, http.MethodPost, "/conditional-orders/"+id+"/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, checked["triggered"])

	gw.sim.SetPrice("AMD", decimal.NewFromInt(95))
	resp, checked = gw.do(t, http.MethodPost, "/conditional-orders/"+id+"/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, checked["triggered"])
}

func TestCancelConditionalConflictWhenInactive(t *testing.T) {
	gw := newTestGateway(t)

	resp, created := gw.do(t, http.MethodPost, "/conditional-orders", map[string]any{
		"condition_type":   "PRICE_BELOW",
		"condition_symbol": "NVDA",
		"condition_price":  "100",
		"order": map[string]any{
			"symbol":     "NVDA",
			"action":     "SELL",
			"quantity":   "5",
			"order_type": "MKT",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	resp, _ = gw.do(t, http.MethodDelete, "/conditional-orders/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = gw.do(t, http.MethodDelete, "/conditional-orders/"+id, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAccountSummaryAndPositions(t *testing.T) {
	gw := newTestGateway(t)
	gw.sim.SetPrice("AAPL", decimal.NewFromInt(180))

	resp, _ := gw.do(t, http.MethodPost, "/orders", map[string]any{
		"symbol":     "AAPL",
		"action":     "BUY",
		"quantity":   "10",
		"order_type": "MKT",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, summary := gw.do(t, http.MethodGet, "/account/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, summary["net_liquidation"])

	resp, positions := gw.do(t, http.MethodGet, "/account/positions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), positions["count"])
}

func TestConnectionEndpointsAndReadiness(t *testing.T) {
	gw := newTestGateway(t)

	resp, status := gw.do(t, http.MethodGet, "/connection", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, status["connected"])

	resp, _ = gw.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = gw.do(t, http.MethodPost, "/connection/disconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = gw.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, status = gw.do(t, http.MethodPost, "/connection/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, status["connected"])
}

func TestMethodNotAllowedListsAllowedMethods(t *testing.T) {
	gw := newTestGateway(t)

	req, err := http.NewRequest(http.MethodPut, gw.server.URL+"/orders", nil)
	require.NoError(t, err)
	resp, err := gw.server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, "GET, POST", resp.Header.Get("Allow"))
}

func TestModifyOrderPrice(t *testing.T) {
	gw := newTestGateway(t)

	resp, body := gw.do(t, http.MethodPost, "/orders", map[string]any{
		"symbol":      "AAPL",
		"action":      "BUY",
		"quantity":    "10",
		"order_type":  "LMT",
		"limit_price": "150",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	venueID := jsonID(int64(body["venue_id"].(float64)))

	resp, modified := gw.do(t, http.MethodPatch, "/orders/"+venueID, map[string]any{
		"limit_price": "155",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "155", modified["limit_price"])
}

func TestModifyTrailingStopTrail(t *testing.T) {
	gw := newTestGateway(t)

	resp, body := gw.do(t, http.MethodPost, "/orders", map[string]any{
		"symbol":       "AAPL",
		"action":       "SELL",
		"quantity":     "10",
		"order_type":   "TRAIL",
		"trail_amount": "5",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	venueID := jsonID(int64(body["venue_id"].(float64)))

	resp, modified := gw.do(t, http.MethodPatch, "/orders/"+venueID, map[string]any{
		"trail_amount": "8",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "8", modified["stop_price"])
}
