// Package httpserver exposes the gateway's REST control surface: order
// placement and lifecycle, conditional orders, account state, risk preview
// and health probes.
package httpserver

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/account"
	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/monitor"
	"github.com/tradeforge/venuegate/internal/orders"
	"github.com/tradeforge/venuegate/internal/risk"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/internal/venue/conn"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"
	bracketPath       = "/orders/bracket"
	ocoPath           = "/orders/oco"

	conditionalsPath        = "/conditional-orders"
	conditionalDetailPrefix = conditionalsPath + "/"
	conditionalCheckPath    = "/conditional-orders/check"

	accountSummaryPath   = "/account/summary"
	accountPositionsPath = "/account/positions"

	riskPreviewPath = "/risk/preview"

	connectionPath           = "/connection"
	connectionConnectPath    = "/connection/connect"
	connectionDisconnectPath = "/connection/disconnect"

	healthPath = "/healthz"
	readyPath  = "/readyz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	orders   *orders.Manager
	monitor  *monitor.Monitor
	risk     *risk.Engine
	session  *conn.Manager
	accounts *account.Service
}

// Deps carries the services the handler layer fronts.
type Deps struct {
	Orders   *orders.Manager
	Monitor  *monitor.Monitor
	Risk     *risk.Engine
	Session  *conn.Manager
	Accounts *account.Service
}

// NewHandler creates the gateway's HTTP handler.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{
		orders:   deps.Orders,
		monitor:  deps.Monitor,
		risk:     deps.Risk,
		session:  deps.Session,
		accounts: deps.Accounts,
	}
	mux := http.NewServeMux()

	mux.Handle(bracketPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.placeBracket,
	}))
	mux.Handle(ocoPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.placeOCO,
	}))
	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listOrders,
		http.MethodPost: server.placeOrder,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrderDetail))

	mux.Handle(conditionalCheckPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.checkConditionals,
	}))
	mux.Handle(conditionalsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listConditionals,
		http.MethodPost: server.createConditional,
	}))
	mux.Handle(conditionalDetailPrefix, http.HandlerFunc(server.handleConditionalDetail))

	mux.Handle(accountSummaryPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.accountSummary,
	}))
	mux.Handle(accountPositionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.accountPositions,
	}))

	mux.Handle(riskPreviewPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.previewRisk,
	}))

	mux.Handle(connectionPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.connectionStatus,
	}))
	mux.Handle(connectionConnectPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.connect,
	}))
	mux.Handle(connectionDisconnectPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.disconnect,
	}))

	mux.Handle(healthPath, http.HandlerFunc(server.health))
	mux.Handle(readyPath, http.HandlerFunc(server.ready))

	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req schema.OrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	order, err := s.orders.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

type bracketPayload struct {
	Entry      schema.OrderRequest `json:"entry"`
	TakeProfit json.Number         `json:"take_profit"`
	StopLoss   json.Number         `json:"stop_loss"`
}

func (s *httpServer) placeBracket(w http.ResponseWriter, r *http.Request) {
	var payload bracketPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	takeProfit, ok := parsePrice(w, "take_profit", payload.TakeProfit)
	if !ok {
		return
	}
	stopLoss, ok := parsePrice(w, "stop_loss", payload.StopLoss)
	if !ok {
		return
	}
	group, err := s.orders.SubmitBracket(r.Context(), orders.BracketRequest{
		Entry:      payload.Entry,
		TakeProfit: takeProfit,
		StopLoss:   stopLoss,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

type ocoPayload struct {
	First  schema.OrderRequest `json:"first"`
	Second schema.OrderRequest `json:"second"`
}

func (s *httpServer) placeOCO(w http.ResponseWriter, r *http.Request) {
	var payload ocoPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	group, err := s.orders.SubmitOCO(r.Context(), payload.First, payload.Second)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	query := orderstore.Query{Symbol: strings.TrimSpace(r.URL.Query().Get("symbol"))}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		query.Statuses = []schema.OrderStatus{schema.OrderStatus(status)}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			query.Limit = limit
		}
	}
	list, err := s.orders.List(r.Context(), query)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list, "count": len(list)})
}

// handleOrderDetail serves /orders/{id} and /orders/{id}/fills.
func (s *httpServer) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	parts := strings.SplitN(rest, "/", 2)
	venueID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || venueID <= 0 {
		writeError(w, http.StatusBadRequest, "order id must be a positive integer")
		return
	}

	if len(parts) == 2 {
		if parts[1] != "fills" || r.Method != http.MethodGet {
			writeError(w, http.StatusNotFound, "unknown order resource")
			return
		}
		s.listFills(w, r, venueID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := s.orders.Get(r.Context(), venueID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case http.MethodPatch:
		s.modifyOrder(w, r, venueID)
	case http.MethodDelete:
		if err := s.orders.Cancel(r.Context(), venueID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancel_requested", "venue_id": venueID})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPatch)
	}
}

type modifyPayload struct {
	Quantity     *json.Number `json:"quantity,omitempty"`
	LimitPrice   *json.Number `json:"limit_price,omitempty"`
	StopPrice    *json.Number `json:"stop_price,omitempty"`
	TrailAmount  *json.Number `json:"trail_amount,omitempty"`
	TrailPercent *json.Number `json:"trail_percent,omitempty"`
}

func (s *httpServer) modifyOrder(w http.ResponseWriter, r *http.Request, venueID int64) {
	var payload modifyPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	var req orders.ModifyRequest
	if payload.Quantity != nil {
		value, ok := parsePrice(w, "quantity", *payload.Quantity)
		if !ok {
			return
		}
		req.Quantity = &value
	}
	if payload.LimitPrice != nil {
		value, ok := parsePrice(w, "limit_price", *payload.LimitPrice)
		if !ok {
			return
		}
		req.LimitPrice = &value
	}
	if payload.StopPrice != nil {
		value, ok := parsePrice(w, "stop_price", *payload.StopPrice)
		if !ok {
			return
		}
		req.StopPrice = &value
	}
	if payload.TrailAmount != nil {
		value, ok := parsePrice(w, "trail_amount", *payload.TrailAmount)
		if !ok {
			return
		}
		req.TrailAmount = &value
	}
	if payload.TrailPercent != nil {
		value, ok := parsePrice(w, "trail_percent", *payload.TrailPercent)
		if !ok {
			return
		}
		req.TrailPercent = &value
	}
	order, err := s.orders.Modify(r.Context(), venueID, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) listFills(w http.ResponseWriter, r *http.Request, venueID int64) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	fills, err := s.orders.Fills(r.Context(), venueID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fills": fills, "count": len(fills)})
}

func (s *httpServer) createConditional(w http.ResponseWriter, r *http.Request) {
	var req monitor.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	order, err := s.monitor.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *httpServer) listConditionals(w http.ResponseWriter, r *http.Request) {
	status := schema.ConditionalStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	list, err := s.monitor.List(r.Context(), status, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conditional_orders": list, "count": len(list)})
}

func (s *httpServer) handleConditionalDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, conditionalDetailPrefix), "/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "conditional order id required")
		return
	}

	if len(parts) == 2 {
		if parts[1] != "check" || r.Method != http.MethodPost {
			writeError(w, http.StatusNotFound, "unknown conditional order resource")
			return
		}
		fired, err := s.monitor.CheckOne(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "triggered": fired})
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := s.monitor.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case http.MethodDelete:
		if err := s.monitor.Cancel(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "id": id})
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet)
	}
}

func (s *httpServer) checkConditionals(w http.ResponseWriter, r *http.Request) {
	triggered := s.monitor.CheckNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"triggered": triggered})
}

func (s *httpServer) accountSummary(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.accounts.Summary(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *httpServer) accountPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.accounts.Positions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions, "count": len(positions)})
}

func (s *httpServer) previewRisk(w http.ResponseWriter, r *http.Request) {
	var req schema.OrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}
	assessment, err := s.risk.Evaluate(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

func (s *httpServer) connectionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     s.session.State().String(),
		"connected": s.session.IsConnected(),
	})
}

func (s *httpServer) connect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Connect(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	s.connectionStatus(w, r)
}

func (s *httpServer) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Disconnect(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	s.connectionStatus(w, r)
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready reports whether the gateway can take trading requests, which requires
// a live venue session.
func (s *httpServer) ready(w http.ResponseWriter, _ *http.Request) {
	if !s.session.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "venue session " + s.session.State().String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parsePrice(w http.ResponseWriter, field string, raw json.Number) (decimal.Decimal, bool) {
	value, err := decimal.NewFromString(raw.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, field+" must be a decimal number")
		return decimal.Decimal{}, false
	}
	return value, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	defer func() { _ = r.Body.Close() }()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeValidation, errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeOrder:
		status = http.StatusConflict
	case errs.CodeConnection:
		status = http.StatusServiceUnavailable
	case errs.CodeMarketData:
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
