// Package api provides the HTTP handlers for users, markets, orders, and
// portfolio queries. Handlers validate input and check market lifecycle
// preconditions; balance and share accounting lives in the engine.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forekast/ledger-engine/internal/engine"
	"github.com/forekast/ledger-engine/internal/metrics"
	"github.com/forekast/ledger-engine/internal/model"
	"github.com/forekast/ledger-engine/internal/store"
)

// Service handles the venue's HTTP API.
type Service struct {
	store           store.Store
	engine          *engine.Engine
	startingBalance decimal.Decimal
	wsHub           *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, eng *engine.Engine, startingBalance decimal.Decimal, hub *WSHub) *Service {
	return &Service{
		store:           st,
		engine:          eng,
		startingBalance: startingBalance,
		wsHub:           hub,
	}
}

// Routes mounts all API handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.CreateUser)
	r.Get("/users/{userID}", s.GetUser)

	r.Post("/markets", s.CreateMarket)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/stats", s.GetMarketStats)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Put("/markets/{marketID}/status", s.UpdateMarketStatus)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)

	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders", s.ListOrders)

	r.Get("/portfolio/{userID}/positions", s.GetPositions)
	r.Get("/portfolio/{userID}/summary", s.GetPortfolioSummary)

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for user creation.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Liquidity   decimal.Decimal `json:"liquidity"` // 0 → default 1000
}

// UpdateStatusRequest is the JSON body for PUT /markets/{id}/status.
type UpdateStatusRequest struct {
	Status model.MarketStatus `json:"status"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	Outcome model.Outcome `json:"outcome"`
}

// ResolveResponse reports how many positions a resolution paid out.
type ResolveResponse struct {
	MarketID     string        `json:"market_id"`
	Outcome      model.Outcome `json:"outcome"`
	SettledCount int           `json:"settled_count"`
}

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	Side      model.Side      `json:"side"`
	OrderType model.OrderType `json:"order_type"`
	Quantity  int64           `json:"quantity"`
}

// PositionView is a position enriched with market context for the
// portfolio endpoints.
type PositionView struct {
	MarketID    string          `json:"market_id"`
	MarketTitle string          `json:"market_title"`
	YesShares   int64           `json:"yes_shares"`
	NoShares    int64           `json:"no_shares"`
	AvgYesPrice decimal.Decimal `json:"avg_yes_price"`
	AvgNoPrice  decimal.Decimal `json:"avg_no_price"`
	PriceYes    decimal.Decimal `json:"yes_price"`
	PriceNo     decimal.Decimal `json:"no_price"`
	Value       decimal.Decimal `json:"value"` // mark-to-market
}

// PortfolioSummary is the response for GET /portfolio/{userID}/summary.
type PortfolioSummary struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	Invested      decimal.Decimal `json:"invested"`       // cost basis of open shares
	HoldingsValue decimal.Decimal `json:"holdings_value"` // mark-to-market
	ProfitLoss    decimal.Decimal `json:"profit_loss"`
	Equity        decimal.Decimal `json:"equity"` // balance + holdings value
}

// --- User handlers ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	user := &model.User{
		ID:        uuid.New().String(),
		Username:  req.Username,
		Balance:   s.startingBalance,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("user created", "id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.Liquidity.IsNegative() {
		writeError(w, "liquidity must not be negative", http.StatusBadRequest)
		return
	}

	liquidity := req.Liquidity
	if liquidity.IsZero() {
		liquidity = decimal.NewFromInt(1000) // default depth
	}

	half := decimal.NewFromFloat(0.5)
	market := &model.Market{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		PriceYes:    half,
		PriceNo:     half,
		Liquidity:   liquidity,
		TotalVolume: decimal.Zero,
		Status:      model.MarketStatusOpen,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"title", market.Title,
		"liquidity", liquidity.String(),
	)
	writeJSON(w, http.StatusCreated, market)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// ListMarkets handles GET /api/v1/markets
// Optional filters: ?status=open&category=sports&limit=20&offset=0.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MarketFilter{
		Category: q.Get("category"),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	}
	if raw := q.Get("status"); raw != "" {
		status := model.MarketStatus(raw)
		if status != model.MarketStatusOpen && status != model.MarketStatusClosed && status != model.MarketStatusResolved {
			writeError(w, "status must be open, closed, or resolved", http.StatusBadRequest)
			return
		}
		f.Status = status
	}

	markets, err := s.store.ListMarkets(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarketStats handles GET /api/v1/markets/stats
func (s *Service) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.MarketStats(r.Context())
	if err != nil {
		writeError(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// UpdateMarketStatus handles PUT /api/v1/markets/{marketID}/status
// Only open ↔ closed transitions; resolution goes through /resolve.
func (s *Service) UpdateMarketStatus(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status != model.MarketStatusOpen && req.Status != model.MarketStatusClosed {
		writeError(w, "status must be open or closed", http.StatusBadRequest)
		return
	}

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if market.Status == model.MarketStatusResolved {
		writeError(w, "market is already resolved", http.StatusConflict)
		return
	}

	if err := s.store.UpdateMarketStatus(r.Context(), marketID, req.Status); err != nil {
		writeError(w, "failed to update status", http.StatusInternalServerError)
		return
	}

	switch {
	case market.Status == model.MarketStatusOpen && req.Status == model.MarketStatusClosed:
		metrics.ActiveMarkets.Dec()
	case market.Status == model.MarketStatusClosed && req.Status == model.MarketStatusOpen:
		metrics.ActiveMarkets.Inc()
	}

	slog.Info("market status updated", "id", marketID, "from", market.Status, "to", req.Status)
	market.Status = req.Status
	writeJSON(w, http.StatusOK, market)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
// Settles every winning position at one coin per share.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Outcome.Valid() {
		writeError(w, "outcome must be yes or no", http.StatusBadRequest)
		return
	}

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if market.Status == model.MarketStatusResolved {
		writeError(w, "market is already resolved", http.StatusBadRequest)
		return
	}

	settled, err := s.engine.ResolveMarket(r.Context(), marketID, req.Outcome)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.SettlementsTotal.Add(float64(settled))
	if market.Status == model.MarketStatusOpen {
		metrics.ActiveMarkets.Dec()
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: marketID,
			Outcome:  string(req.Outcome),
		})
	}

	writeJSON(w, http.StatusOK, ResolveResponse{
		MarketID:     marketID,
		Outcome:      req.Outcome,
		SettledCount: settled,
	})
}

// --- Order handlers ---

// PlaceOrder handles POST /api/v1/orders
// Validates the request, checks the market is open, then hands the
// balance and share accounting to the engine.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be yes or no", http.StatusBadRequest)
		return
	}
	if !req.OrderType.Valid() {
		writeError(w, "order_type must be buy or sell", http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if _, err := s.store.GetUser(ctx, req.UserID); err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	market, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if market.Status != model.MarketStatusOpen {
		writeError(w, "market is not open for trading", http.StatusConflict)
		return
	}

	start := time.Now()
	var order *model.Order
	if req.OrderType == model.OrderTypeBuy {
		order, err = s.engine.ExecuteBuy(ctx, req.UserID, req.MarketID, req.Side, req.Quantity)
	} else {
		order, err = s.engine.ExecuteSell(ctx, req.UserID, req.MarketID, req.Side, req.Quantity)
	}
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInsufficientBalance):
			metrics.OrdersRejected.WithLabelValues("insufficient_balance").Inc()
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, engine.ErrNoPosition):
			metrics.OrdersRejected.WithLabelValues("no_position").Inc()
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, engine.ErrInsufficientShares):
			metrics.OrdersRejected.WithLabelValues("insufficient_shares").Inc()
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			writeError(w, "order execution failed", http.StatusInternalServerError)
		}
		return
	}

	metrics.OrdersTotal.WithLabelValues(string(req.Side), string(req.OrderType)).Inc()
	metrics.OrderLatency.WithLabelValues(string(req.Side), string(req.OrderType)).
		Observe(time.Since(start).Seconds())

	// Broadcast the post-trade prices.
	if s.wsHub != nil {
		if updated, err := s.store.GetMarket(ctx, req.MarketID); err == nil {
			s.wsHub.Broadcast(WSMessage{
				Type:     "order_executed",
				MarketID: req.MarketID,
				PriceYes: updated.PriceYes.String(),
				PriceNo:  updated.PriceNo.String(),
				Side:     string(req.Side),
				Quantity: req.Quantity,
			})
		}
	}

	writeJSON(w, http.StatusCreated, order)
}

// ListOrders handles GET /api/v1/orders?user_id=...
// Newest first; optional market_id filter plus limit/offset.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	orders, err := s.store.ListOrdersByUser(r.Context(), userID, store.OrderFilter{
		MarketID: q.Get("market_id"),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	})
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Portfolio handlers ---

// GetPositions handles GET /api/v1/portfolio/{userID}/positions
// Returns positions that still hold shares, with current market prices.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	views := []PositionView{}
	for _, p := range positions {
		if p.YesShares == 0 && p.NoShares == 0 {
			continue
		}
		market, err := s.store.GetMarket(ctx, p.MarketID)
		if err != nil {
			continue
		}
		views = append(views, PositionView{
			MarketID:    p.MarketID,
			MarketTitle: market.Title,
			YesShares:   p.YesShares,
			NoShares:    p.NoShares,
			AvgYesPrice: p.AvgYesPrice,
			AvgNoPrice:  p.AvgNoPrice,
			PriceYes:    market.PriceYes,
			PriceNo:     market.PriceNo,
			Value:       positionValue(&p, market),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPortfolioSummary handles GET /api/v1/portfolio/{userID}/summary
func (s *Service) GetPortfolioSummary(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	invested := decimal.Zero
	value := decimal.Zero
	for _, p := range positions {
		if p.YesShares == 0 && p.NoShares == 0 {
			continue
		}
		market, err := s.store.GetMarket(ctx, p.MarketID)
		if err != nil {
			continue
		}
		invested = invested.Add(p.AvgYesPrice.Mul(decimal.NewFromInt(p.YesShares))).
			Add(p.AvgNoPrice.Mul(decimal.NewFromInt(p.NoShares)))
		value = value.Add(positionValue(&p, market))
	}

	writeJSON(w, http.StatusOK, PortfolioSummary{
		UserID:        userID,
		Balance:       user.Balance,
		Invested:      invested,
		HoldingsValue: value,
		ProfitLoss:    value.Sub(invested),
		Equity:        user.Balance.Add(value),
	})
}

// positionValue marks a position to the market's current prices. Shares
// in a resolved market are worth nothing: the winning payout has already
// been credited to the balance.
func positionValue(p *model.Position, m *model.Market) decimal.Decimal {
	if m.Status == model.MarketStatusResolved {
		return decimal.Zero
	}
	yes := m.PriceYes.Mul(decimal.NewFromInt(p.YesShares))
	no := m.PriceNo.Mul(decimal.NewFromInt(p.NoShares))
	return yes.Add(no)
}

// --- Helpers ---

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func intParam(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
