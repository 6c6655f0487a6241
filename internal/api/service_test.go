package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/forekast/ledger-engine/internal/api"
	"github.com/forekast/ledger-engine/internal/engine"
	"github.com/forekast/ledger-engine/internal/model"
	"github.com/forekast/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := api.NewService(ms, engine.New(ms), d(1000), nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, r
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	u := &model.User{ID: id, Username: id, Balance: d(balance), CreatedAt: time.Now().UTC()}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func seedMarket(t *testing.T, ms *store.MemoryStore, id string, status model.MarketStatus) {
	t.Helper()
	m := &model.Market{
		ID:        id,
		Title:     "Will it happen?",
		Category:  "sports",
		PriceYes:  d(0.5),
		PriceNo:   d(0.5),
		Liquidity: d(1000),
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Users ---

func TestCreateUser(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/users", api.CreateUserRequest{Username: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var user model.User
	json.Unmarshal(w.Body.Bytes(), &user)
	if user.ID == "" {
		t.Error("expected generated id")
	}
	if !user.Balance.Equal(d(1000)) {
		t.Errorf("expected starting balance 1000, got %s", user.Balance)
	}

	// Round-trip through GET.
	w = doJSON(t, router, "GET", "/api/v1/users/"+user.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreateUser_MissingUsername(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/users", api.CreateUserRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/users/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Markets ---

func TestCreateMarket_Defaults(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{
		Title:    "Will it rain tomorrow?",
		Category: "weather",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var market model.Market
	json.Unmarshal(w.Body.Bytes(), &market)
	if !market.Liquidity.Equal(d(1000)) {
		t.Errorf("expected default liquidity 1000, got %s", market.Liquidity)
	}
	if !market.PriceYes.Equal(d(0.5)) || !market.PriceNo.Equal(d(0.5)) {
		t.Errorf("expected 0.5/0.5 prices, got %s/%s", market.PriceYes, market.PriceNo)
	}
	if market.Status != model.MarketStatusOpen {
		t.Errorf("expected open status, got %s", market.Status)
	}
}

func TestCreateMarket_MissingTitle(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/markets", api.CreateMarketRequest{Category: "other"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestListMarkets_StatusFilter(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)
	seedMarket(t, ms, "m2", model.MarketStatusClosed)
	seedMarket(t, ms, "m3", model.MarketStatusOpen)

	w := doJSON(t, router, "GET", "/api/v1/markets?status=open", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var markets []model.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 2 {
		t.Errorf("expected 2 open markets, got %d", len(markets))
	}

	w = doJSON(t, router, "GET", "/api/v1/markets?status=someday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status, got %d", w.Code)
	}
}

func TestMarketStats(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)
	seedMarket(t, ms, "m2", model.MarketStatusOpen)

	doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 10,
	})

	w := doJSON(t, router, "GET", "/api/v1/markets/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var stats model.MarketStats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.TotalMarkets != 2 || stats.OpenMarkets != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if !stats.TotalVolume.Equal(d(5)) {
		t.Errorf("expected volume 5, got %s", stats.TotalVolume)
	}
}

func TestUpdateMarketStatus(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	w := doJSON(t, router, "PUT", "/api/v1/markets/m1/status",
		api.UpdateStatusRequest{Status: model.MarketStatusClosed})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	market, _ := ms.GetMarket(context.Background(), "m1")
	if market.Status != model.MarketStatusClosed {
		t.Errorf("expected closed, got %s", market.Status)
	}

	// Direct transition to resolved is rejected.
	w = doJSON(t, router, "PUT", "/api/v1/markets/m1/status",
		api.UpdateStatusRequest{Status: model.MarketStatusResolved})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for resolved via status, got %d", w.Code)
	}
}

// --- Orders ---

func TestPlaceOrder_Buy(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	w := doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 100,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var order model.Order
	json.Unmarshal(w.Body.Bytes(), &order)
	if order.ID == "" {
		t.Error("expected non-empty order id")
	}
	if !order.TotalCost.Equal(d(50)) {
		t.Errorf("expected cost 50, got %s", order.TotalCost)
	}
	if order.Status != model.OrderStatusFilled {
		t.Errorf("expected filled, got %s", order.Status)
	}

	user, _ := ms.GetUser(context.Background(), "alice")
	if !user.Balance.Equal(d(950)) {
		t.Errorf("expected balance 950, got %s", user.Balance)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	cases := []struct {
		name string
		req  api.OrderRequest
	}{
		{"missing user", api.OrderRequest{MarketID: "m1", Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 1}},
		{"bad side", api.OrderRequest{UserID: "alice", MarketID: "m1", Side: "maybe", OrderType: model.OrderTypeBuy, Quantity: 1}},
		{"bad type", api.OrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderType: "short", Quantity: 1}},
		{"zero quantity", api.OrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderType: model.OrderTypeBuy}},
		{"negative quantity", api.OrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: -5}},
	}
	for _, tc := range cases {
		w := doJSON(t, router, "POST", "/api/v1/orders", tc.req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, w.Code)
		}
	}
}

func TestPlaceOrder_MarketNotOpen(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", model.MarketStatusClosed)

	w := doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 10,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for closed market, got %d", w.Code)
	}
}

func TestPlaceOrder_InsufficientBalance(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "poor", 1)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	w := doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "poor", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 100,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Error("expected error message in body")
	}
}

func TestPlaceOrder_SellWithoutPosition(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	w := doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeSell, Quantity: 10,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for sell without position, got %d", w.Code)
	}
}

func TestListOrders(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 10000)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)
	seedMarket(t, ms, "m2", model.MarketStatusOpen)

	for _, marketID := range []string{"m1", "m2", "m1"} {
		w := doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
			UserID: "alice", MarketID: marketID,
			Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 5,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("order failed: %d %s", w.Code, w.Body.String())
		}
	}

	w := doJSON(t, router, "GET", "/api/v1/orders?user_id=alice", nil)
	var orders []model.Order
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}

	w = doJSON(t, router, "GET", "/api/v1/orders?user_id=alice&market_id=m1", nil)
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 2 {
		t.Errorf("expected 2 orders for m1, got %d", len(orders))
	}

	w = doJSON(t, router, "GET", "/api/v1/orders", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without user_id, got %d", w.Code)
	}
}

// --- Resolution ---

func TestResolveMarket(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 10,
	})

	w := doJSON(t, router, "POST", "/api/v1/markets/m1/resolve",
		api.ResolveRequest{Outcome: model.OutcomeYes})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.ResolveResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.SettledCount != 1 {
		t.Errorf("expected settled_count=1, got %d", resp.SettledCount)
	}

	// 1000 − 10×0.5 + 10×1 = 1005.
	user, _ := ms.GetUser(context.Background(), "alice")
	if !user.Balance.Equal(d(1005)) {
		t.Errorf("expected balance 1005, got %s", user.Balance)
	}

	// Second resolve is rejected.
	w = doJSON(t, router, "POST", "/api/v1/markets/m1/resolve",
		api.ResolveRequest{Outcome: model.OutcomeNo})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for double resolve, got %d", w.Code)
	}

	// Trading on a resolved market is rejected.
	w = doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 1,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on resolved market, got %d", w.Code)
	}
}

func TestResolveMarket_InvalidOutcome(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	w := doJSON(t, router, "POST", "/api/v1/markets/m1/resolve",
		api.ResolveRequest{Outcome: "partial"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Portfolio ---

func TestGetPositions(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 10,
	})

	w := doJSON(t, router, "GET", "/api/v1/portfolio/alice/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var views []api.PositionView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 {
		t.Fatalf("expected 1 position, got %d", len(views))
	}
	if views[0].YesShares != 10 {
		t.Errorf("expected 10 yes shares, got %d", views[0].YesShares)
	}
	if views[0].MarketTitle == "" {
		t.Error("expected market title to be filled in")
	}
}

func TestGetPositions_SoldOutHidden(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 10,
	})
	doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeSell, Quantity: 10,
	})

	w := doJSON(t, router, "GET", "/api/v1/portfolio/alice/positions", nil)
	var views []api.PositionView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 0 {
		t.Errorf("fully sold position should be hidden, got %d", len(views))
	}
}

func TestGetPortfolioSummary(t *testing.T) {
	ms, router := newTestEnv(t)
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", model.MarketStatusOpen)

	doJSON(t, router, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, OrderType: model.OrderTypeBuy, Quantity: 100,
	})

	w := doJSON(t, router, "GET", "/api/v1/portfolio/alice/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var summary api.PortfolioSummary
	json.Unmarshal(w.Body.Bytes(), &summary)

	if !summary.Balance.Equal(d(950)) {
		t.Errorf("expected balance 950, got %s", summary.Balance)
	}
	if !summary.Invested.Equal(d(50)) {
		t.Errorf("expected invested 50, got %s", summary.Invested)
	}
	// 100 shares marked at the post-trade price 0.51.
	if !summary.HoldingsValue.Equal(d(51)) {
		t.Errorf("expected holdings value 51, got %s", summary.HoldingsValue)
	}
	if !summary.ProfitLoss.Equal(d(1)) {
		t.Errorf("expected P&L 1, got %s", summary.ProfitLoss)
	}
	if !summary.Equity.Equal(d(1001)) {
		t.Errorf("expected equity 1001, got %s", summary.Equity)
	}
}

func TestGetPortfolioSummary_UnknownUser(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/portfolio/nobody/summary", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
