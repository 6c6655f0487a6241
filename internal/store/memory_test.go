package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forekast/ledger-engine/internal/model"
	"github.com/forekast/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedUser(t *testing.T, ms store.Store, id string, balance float64) {
	t.Helper()
	u := &model.User{ID: id, Username: id, Balance: d(balance), CreatedAt: time.Now().UTC()}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func seedMarket(t *testing.T, ms store.Store, id, category string, status model.MarketStatus) {
	t.Helper()
	m := &model.Market{
		ID:        id,
		Title:     "m-" + id,
		Category:  category,
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

func TestMemoryStore_UserRoundTrip(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 1000)

	u, err := ms.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("expected balance 1000, got %s", u.Balance)
	}

	if _, err := ms.GetUser(context.Background(), "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 1000)

	u, _ := ms.GetUser(context.Background(), "alice")
	u.Balance = d(0)

	again, _ := ms.GetUser(context.Background(), "alice")
	if !again.Balance.Equal(d(1000)) {
		t.Error("mutating a returned row must not affect the store")
	}
}

func TestMemoryStore_ListMarketsFilters(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1", "sports", model.MarketStatusOpen)
	seedMarket(t, ms, "m2", "politics", model.MarketStatusOpen)
	seedMarket(t, ms, "m3", "sports", model.MarketStatusResolved)

	ctx := context.Background()

	all, err := ms.ListMarkets(ctx, store.MarketFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 markets, got %d", len(all))
	}

	open, _ := ms.ListMarkets(ctx, store.MarketFilter{Status: model.MarketStatusOpen})
	if len(open) != 2 {
		t.Errorf("expected 2 open markets, got %d", len(open))
	}

	sports, _ := ms.ListMarkets(ctx, store.MarketFilter{Category: "sports"})
	if len(sports) != 2 {
		t.Errorf("expected 2 sports markets, got %d", len(sports))
	}

	both, _ := ms.ListMarkets(ctx, store.MarketFilter{Status: model.MarketStatusOpen, Category: "sports"})
	if len(both) != 1 || both[0].ID != "m1" {
		t.Errorf("expected only m1, got %+v", both)
	}

	paged, _ := ms.ListMarkets(ctx, store.MarketFilter{Limit: 2, Offset: 2})
	if len(paged) != 1 {
		t.Errorf("expected 1 market on second page, got %d", len(paged))
	}
}

func TestMemoryStore_MarketStats(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1", "sports", model.MarketStatusOpen)
	seedMarket(t, ms, "m2", "sports", model.MarketStatusResolved)
	seedMarket(t, ms, "m3", "sports", model.MarketStatusClosed)

	ctx := context.Background()
	if err := ms.Tx(ctx, func(tx store.Tx) error {
		return tx.UpdateMarketPrices(ctx, "m1", d(0.6), d(0.4), d(120))
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}

	stats, err := ms.MarketStats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalMarkets != 3 || stats.OpenMarkets != 1 || stats.ResolvedMarkets != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if !stats.TotalVolume.Equal(d(120)) {
		t.Errorf("expected volume 120, got %s", stats.TotalVolume)
	}
}

func TestMemoryStore_TxRollback(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", "sports", model.MarketStatusOpen)

	ctx := context.Background()
	boom := errors.New("boom")
	err := ms.Tx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateUserBalance(ctx, "alice", d(0)); err != nil {
			return err
		}
		if err := tx.MarkMarketResolved(ctx, "m1", model.OutcomeYes); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	u, _ := ms.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("balance must roll back, got %s", u.Balance)
	}
	m, _ := ms.GetMarket(ctx, "m1")
	if m.Status != model.MarketStatusOpen {
		t.Errorf("market status must roll back, got %s", m.Status)
	}
}

func TestMemoryStore_LockAccessors(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 1000)
	seedMarket(t, ms, "m1", "sports", model.MarketStatusOpen)

	ctx := context.Background()
	err := ms.Tx(ctx, func(tx store.Tx) error {
		u, err := tx.LockUser(ctx, "alice")
		if err != nil {
			return err
		}
		if !u.Balance.Equal(d(1000)) {
			t.Errorf("expected balance 1000, got %s", u.Balance)
		}
		if _, err := tx.LockMarket(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing market, got %v", err)
		}
		if _, err := tx.LockPosition(ctx, "alice", "m1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing position, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestMemoryStore_PositionsByMarketPaging(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMarket(t, ms, "m1", "sports", model.MarketStatusOpen)

	ctx := context.Background()
	const total = 7
	if err := ms.Tx(ctx, func(tx store.Tx) error {
		for i := 0; i < total; i++ {
			p := &model.Position{
				ID:        "p" + string(rune('0'+i)),
				UserID:    "u" + string(rune('0'+i)),
				MarketID:  "m1",
				YesShares: 1,
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.CreatePosition(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}

	seen := map[string]bool{}
	if err := ms.Tx(ctx, func(tx store.Tx) error {
		for offset := 0; ; offset += 3 {
			batch, err := tx.PositionsByMarket(ctx, "m1", offset, 3)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}
			for _, p := range batch {
				if seen[p.ID] {
					t.Errorf("position %s returned twice", p.ID)
				}
				seen[p.ID] = true
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if len(seen) != total {
		t.Errorf("expected %d distinct positions, got %d", total, len(seen))
	}
}

func TestMemoryStore_OrdersNewestFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.Tx(ctx, func(tx store.Tx) error {
		for _, id := range []string{"o1", "o2", "o3"} {
			o := &model.Order{
				ID: id, UserID: "alice", MarketID: "m1",
				Side: model.SideYes, OrderType: model.OrderTypeBuy,
				Quantity: 1, Price: d(0.5), TotalCost: d(0.5),
				Status: model.OrderStatusFilled, FilledQuantity: 1,
				CreatedAt: time.Now().UTC(), ExecutedAt: time.Now().UTC(),
			}
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}

	orders, err := ms.ListOrdersByUser(ctx, "alice", store.OrderFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}
	if orders[0].ID != "o3" || orders[2].ID != "o1" {
		t.Errorf("expected newest first, got %s..%s", orders[0].ID, orders[2].ID)
	}
}

func TestMemoryStore_DuplicateCreate(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 1000)

	err := ms.CreateUser(context.Background(), &model.User{ID: "alice", Username: "alice"})
	if err == nil {
		t.Error("expected error for duplicate user id")
	}
}
