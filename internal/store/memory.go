package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/forekast/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Transactions hold the store mutex for their whole duration, which
// serializes them the way row locks serialize same-row transactions in
// PostgreSQL; a snapshot taken at transaction start restores the previous
// state on rollback.
type MemoryStore struct {
	mu        sync.Mutex
	users     map[string]*model.User
	markets   map[string]*model.Market
	positions map[string]*model.Position // key: userID|marketID
	posOrder  []string                   // position keys in creation order
	orders    []model.Order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
	}
}

func posKey(userID, marketID string) string { return userID + "|" + marketID }

type memSnapshot struct {
	users     map[string]*model.User
	markets   map[string]*model.Market
	positions map[string]*model.Position
	posOrder  []string
	orderLen  int
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		users:     make(map[string]*model.User, len(s.users)),
		markets:   make(map[string]*model.Market, len(s.markets)),
		positions: make(map[string]*model.Position, len(s.positions)),
		posOrder:  append([]string(nil), s.posOrder...),
		orderLen:  len(s.orders),
	}
	for id, u := range s.users {
		cp := *u
		snap.users[id] = &cp
	}
	for id, m := range s.markets {
		cp := *m
		snap.markets[id] = &cp
	}
	for k, p := range s.positions {
		cp := *p
		snap.positions[k] = &cp
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.users = snap.users
	s.markets = snap.markets
	s.positions = snap.positions
	s.posOrder = snap.posOrder
	s.orders = s.orders[:snap.orderLen]
}

// Tx runs fn while holding the store lock; on error the pre-transaction
// snapshot is restored so no partial mutation survives.
func (s *MemoryStore) Tx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// --- Store reads/writes outside transactions ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Category != "" && !strings.EqualFold(m.Category, f.Category) {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return page(markets, f.Offset, f.Limit), nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) MarketStats(_ context.Context) (model.MarketStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := model.MarketStats{TotalVolume: decimal.Zero}
	for _, m := range s.markets {
		stats.TotalMarkets++
		switch m.Status {
		case model.MarketStatusOpen:
			stats.OpenMarkets++
		case model.MarketStatusResolved:
			stats.ResolvedMarkets++
		}
		stats.TotalVolume = stats.TotalVolume.Add(m.TotalVolume)
	}
	return stats, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Order
	// Newest first.
	for i := len(s.orders) - 1; i >= 0; i-- {
		o := s.orders[i]
		if o.UserID != userID {
			continue
		}
		if f.MarketID != "" && o.MarketID != f.MarketID {
			continue
		}
		out = append(out, o)
	}
	return page(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Position
	for _, key := range s.posOrder {
		p := s.positions[key]
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// --- Transaction handle ---

// memTx operates directly on the store's maps; the store lock is already
// held for the whole transaction.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) LockUser(_ context.Context, id string) (*model.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) LockMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (t *memTx) LockPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	p, ok := t.s.positions[posKey(userID, marketID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) CreatePosition(_ context.Context, p *model.Position) error {
	key := posKey(p.UserID, p.MarketID)
	cp := *p
	t.s.positions[key] = &cp
	t.s.posOrder = append(t.s.posOrder, key)
	return nil
}

func (t *memTx) UpdateUserBalance(_ context.Context, id string, balance decimal.Decimal) error {
	u, ok := t.s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Balance = balance
	return nil
}

func (t *memTx) UpdateMarketPrices(_ context.Context, id string, priceYes, priceNo, totalVolume decimal.Decimal) error {
	m, ok := t.s.markets[id]
	if !ok {
		return ErrNotFound
	}
	m.PriceYes = priceYes
	m.PriceNo = priceNo
	m.TotalVolume = totalVolume
	return nil
}

func (t *memTx) MarkMarketResolved(_ context.Context, id string, outcome model.Outcome) error {
	m, ok := t.s.markets[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = model.MarketStatusResolved
	m.ResolvedOutcome = outcome
	return nil
}

func (t *memTx) UpdatePositionShares(_ context.Context, p *model.Position) error {
	existing, ok := t.s.positions[posKey(p.UserID, p.MarketID)]
	if !ok {
		return ErrNotFound
	}
	existing.YesShares = p.YesShares
	existing.NoShares = p.NoShares
	existing.AvgYesPrice = p.AvgYesPrice
	existing.AvgNoPrice = p.AvgNoPrice
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	t.s.orders = append(t.s.orders, *o)
	return nil
}

func (t *memTx) PositionsByMarket(_ context.Context, marketID string, offset, limit int) ([]model.Position, error) {
	var all []model.Position
	for _, key := range t.s.posOrder {
		p := t.s.positions[key]
		if p.MarketID == marketID {
			all = append(all, *p)
		}
	}
	return page(all, offset, limit), nil
}
