package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/forekast/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot reads: market rows and per-user position lists. Writes go
// to the primary store; transactional writes record the rows they touched
// and invalidate their keys after the transaction commits.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Tx delegates to the primary store, tracking which markets and users the
// transaction mutates; their cache keys are dropped only after the primary
// commit succeeds, so readers never see staged state.
func (s *CachedStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.Tx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}

	for _, id := range rec.markets {
		s.rdb.Del(ctx, marketKey(id))
	}
	for _, id := range rec.users {
		s.rdb.Del(ctx, positionsKey(id))
	}
	return nil
}

// --- Write-through (write to primary, invalidate or populate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) MarketStats(ctx context.Context) (model.MarketStats, error) {
	return s.primary.MarketStats(ctx)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID, f)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }

// recordingTx forwards every call to the wrapped transaction while noting
// which market and user rows were mutated, for post-commit invalidation.
type recordingTx struct {
	Tx
	markets []string
	users   []string
}

func (t *recordingTx) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	t.users = append(t.users, id)
	return t.Tx.UpdateUserBalance(ctx, id, balance)
}

func (t *recordingTx) UpdateMarketPrices(ctx context.Context, id string, priceYes, priceNo, totalVolume decimal.Decimal) error {
	t.markets = append(t.markets, id)
	return t.Tx.UpdateMarketPrices(ctx, id, priceYes, priceNo, totalVolume)
}

func (t *recordingTx) MarkMarketResolved(ctx context.Context, id string, outcome model.Outcome) error {
	t.markets = append(t.markets, id)
	return t.Tx.MarkMarketResolved(ctx, id, outcome)
}

func (t *recordingTx) CreatePosition(ctx context.Context, p *model.Position) error {
	t.users = append(t.users, p.UserID)
	return t.Tx.CreatePosition(ctx, p)
}

func (t *recordingTx) UpdatePositionShares(ctx context.Context, p *model.Position) error {
	t.users = append(t.users, p.UserID)
	return t.Tx.UpdatePositionShares(ctx, p)
}
