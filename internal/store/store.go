// Package store defines the persistence interface for the trading venue.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Mutating operations run inside a Store.Tx transaction. Rows that will be
// read then written are acquired through the Tx lock accessors before their
// values are used, in a fixed User → Market → Position order; locks live
// exactly as long as the transaction and are released together at commit or
// rollback.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/forekast/ledger-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// MarketFilter narrows ListMarkets.
type MarketFilter struct {
	Status   model.MarketStatus // zero value = any
	Category string             // empty = any
	Limit    int                // 0 = implementation default
	Offset   int
}

// OrderFilter narrows ListOrdersByUser.
type OrderFilter struct {
	MarketID string // empty = any
	Limit    int
	Offset   int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Tx runs fn inside one all-or-nothing transaction. If fn returns an
	// error the transaction rolls back and no mutation survives.
	Tx(ctx context.Context, fn func(tx Tx) error) error

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)

	// UpdateMarketStatus handles the open ↔ closed transitions driven by
	// external scheduling. Resolution goes through Tx.MarkMarketResolved.
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error

	MarketStats(ctx context.Context) (model.MarketStats, error)

	// --- Read-side queries ---

	ListOrdersByUser(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error)
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
}

// Tx is the handle passed to a transaction function. Lock accessors take an
// exclusive row lock before returning the row's current values.
type Tx interface {
	LockUser(ctx context.Context, id string) (*model.User, error)
	LockMarket(ctx context.Context, id string) (*model.Market, error)

	// LockPosition returns ErrNotFound when the user holds no position in
	// the market.
	LockPosition(ctx context.Context, userID, marketID string) (*model.Position, error)

	CreatePosition(ctx context.Context, p *model.Position) error
	UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error
	UpdateMarketPrices(ctx context.Context, id string, priceYes, priceNo, totalVolume decimal.Decimal) error
	MarkMarketResolved(ctx context.Context, id string, outcome model.Outcome) error
	UpdatePositionShares(ctx context.Context, p *model.Position) error
	InsertOrder(ctx context.Context, o *model.Order) error

	// PositionsByMarket pages through a market's positions in creation
	// order, for batched settlement walks.
	PositionsByMarket(ctx context.Context, marketID string, offset, limit int) ([]model.Position, error)
}
