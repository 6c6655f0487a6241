// Package model defines the core domain types shared across the venue.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a trade is taken on.
type Side string

// OrderType distinguishes buys from sells.
type OrderType string

// OrderStatus is the lifecycle state of an order. The engine only supports
// immediate full execution, so every committed order is filled.
type OrderStatus string

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

// Outcome is a market's resolved outcome.
type Outcome string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

const (
	OrderStatusFilled OrderStatus = "filled"
)

const (
	MarketStatusOpen     MarketStatus = "open"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusResolved MarketStatus = "resolved"
)

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool { return t == OrderTypeBuy || t == OrderTypeSell }

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

// Side returns the outcome as a trade side; winning shares of that side pay
// one coin each at settlement.
func (o Outcome) Side() Side { return Side(o) }

// User holds identity plus wallet. The engine only checks non-negativity on
// debit; credits are applied unconditionally.
type User struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Balance   decimal.Decimal `json:"balance" db:"balance"` // coins
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Market is one binary-outcome trading venue. PriceYes and PriceNo always
// sum to 1 within 4-decimal rounding; PriceNo is derived, never set
// independently of PriceYes.
type Market struct {
	ID              string          `json:"id" db:"id"`
	Title           string          `json:"title" db:"title"`
	Description     string          `json:"description,omitempty" db:"description"`
	Category        string          `json:"category" db:"category"`
	PriceYes        decimal.Decimal `json:"yes_price" db:"yes_price"`
	PriceNo         decimal.Decimal `json:"no_price" db:"no_price"`
	Liquidity       decimal.Decimal `json:"liquidity" db:"liquidity"` // AMM depth, fixed at creation
	TotalVolume     decimal.Decimal `json:"total_volume" db:"total_volume"`
	Status          MarketStatus    `json:"status" db:"status"`
	ResolvedOutcome Outcome         `json:"resolved_outcome,omitempty" db:"resolved_outcome"` // set exactly once
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Price returns the market's current price for one side.
func (m *Market) Price(side Side) decimal.Decimal {
	if side == SideYes {
		return m.PriceYes
	}
	return m.PriceNo
}

// Position is a user's net holding in one market, unique per (user, market).
// Created lazily on first buy, never deleted; share counts may decay to
// zero. Avg prices are only meaningful while the matching share count is
// positive, and selling never changes them.
type Position struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	YesShares   int64           `json:"yes_shares" db:"yes_shares"`
	NoShares    int64           `json:"no_shares" db:"no_shares"`
	AvgYesPrice decimal.Decimal `json:"avg_yes_price" db:"avg_yes_price"`
	AvgNoPrice  decimal.Decimal `json:"avg_no_price" db:"avg_no_price"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Shares returns the held share count for one side.
func (p *Position) Shares(side Side) int64 {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// Order is an immutable record of one executed trade. Written once, never
// mutated or deleted by the engine.
type Order struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	Side           Side            `json:"side" db:"side"`
	OrderType      OrderType       `json:"order_type" db:"order_type"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	Price          decimal.Decimal `json:"price" db:"price"`           // execution price per share
	TotalCost      decimal.Decimal `json:"total_cost" db:"total_cost"` // price × quantity
	Status         OrderStatus     `json:"status" db:"status"`
	FilledQuantity int64           `json:"filled_quantity" db:"filled_quantity"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	ExecutedAt     time.Time       `json:"executed_at" db:"executed_at"`
}

// MarketStats aggregates venue-wide market counters.
type MarketStats struct {
	TotalMarkets    int             `json:"total_markets"`
	OpenMarkets     int             `json:"open_markets"`
	ResolvedMarkets int             `json:"resolved_markets"`
	TotalVolume     decimal.Decimal `json:"total_volume"`
}
