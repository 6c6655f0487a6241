// Package engine implements the trading ledger engine: buy execution, sell
// execution, and market resolution/settlement. It owns every balance-moving
// and price-moving mutation in the venue.
//
// The engine is stateless; all coordination happens through the store's
// row locking. Each operation is one all-or-nothing transaction that locks
// the rows it will read-then-write in a fixed User → Market → Position
// order before reading their values, so concurrent operations on the same
// rows serialize in commit order and disjoint operations run in parallel.
// The engine never retries internally, and callers must not retry on an
// ambiguous timeout: a retried successful-but-unacknowledged commit would
// double-execute.
//
// Callers are expected to have validated inputs (side/type enums, quantity
// ≥ 1) and checked market preconditions (open for trades, not yet resolved
// for resolution) before invoking an operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forekast/ledger-engine/internal/amm"
	"github.com/forekast/ledger-engine/internal/model"
	"github.com/forekast/ledger-engine/internal/store"
)

// settleBatchSize bounds how many positions one settlement iteration holds
// in memory during a resolution walk.
const settleBatchSize = 500

// Engine executes trades and settlements against a Store. It holds no
// mutable state; construct once and share freely.
type Engine struct {
	store store.Store
}

// New creates an Engine over the given store.
func New(st store.Store) *Engine {
	return &Engine{store: st}
}

// ExecuteBuy debits the user at the side's current price, applies price
// impact toward 0.99 on the traded side, records the order, and updates the
// user's position with a volume-weighted average entry price — all in one
// transaction. Returns the committed order.
func (e *Engine) ExecuteBuy(ctx context.Context, userID, marketID string, side model.Side, quantity int64) (*model.Order, error) {
	var order *model.Order

	err := e.store.Tx(ctx, func(tx store.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		market, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}

		price := market.Price(side)
		cost := price.Mul(decimal.NewFromInt(quantity))

		if user.Balance.LessThan(cost) {
			return fmt.Errorf("%w: need %s, have %s",
				ErrInsufficientBalance, cost.StringFixed(2), user.Balance.StringFixed(2))
		}
		if err := tx.UpdateUserBalance(ctx, user.ID, user.Balance.Sub(cost)); err != nil {
			return err
		}

		// Buying pushes the traded side's price toward the ceiling; the
		// opposite side is always derived as 1 − new price.
		next := amm.Impact(quantity, market.Liquidity, price, amm.PushUp)
		if err := applyPrices(ctx, tx, market, side, next, market.TotalVolume.Add(cost)); err != nil {
			return err
		}

		now := time.Now().UTC()
		order = &model.Order{
			ID:             uuid.New().String(),
			UserID:         user.ID,
			MarketID:       market.ID,
			Side:           side,
			OrderType:      model.OrderTypeBuy,
			Quantity:       quantity,
			Price:          price,
			TotalCost:      cost,
			Status:         model.OrderStatusFilled,
			FilledQuantity: quantity,
			CreatedAt:      now,
			ExecutedAt:     now,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		pos, err := fetchOrCreatePosition(ctx, tx, user.ID, market.ID)
		if err != nil {
			return err
		}
		applyBuyToPosition(pos, side, quantity, price)
		return tx.UpdatePositionShares(ctx, pos)
	})

	if err != nil {
		if domainErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}

	slog.Info("buy executed",
		"order_id", order.ID,
		"user", userID,
		"market", marketID,
		"side", side,
		"quantity", quantity,
		"price", order.Price.String(),
		"cost", order.TotalCost.String(),
	)
	return order, nil
}

// ExecuteSell credits the user at the side's current price, applies price
// impact toward 0.01 on the sold side, records the order, and decrements
// the position's share count. Selling never changes the average entry
// price, only the share count.
func (e *Engine) ExecuteSell(ctx context.Context, userID, marketID string, side model.Side, quantity int64) (*model.Order, error) {
	var order *model.Order

	err := e.store.Tx(ctx, func(tx store.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		market, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		pos, err := tx.LockPosition(ctx, user.ID, market.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNoPosition
			}
			return err
		}

		held := pos.Shares(side)
		if held < quantity {
			return fmt.Errorf("%w: you have %d shares", ErrInsufficientShares, held)
		}

		price := market.Price(side)
		payout := price.Mul(decimal.NewFromInt(quantity))

		if err := tx.UpdateUserBalance(ctx, user.ID, user.Balance.Add(payout)); err != nil {
			return err
		}

		// Selling always depresses the sold side's price, whichever side.
		next := amm.Impact(quantity, market.Liquidity, price, amm.PushDown)
		if err := applyPrices(ctx, tx, market, side, next, market.TotalVolume.Add(payout)); err != nil {
			return err
		}

		now := time.Now().UTC()
		order = &model.Order{
			ID:             uuid.New().String(),
			UserID:         user.ID,
			MarketID:       market.ID,
			Side:           side,
			OrderType:      model.OrderTypeSell,
			Quantity:       quantity,
			Price:          price,
			TotalCost:      payout,
			Status:         model.OrderStatusFilled,
			FilledQuantity: quantity,
			CreatedAt:      now,
			ExecutedAt:     now,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		if side == model.SideYes {
			pos.YesShares -= quantity
		} else {
			pos.NoShares -= quantity
		}
		return tx.UpdatePositionShares(ctx, pos)
	})

	if err != nil {
		if domainErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}

	slog.Info("sell executed",
		"order_id", order.ID,
		"user", userID,
		"market", marketID,
		"side", side,
		"quantity", quantity,
		"price", order.Price.String(),
		"payout", order.TotalCost.String(),
	)
	return order, nil
}

// ResolveMarket marks the market resolved with the given outcome and pays
// every winning position one coin per share. Positions are walked in
// creation order in fixed-size batches to bound per-iteration memory, but
// the whole resolution commits once: any failure rolls back everything,
// including the status change, and reports zero settled positions. Losing
// shares are not zeroed out; they simply become worthless.
func (e *Engine) ResolveMarket(ctx context.Context, marketID string, outcome model.Outcome) (int, error) {
	settled := 0

	err := e.store.Tx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockMarket(ctx, marketID); err != nil {
			return err
		}
		if err := tx.MarkMarketResolved(ctx, marketID, outcome); err != nil {
			return err
		}

		winning := outcome.Side()
		for offset := 0; ; offset += settleBatchSize {
			batch, err := tx.PositionsByMarket(ctx, marketID, offset, settleBatchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}

			for _, pos := range batch {
				shares := pos.Shares(winning)
				if shares <= 0 {
					continue
				}
				user, err := tx.LockUser(ctx, pos.UserID)
				if err != nil {
					return err
				}
				payout := decimal.NewFromInt(shares) // one coin per winning share
				if err := tx.UpdateUserBalance(ctx, user.ID, user.Balance.Add(payout)); err != nil {
					return err
				}
				settled++
			}
		}
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrResolutionFailed, err)
	}

	slog.Info("market resolved",
		"market", marketID,
		"outcome", outcome,
		"settled_positions", settled,
	)
	return settled, nil
}

// applyPrices writes the traded side's new price, the derived opposite
// price, and the updated volume back to the market row.
func applyPrices(ctx context.Context, tx store.Tx, market *model.Market, side model.Side, next, volume decimal.Decimal) error {
	if side == model.SideYes {
		return tx.UpdateMarketPrices(ctx, market.ID, next, amm.Opposite(next), volume)
	}
	return tx.UpdateMarketPrices(ctx, market.ID, amm.Opposite(next), next, volume)
}

// fetchOrCreatePosition locks the user's position in the market, creating
// an empty one on first buy.
func fetchOrCreatePosition(ctx context.Context, tx store.Tx, userID, marketID string) (*model.Position, error) {
	pos, err := tx.LockPosition(ctx, userID, marketID)
	if err == nil {
		return pos, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	pos = &model.Position{
		ID:          uuid.New().String(),
		UserID:      userID,
		MarketID:    marketID,
		AvgYesPrice: decimal.Zero,
		AvgNoPrice:  decimal.Zero,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.CreatePosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// applyBuyToPosition adds shares on one side and recomputes that side's
// volume-weighted average entry price; the untraded side is untouched.
func applyBuyToPosition(pos *model.Position, side model.Side, quantity int64, price decimal.Decimal) {
	qty := decimal.NewFromInt(quantity)
	if side == model.SideYes {
		total := pos.YesShares + quantity
		pos.AvgYesPrice = pos.AvgYesPrice.Mul(decimal.NewFromInt(pos.YesShares)).
			Add(price.Mul(qty)).
			Div(decimal.NewFromInt(total))
		pos.YesShares = total
		return
	}
	total := pos.NoShares + quantity
	pos.AvgNoPrice = pos.AvgNoPrice.Mul(decimal.NewFromInt(pos.NoShares)).
		Add(price.Mul(qty)).
		Div(decimal.NewFromInt(total))
	pos.NoShares = total
}
