package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/forekast/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Row locks are taken with SELECT ... FOR UPDATE inside the transaction, so
// concurrent operations on the same user/market serialize at the database
// while disjoint rows proceed in parallel.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Tx runs fn inside a single database transaction. Any error from fn (or
// from commit) rolls the whole transaction back.
func (s *PostgresStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Username, u.Balance.String(), u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, created_at FROM users WHERE id = $1`, id))
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, description, category, yes_price, no_price,
		                      liquidity, total_volume, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		m.ID, m.Title, m.Description, m.Category,
		m.PriceYes.String(), m.PriceNo.String(),
		m.Liquidity.String(), m.TotalVolume.String(),
		string(m.Status), m.CreatedAt,
	)
	return err
}

const marketColumns = `id, title, description, category,
       yes_price::TEXT, no_price::TEXT, liquidity::TEXT, total_volume::TEXT,
       status, COALESCE(resolved_outcome, ''), created_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+`
		 FROM markets
		 WHERE ($1 = '' OR status = $1)
		   AND ($2 = '' OR category = $2)
		 ORDER BY created_at DESC, id
		 OFFSET $3 LIMIT $4`,
		string(f.Status), f.Category, f.Offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarketStats(ctx context.Context) (model.MarketStats, error) {
	var stats model.MarketStats
	var volume string
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'open'),
		        COUNT(*) FILTER (WHERE status = 'resolved'),
		        COALESCE(SUM(total_volume), 0)::TEXT
		 FROM markets`).
		Scan(&stats.TotalMarkets, &stats.OpenMarkets, &stats.ResolvedMarkets, &volume)
	if err != nil {
		return stats, err
	}
	stats.TotalVolume, err = decimal.NewFromString(volume)
	return stats, err
}

// --- Read-side queries ---

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, side, order_type, quantity,
		        price::TEXT, total_cost::TEXT, status, filled_quantity,
		        created_at, executed_at
		 FROM orders
		 WHERE user_id = $1 AND ($2 = '' OR market_id = $2)
		 ORDER BY created_at DESC, id
		 OFFSET $3 LIMIT $4`,
		userID, f.MarketID, f.Offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, orderType, status, priceS, costS string
		if err := rows.Scan(&o.ID, &o.UserID, &o.MarketID, &side, &orderType,
			&o.Quantity, &priceS, &costS, &status, &o.FilledQuantity,
			&o.CreatedAt, &o.ExecutedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.OrderType = model.OrderType(orderType)
		o.Status = model.OrderStatus(status)
		o.Price, _ = decimal.NewFromString(priceS)
		o.TotalCost, _ = decimal.NewFromString(costS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		positionSelect+` WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// --- Transaction handle ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, created_at
		 FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(t.tx.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		positionSelect+` WHERE user_id = $1 AND market_id = $2 FOR UPDATE`,
		userID, marketID)

	p, err := scanPosition(row)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (t *pgTx) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, yes_shares, no_shares,
		                        avg_yes_price, avg_no_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		p.ID, p.UserID, p.MarketID, p.YesShares, p.NoShares,
		p.AvgYesPrice.String(), p.AvgNoPrice.String(), p.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`,
		id, balance.String())
	return err
}

func (t *pgTx) UpdateMarketPrices(ctx context.Context, id string, priceYes, priceNo, totalVolume decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE markets
		 SET yes_price = $2::NUMERIC, no_price = $3::NUMERIC, total_volume = $4::NUMERIC
		 WHERE id = $1`,
		id, priceYes.String(), priceNo.String(), totalVolume.String())
	return err
}

func (t *pgTx) MarkMarketResolved(ctx context.Context, id string, outcome model.Outcome) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE markets SET status = 'resolved', resolved_outcome = $2 WHERE id = $1`,
		id, string(outcome))
	return err
}

func (t *pgTx) UpdatePositionShares(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE positions
		 SET yes_shares = $3, no_shares = $4,
		     avg_yes_price = $5::NUMERIC, avg_no_price = $6::NUMERIC
		 WHERE user_id = $1 AND market_id = $2`,
		p.UserID, p.MarketID, p.YesShares, p.NoShares,
		p.AvgYesPrice.String(), p.AvgNoPrice.String())
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, market_id, side, order_type, quantity,
		                     price, total_cost, status, filled_quantity,
		                     created_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)`,
		o.ID, o.UserID, o.MarketID, string(o.Side), string(o.OrderType), o.Quantity,
		o.Price.String(), o.TotalCost.String(), string(o.Status), o.FilledQuantity,
		o.CreatedAt, o.ExecutedAt,
	)
	return err
}

func (t *pgTx) PositionsByMarket(ctx context.Context, marketID string, offset, limit int) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		positionSelect+` WHERE market_id = $1 ORDER BY created_at, id OFFSET $2 LIMIT $3`,
		marketID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// --- Scan helpers ---

const positionSelect = `SELECT id, user_id, market_id, yes_shares, no_shares,
       avg_yes_price::TEXT, avg_no_price::TEXT, created_at
FROM positions`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balance string
	if err := row.Scan(&u.ID, &u.Username, &balance, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var priceYes, priceNo, liquidity, volume, status, outcome string
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Category,
		&priceYes, &priceNo, &liquidity, &volume,
		&status, &outcome, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan market: %w", err)
	}
	m.PriceYes, _ = decimal.NewFromString(priceYes)
	m.PriceNo, _ = decimal.NewFromString(priceNo)
	m.Liquidity, _ = decimal.NewFromString(liquidity)
	m.TotalVolume, _ = decimal.NewFromString(volume)
	m.Status = model.MarketStatus(status)
	m.ResolvedOutcome = model.Outcome(outcome)
	return &m, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avgYes, avgNo string
	err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &p.YesShares, &p.NoShares,
		&avgYes, &avgNo, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan position: %w", err)
	}
	p.AvgYesPrice, _ = decimal.NewFromString(avgYes)
	p.AvgNoPrice, _ = decimal.NewFromString(avgNo)
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}
