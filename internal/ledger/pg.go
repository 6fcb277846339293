package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Tables names the four relations backing one ledger namespace.
type Tables struct {
	Accounts     string
	Positions    string
	Lots         string
	Transactions string
}

var (
	PrimaryTables = Tables{
		Accounts:     "accounts",
		Positions:    "positions",
		Lots:         "position_lots",
		Transactions: "transactions",
	}
	EventTables = Tables{
		Accounts:     "event_accounts",
		Positions:    "event_positions",
		Lots:         "event_position_lots",
		Transactions: "event_transactions",
	}
)

// PG is the PostgreSQL ledger. Table names come from a fixed Tables value,
// never from user input.
type PG struct {
	pool *pgxpool.Pool
	t    Tables
	name string
}

func NewPG(pool *pgxpool.Pool, name string, t Tables) *PG {
	return &PG{pool: pool, t: t, name: name}
}

func (s *PG) Name() string { return s.name }

func (s *PG) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgTx{tx: tx, t: s.t}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PG) AccountIDForUser(ctx context.Context, userID, scopeID string) (string, error) {
	var id string
	q := fmt.Sprintf("select id from %s where user_id = $1 and scope_id = $2", s.t.Accounts)
	err := s.pool.QueryRow(ctx, q, userID, scopeID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *PG) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	var a model.Account
	q := fmt.Sprintf("select id, user_id, scope_id, cash, used_margin, created_at, updated_at from %s where id = $1", s.t.Accounts)
	err := s.pool.QueryRow(ctx, q, accountID).Scan(&a.ID, &a.UserID, &a.ScopeID, &a.Cash, &a.UsedMargin, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

const positionColumns = "id, account_id, instrument_token, exchange, segment, trading_symbol, product, qty, avg_price, realized_pnl, is_open, square_off_at, square_off_status, square_off_attempts, square_off_error, created_at, updated_at"

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var product, status string
	err := row.Scan(&p.ID, &p.AccountID, &p.InstrumentToken, &p.Exchange, &p.Segment, &p.TradingSymbol, &product, &p.Qty, &p.AvgPrice, &p.RealizedPnl, &p.IsOpen, &p.SquareOffAt, &status, &p.SquareOffAttempts, &p.SquareOffError, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.Product = types.Product(product)
	p.SquareOffStatus = types.SquareOffStatus(status)
	return p, nil
}

func (s *PG) GetPosition(ctx context.Context, positionID string) (model.Position, error) {
	q := fmt.Sprintf("select %s from %s where id = $1", positionColumns, s.t.Positions)
	p, err := scanPosition(s.pool.QueryRow(ctx, q, positionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (s *PG) ListPositions(ctx context.Context, accountID string, openOnly bool) ([]model.Position, error) {
	q := fmt.Sprintf("select %s from %s where account_id = $1", positionColumns, s.t.Positions)
	if openOnly {
		q += " and is_open"
	}
	q += " order by created_at desc"
	rows, err := s.pool.Query(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PG) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf("select id, account_id, position_id, side, product, qty, price, order_value, fees, realized_pnl, forced, created_at from %s where account_id = $1 order by created_at desc, id desc limit $2", s.t.Transactions)
	rows, err := s.pool.Query(ctx, q, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var side, product string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.PositionID, &side, &product, &t.Qty, &t.Price, &t.OrderValue, &t.Fees, &t.RealizedPnl, &t.Forced, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Side = types.Side(side)
		t.Product = types.Product(product)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PG) ListDueSquareOffs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 500
	}
	q := fmt.Sprintf(`select %s from %s
		where is_open and qty > 0 and square_off_at is not null and square_off_at <= $1
		and (square_off_status = $2 or (square_off_status = $3 and square_off_attempts < $4))
		order by square_off_at asc limit $5`, positionColumns, s.t.Positions)
	rows, err := s.pool.Query(ctx, q, now, string(types.SquareOffPending), string(types.SquareOffFailed), maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PG) ListStaleSquareOffs(ctx context.Context, before time.Time, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 500
	}
	q := fmt.Sprintf(`select %s from %s
		where is_open and qty > 0 and square_off_status = $1 and updated_at <= $2
		order by updated_at asc limit $3`, positionColumns, s.t.Positions)
	rows, err := s.pool.Query(ctx, q, string(types.SquareOffInProgress), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
	t  Tables
}

func (x *pgTx) AccountForUpdate(ctx context.Context, accountID string) (model.Account, error) {
	var a model.Account
	q := fmt.Sprintf("select id, user_id, scope_id, cash, used_margin, created_at, updated_at from %s where id = $1 for update", x.t.Accounts)
	err := x.tx.QueryRow(ctx, q, accountID).Scan(&a.ID, &a.UserID, &a.ScopeID, &a.Cash, &a.UsedMargin, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (x *pgTx) UpdateAccountFunds(ctx context.Context, accountID string, cash, usedMargin decimal.Decimal) error {
	q := fmt.Sprintf("update %s set cash = $1, used_margin = $2, updated_at = $3 where id = $4", x.t.Accounts)
	_, err := x.tx.Exec(ctx, q, cash, usedMargin, time.Now().UTC(), accountID)
	return err
}

func (x *pgTx) OpenPositionForUpdate(ctx context.Context, accountID, instrumentToken string, product types.Product) (model.Position, error) {
	q := fmt.Sprintf("select %s from %s where account_id = $1 and instrument_token = $2 and product = $3 and is_open for update", positionColumns, x.t.Positions)
	p, err := scanPosition(x.tx.QueryRow(ctx, q, accountID, instrumentToken, string(product)))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (x *pgTx) PositionForUpdate(ctx context.Context, positionID string) (model.Position, error) {
	q := fmt.Sprintf("select %s from %s where id = $1 for update", positionColumns, x.t.Positions)
	p, err := scanPosition(x.tx.QueryRow(ctx, q, positionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (x *pgTx) CreatePosition(ctx context.Context, p *model.Position) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(`insert into %s
		(account_id, instrument_token, exchange, segment, trading_symbol, product, qty, avg_price, realized_pnl, is_open, square_off_at, square_off_status, square_off_attempts, square_off_error, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) returning id`, x.t.Positions)
	err := x.tx.QueryRow(ctx, q,
		p.AccountID, p.InstrumentToken, p.Exchange, p.Segment, p.TradingSymbol, string(p.Product),
		p.Qty, p.AvgPrice, p.RealizedPnl, p.IsOpen, p.SquareOffAt, string(p.SquareOffStatus),
		p.SquareOffAttempts, p.SquareOffError, now, now,
	).Scan(&p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (x *pgTx) UpdatePosition(ctx context.Context, p model.Position) error {
	q := fmt.Sprintf(`update %s set
		qty = $1, avg_price = $2, realized_pnl = $3, is_open = $4,
		square_off_at = $5, square_off_status = $6, square_off_attempts = $7, square_off_error = $8,
		updated_at = $9 where id = $10`, x.t.Positions)
	_, err := x.tx.Exec(ctx, q,
		p.Qty, p.AvgPrice, p.RealizedPnl, p.IsOpen,
		p.SquareOffAt, string(p.SquareOffStatus), p.SquareOffAttempts, p.SquareOffError,
		time.Now().UTC(), p.ID,
	)
	return err
}

func (x *pgTx) OpenLots(ctx context.Context, positionID string) ([]model.PositionLot, error) {
	q := fmt.Sprintf("select id, position_id, total_qty, remaining_qty, buy_price, created_at from %s where position_id = $1 and remaining_qty > 0 order by created_at asc, id asc", x.t.Lots)
	rows, err := x.tx.Query(ctx, q, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PositionLot
	for rows.Next() {
		var l model.PositionLot
		if err := rows.Scan(&l.ID, &l.PositionID, &l.TotalQty, &l.RemainingQty, &l.BuyPrice, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (x *pgTx) CreateLot(ctx context.Context, lot *model.PositionLot) error {
	now := time.Now().UTC()
	q := fmt.Sprintf("insert into %s (position_id, total_qty, remaining_qty, buy_price, created_at) values ($1,$2,$3,$4,$5) returning id", x.t.Lots)
	err := x.tx.QueryRow(ctx, q, lot.PositionID, lot.TotalQty, lot.RemainingQty, lot.BuyPrice, now).Scan(&lot.ID)
	if err != nil {
		return err
	}
	lot.CreatedAt = now
	return nil
}

func (x *pgTx) UpdateLotRemaining(ctx context.Context, lotID string, remaining int64) error {
	q := fmt.Sprintf("update %s set remaining_qty = $1 where id = $2", x.t.Lots)
	_, err := x.tx.Exec(ctx, q, remaining, lotID)
	return err
}

func (x *pgTx) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	now := time.Now().UTC()
	q := fmt.Sprintf("insert into %s (account_id, position_id, side, product, qty, price, order_value, fees, realized_pnl, forced, created_at) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) returning id", x.t.Transactions)
	err := x.tx.QueryRow(ctx, q, t.AccountID, t.PositionID, string(t.Side), string(t.Product), t.Qty, t.Price, t.OrderValue, t.Fees, t.RealizedPnl, t.Forced, now).Scan(&t.ID)
	if err != nil {
		return err
	}
	t.CreatedAt = now
	return nil
}
