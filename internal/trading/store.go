package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/birdtrade/internal/database"
	"github.com/Aidin1998/birdtrade/internal/pricing"
)

// Inserts ignore an existing primary key so that a unit whose commit was
// acknowledged late can be recognised on the next attempt.
const (
	sqlInsertOrder = `INSERT INTO orders
	(order_id, order_nbr, account_nbr, symbol, order_entry_ts, total_qty, order_type, unit_price)
	VALUES ($1, $2, $3, $4, now(), $5, $6, $7)
	ON CONFLICT (order_id) DO NOTHING`

	sqlInsertActivity = `INSERT INTO order_activity
	(activity_id, order_id, order_nbr, order_status, activity_entry_ts, symbol, total_qty, order_type, unit_price)
	VALUES ($1, $2, $3, $4, now(), $5, $6, $7, $8)
	ON CONFLICT (activity_id) DO NOTHING`

	sqlSelectPriceForUpdate = `SELECT current_price::TEXT AS current_price
	FROM instruments WHERE symbol = $1 FOR UPDATE`

	sqlUpdatePrice = `UPDATE instruments SET current_price = $1 WHERE symbol = $2`

	sqlInsertExecution = `INSERT INTO order_processing
	(execution_id, order_id, order_status, order_nbr, order_executed_ts, symbol, total_qty, unit_price)
	VALUES ($1, $2, $3, $4, now(), $5, $6, $7)
	ON CONFLICT (execution_id) DO NOTHING`

	sqlInsertTrade = `INSERT INTO trades
	(trade_id, execution_id, symbol, order_type, trade_price, quantity, trade_ts)
	VALUES ($1, $2, $3, $4, $5, $6, now())`

	// Both lock the order row so the deferred phase and a reconcile sweep
	// cannot complete the same order twice.
	sqlLockOrder = `SELECT o.order_id::TEXT AS order_id,
	EXISTS (
		SELECT 1 FROM order_activity p
		WHERE p.order_id = o.order_id AND p.order_status = 'order_processed'
	) AS processed
	FROM orders o WHERE o.order_id = $1
	FOR UPDATE`

	sqlLockOrderSkipLocked = `SELECT o.order_id::TEXT AS order_id,
	EXISTS (
		SELECT 1 FROM order_activity p
		WHERE p.order_id = o.order_id AND p.order_status = 'order_processed'
	) AS processed
	FROM orders o WHERE o.order_id = $1
	FOR UPDATE SKIP LOCKED`

	sqlSelectInstruments = `SELECT symbol, current_price::TEXT AS current_price,
	COALESCE(details, '') AS details, COALESCE(name, '') AS name
	FROM instruments WHERE symbol = ANY($1) ORDER BY symbol`

	sqlSelectIncomplete = `SELECT o.order_id::TEXT AS order_id, o.order_nbr, o.symbol, o.order_type,
	o.total_qty, o.unit_price::TEXT AS unit_price, a.activity_entry_ts
	FROM orders o
	JOIN order_activity a ON a.order_id = o.order_id AND a.order_status = 'order_received'
	WHERE a.activity_entry_ts < $1
	AND NOT EXISTS (
		SELECT 1 FROM order_activity p
		WHERE p.order_id = o.order_id AND p.order_status = 'order_processed'
	)
	ORDER BY a.activity_entry_ts
	LIMIT $2`
)

// errAlreadyRecorded means a previous attempt of the same unit committed
// even though its client saw an error.
var errAlreadyRecorded = errors.New("unit already recorded")

// recordReceived is the immediate phase: order row, received activity and the
// price tick. It returns the new instrument price.
func recordReceived(ctx context.Context, tx database.Tx, ids IDs, order Order, accountNbr string) (decimal.Decimal, error) {
	price := pricing.Format(order.Price)

	n, err := tx.Exec(ctx, sqlInsertOrder,
		ids.OrderID, ids.OrderNbr, accountNbr, order.Symbol, order.Shares, string(order.Side), price)
	if err != nil {
		return decimal.Decimal{}, classify("insert order", err)
	}
	if n == 0 {
		return decimal.Decimal{}, database.Permanent(errAlreadyRecorded)
	}

	if _, err := tx.Exec(ctx, sqlInsertActivity,
		ids.ActivityID, ids.OrderID, ids.OrderNbr, string(StatusReceived),
		order.Symbol, order.Shares, string(order.Side), price); err != nil {
		return decimal.Decimal{}, classify("insert received activity", err)
	}

	current, err := storedPrice(ctx, tx, order)
	if err != nil {
		return decimal.Decimal{}, err
	}
	next, err := pricing.Adjust(current, order.Side)
	if err != nil {
		return decimal.Decimal{}, database.Permanent(err)
	}
	if _, err := tx.Exec(ctx, sqlUpdatePrice, pricing.Format(next), order.Symbol); err != nil {
		return decimal.Decimal{}, classify("update instrument price", err)
	}
	return next, nil
}

// storedPrice locks the instrument row and returns its price, or the
// submitted price when the symbol is not listed.
func storedPrice(ctx context.Context, tx database.Tx, order Order) (decimal.Decimal, error) {
	rs, err := tx.Query(ctx, sqlSelectPriceForUpdate, order.Symbol)
	if err != nil {
		return decimal.Decimal{}, classify("select instrument price", err)
	}
	if rs.Len() == 0 {
		return order.Price, nil
	}
	current, err := pricing.Parse(rs.String(0, "current_price"))
	if err != nil {
		return decimal.Decimal{}, database.Permanent(err)
	}
	return current, nil
}

// errOrderUnavailable means the order row does not exist or, for a
// SKIP LOCKED read, another session holds it.
var errOrderUnavailable = errors.New("order not found or locked by another session")

// recordProcessed is the deferred phase: execution row, processed activity
// and the trade. lock is sqlLockOrder or sqlLockOrderSkipLocked.
func recordProcessed(ctx context.Context, tx database.Tx, c Continuation, lock string) error {
	rs, err := tx.Query(ctx, lock, c.OrderID)
	if err != nil {
		return classify("lock order", err)
	}
	if rs.Len() == 0 {
		return database.Permanent(errOrderUnavailable)
	}
	if processed, _ := rs.Value(0, "processed").(bool); processed {
		return database.Permanent(errAlreadyRecorded)
	}

	price := pricing.Format(c.Price)

	n, err := tx.Exec(ctx, sqlInsertExecution,
		c.ExecutionID, c.OrderID, string(StatusProcessed), c.OrderNbr, c.Symbol, c.Shares, price)
	if err != nil {
		return classify("insert order processing", err)
	}
	if n == 0 {
		return database.Permanent(errAlreadyRecorded)
	}

	if _, err := tx.Exec(ctx, sqlInsertActivity,
		c.ProcessedActivityID, c.OrderID, c.OrderNbr, string(StatusProcessed),
		c.Symbol, c.Shares, string(c.Side), price); err != nil {
		return classify("insert processed activity", err)
	}

	if _, err := tx.Exec(ctx, sqlInsertTrade,
		c.TradeID, c.ExecutionID, c.Symbol, string(c.Side), price, c.Shares); err != nil {
		return classify("insert trade", err)
	}
	return nil
}

func listInstruments(ctx context.Context, q *database.Executor, symbols []string) ([]Instrument, error) {
	rs, err := q.Query(ctx, sqlSelectInstruments, symbols)
	if err != nil {
		return nil, err
	}

	out := make([]Instrument, 0, rs.Len())
	for i := 0; i < rs.Len(); i++ {
		price, err := pricing.Parse(rs.String(i, "current_price"))
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", rs.String(i, "symbol"), err)
		}
		out = append(out, Instrument{
			Symbol:       rs.String(i, "symbol"),
			CurrentPrice: price,
			Details:      rs.String(i, "details"),
			Name:         rs.String(i, "name"),
		})
	}
	return out, nil
}

func listIncomplete(ctx context.Context, q *database.Executor, before time.Time, limit int) ([]IncompleteOrder, error) {
	rs, err := q.Query(ctx, sqlSelectIncomplete, before, limit)
	if err != nil {
		return nil, err
	}

	out := make([]IncompleteOrder, 0, rs.Len())
	for i := 0; i < rs.Len(); i++ {
		qty, err := rs.Int64(i, "total_qty")
		if err != nil {
			return nil, err
		}
		price, err := pricing.Parse(rs.String(i, "unit_price"))
		if err != nil {
			return nil, err
		}
		out = append(out, IncompleteOrder{
			OrderID:    rs.String(i, "order_id"),
			OrderNbr:   rs.String(i, "order_nbr"),
			Symbol:     rs.String(i, "symbol"),
			Side:       Side(rs.String(i, "order_type")),
			Shares:     qty,
			UnitPrice:  price,
			ReceivedAt: rs.Time(i, "activity_entry_ts"),
		})
	}
	return out, nil
}

// errDuplicateKey is a unique violation other than the primary keys guarded
// by ON CONFLICT. Retrying cannot help.
var errDuplicateKey = errors.New("duplicate key")

func classify(stmt string, err error) error {
	if database.IsDuplicateKey(err) {
		return database.Permanent(fmt.Errorf("%s: %w: %w", stmt, errDuplicateKey, err))
	}
	return fmt.Errorf("%s: %w", stmt, err)
}
