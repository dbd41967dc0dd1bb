package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func productByCode(ctx context.Context, tx pgx.Tx, code string) (*Product, error) {
	var p Product
	err := tx.QueryRow(ctx, `
		SELECT id, code, name, price, active, created_at
		FROM products WHERE code=$1 AND active`, code).
		Scan(&p.ID, &p.Code, &p.Name, &p.Price, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// countAvailable counts units that can be reserved right now: available, or reserved
// with a hold that already lapsed.
func countAvailable(ctx context.Context, tx pgx.Tx, productID int64, now time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM stock_units
		WHERE product_id=$1
		  AND (status='available' OR (status='reserved' AND reserved_until < $2))`,
		productID, now).Scan(&n)
	return n, err
}

const reserveSQL = `
	UPDATE stock_units
	SET status='reserved', reserved_order_id=$2, reserved_until=$3, updated_at=$4
	WHERE id IN (
		SELECT id FROM stock_units
		WHERE product_id=$1
		  AND (status='available' OR (status='reserved' AND reserved_until < $4))
		ORDER BY id
		LIMIT $5
		%s
	)
	  AND (status='available' OR (status='reserved' AND reserved_until < $4))
	RETURNING id`

var (
	reserveSkipLockedSQL = fmt.Sprintf(reserveSQL, "FOR UPDATE SKIP LOCKED")
	reserveWaitSQL       = fmt.Sprintf(reserveSQL, "")
)

// reserveUnits is the compare-and-swap: a conditional UPDATE bounded to qty rows whose
// outer predicate is re-checked against the latest row version. The first pass skips
// units other buyers are holding; if that comes up short, a second pass waits on those
// rows and only takes the ones their holders gave up. The caller compares len(ids)
// with qty.
func reserveUnits(ctx context.Context, tx pgx.Tx, productID int64, orderID string, qty int, until, now time.Time) ([]int64, error) {
	ids, err := casReserve(ctx, tx, reserveSkipLockedSQL, productID, orderID, qty, until, now)
	if err != nil || len(ids) == qty {
		return ids, err
	}
	more, err := casReserve(ctx, tx, reserveWaitSQL, productID, orderID, qty-len(ids), until, now)
	if err != nil {
		return nil, err
	}
	return append(ids, more...), nil
}

func casReserve(ctx context.Context, tx pgx.Tx, sql string, productID int64, orderID string, qty int, until, now time.Time) ([]int64, error) {
	rows, err := tx.Query(ctx, sql, productID, orderID, until, now, qty)
	if err == nil {
		var ids []int64
		if ids, err = pgx.CollectRows(rows, pgx.RowTo[int64]); err == nil {
			return ids, nil
		}
	}
	if isLockConflict(err) {
		return nil, ErrReserveFailed
	}
	return nil, fmt.Errorf("reserve units: %w", err)
}

func allocateUnits(ctx context.Context, tx pgx.Tx, lineID int64, unitIDs []int64, now time.Time) error {
	// unit yang diambil dari hold lapsed bisa masih punya alokasi lama
	if _, err := tx.Exec(ctx, `
		UPDATE order_allocations SET status='released', updated_at=$2
		WHERE stock_unit_id = ANY($1) AND status='reserved'`, unitIDs, now); err != nil {
		return fmt.Errorf("release stale allocations: %w", err)
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO order_allocations(order_line_id, stock_unit_id, status, updated_at)
		SELECT $1, u, 'reserved', $3 FROM unnest($2::bigint[]) AS u`, lineID, unitIDs, now)
	if err != nil {
		return fmt.Errorf("insert allocations: %w", err)
	}
	if int(ct.RowsAffected()) != len(unitIDs) {
		return fmt.Errorf("insert allocations: wrote %d of %d", ct.RowsAffected(), len(unitIDs))
	}
	return nil
}

// SweepExpired reclaims lapsed holds in one transaction. Running it when nothing has
// lapsed changes nothing.
func (s *Store) SweepExpired(ctx context.Context) (SweepResult, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SweepResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := sweepExpiredTx(ctx, tx, s.now(), "expiry-sweeper")
	if err != nil {
		return SweepResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SweepResult{}, err
	}
	return res, nil
}

// sweepExpiredTx expires lapsed pending orders, releases their allocations and puts
// every lapsed reserved unit back to available. Rows another transaction is holding
// are skipped; that transaction (or the next sweep) deals with them.
func sweepExpiredTx(ctx context.Context, tx pgx.Tx, now time.Time, actor string) (SweepResult, error) {
	var res SweepResult

	rows, err := tx.Query(ctx, `
		UPDATE orders SET status='expired', updated_at=$1
		WHERE id IN (
			SELECT id FROM orders
			WHERE status='pending_payment' AND reserved_until < $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED
		)
		  AND status='pending_payment'
		RETURNING id, code, customer_email`, now)
	if err != nil {
		return res, fmt.Errorf("expire orders: %w", err)
	}
	for rows.Next() {
		var e ExpiredOrder
		if err := rows.Scan(&e.ID, &e.Code, &e.Email); err != nil {
			rows.Close()
			return res, err
		}
		res.Expired = append(res.Expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("expire orders: %w", err)
	}

	if len(res.Expired) > 0 {
		ids := make([]string, 0, len(res.Expired))
		for _, e := range res.Expired {
			ids = append(ids, e.ID)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE order_allocations a SET status='released', updated_at=$2
			FROM order_lines l
			WHERE a.order_line_id = l.id AND l.order_id = ANY($1::uuid[]) AND a.status='reserved'`,
			ids, now); err != nil {
			return res, fmt.Errorf("release allocations: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_events(entity_type, entity_id, action, actor, payload, created_at)
			SELECT 'order', id, 'order.expired', $2, '{}'::jsonb, $3 FROM unnest($1::text[]) AS id`,
			ids, actor, now); err != nil {
			return res, fmt.Errorf("audit expiry: %w", err)
		}
	}

	ct, err := tx.Exec(ctx, `
		UPDATE stock_units
		SET status='available', reserved_order_id=NULL, reserved_until=NULL, updated_at=$1
		WHERE id IN (
			SELECT id FROM stock_units
			WHERE status='reserved' AND reserved_until < $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED
		)
		  AND status='reserved' AND reserved_until < $1`, now)
	if err != nil {
		return res, fmt.Errorf("release units: %w", err)
	}
	res.UnitsReleased = ct.RowsAffected()
	return res, nil
}

// CancelOrder moves a pending order to cancelled and gives its units back.
func (s *Store) CancelOrder(ctx context.Context, code, actor string) (*Order, error) {
	now := s.now()
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE code=$1 FOR UPDATE`, code))
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusCancelled)
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status='cancelled', updated_at=$2 WHERE id=$1`, o.ID, now); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE stock_units SET status='available', reserved_order_id=NULL, reserved_until=NULL, updated_at=$2
		WHERE reserved_order_id=$1 AND status='reserved'`, o.ID, now); err != nil {
		return nil, fmt.Errorf("release units: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE order_allocations a SET status='released', updated_at=$2
		FROM order_lines l
		WHERE a.order_line_id = l.id AND l.order_id=$1 AND a.status='reserved'`, o.ID, now); err != nil {
		return nil, fmt.Errorf("release allocations: %w", err)
	}
	if err := insertAudit(ctx, tx, "order", o.ID, "order.cancelled", actor, map[string]any{"code": o.Code}, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	o.Status = StatusCancelled
	o.UpdatedAt = now
	return o, nil
}
