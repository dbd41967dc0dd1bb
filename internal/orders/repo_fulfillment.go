package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// errRollback aborts the fulfillment transaction without surfacing an error; the
// result already says what happened.
var errRollback = errors.New("rollback")

// Fulfill is the single place where a paid order becomes fulfilled. Webhook and
// reconciliation both end up here; the status re-read under a row lock and the unique
// (provider, external_txn_id) key make repeated or racing calls harmless.
func (s *Store) Fulfill(ctx context.Context, orderID string, ev PaymentEvent, tolerance float64) (FulfillResult, error) {
	if ev.Provider == "" || ev.ExternalID == "" {
		return FulfillResult{}, validationErr("payment provider and external id are required")
	}
	now := s.now()
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = now
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FulfillResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := fulfillTx(ctx, tx, orderID, ev, tolerance, now)
	if errors.Is(err, errRollback) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FulfillResult{}, err
	}
	return res, nil
}

func fulfillTx(ctx context.Context, tx pgx.Tx, orderID string, ev PaymentEvent, tolerance float64, now time.Time) (FulfillResult, error) {
	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, orderID))
	if err != nil {
		return FulfillResult{}, err
	}
	res := FulfillResult{OrderID: o.ID, OrderCode: o.Code, Status: o.Status, InvoiceNumber: o.InvoiceNumber}

	// 1) sudah selesai (webhook vs sweep, atau delivery dobel) -> no-op
	if o.Status != StatusPendingPayment {
		res.Outcome = OutcomeAlreadyResolved
		return res, errRollback
	}

	// 2) nominal kurang -> jangan ubah apa-apa
	if !AmountSufficient(ev.Amount, o.AmountTotal, tolerance) {
		res.Outcome = OutcomeInsufficientAmount
		return res, errRollback
	}

	// 3) idempotency key
	ct, err := tx.Exec(ctx, `
		INSERT INTO payments(id, order_id, provider, external_txn_id, status, amount, reference, memo, source, observed_at, created_at)
		VALUES ($1,$2,$3,$4,$11,$5,$6,$7,$8,$9,$10)
		ON CONFLICT ON CONSTRAINT payments_provider_txn_uq DO NOTHING`,
		uuid.NewString(), o.ID, ev.Provider, ev.ExternalID, ev.Amount, ev.Reference, ev.Memo, ev.Source, ev.ObservedAt, now, string(PaymentConfirmed))
	if err != nil {
		return res, fmt.Errorf("insert payment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		res.Outcome = OutcomeDuplicatePayment
		return res, errRollback
	}

	// 4) consume stock
	rows, err := tx.Query(ctx, `
		UPDATE stock_units su
		SET status='sold', reserved_order_id=NULL, reserved_until=NULL, updated_at=$2
		FROM order_allocations a
		JOIN order_lines l ON l.id = a.order_line_id
		JOIN products p ON p.id = l.product_id
		WHERE a.stock_unit_id = su.id
		  AND l.order_id = $1
		  AND a.status = 'reserved'
		  AND su.status = 'reserved'
		  AND su.reserved_order_id = $1
		RETURNING p.code, su.id, su.secret`, o.ID, now)
	if err != nil {
		return res, fmt.Errorf("consume units: %w", err)
	}
	bundle, err := pgx.CollectRows(rows, pgx.RowToStructByPos[DeliveryItem])
	if err != nil {
		return res, fmt.Errorf("consume units: %w", err)
	}

	var want int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM order_lines WHERE order_id=$1`, o.ID).Scan(&want); err != nil {
		return res, err
	}
	if len(bundle) != want {
		// hold sudah diambil sweeper / order lain; jangan jual sebagian
		res.Outcome = OutcomeReservationLost
		return res, errRollback
	}

	if _, err := tx.Exec(ctx, `
		UPDATE order_allocations a SET status='consumed', updated_at=$2
		FROM order_lines l
		WHERE a.order_line_id = l.id AND l.order_id=$1 AND a.status='reserved'`, o.ID, now); err != nil {
		return res, fmt.Errorf("consume allocations: %w", err)
	}

	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('invoice_seq')`).Scan(&seq); err != nil {
		return res, fmt.Errorf("invoice seq: %w", err)
	}
	invoice := InvoiceNumber(now, seq)

	bundleJSON, err := json.Marshal(bundle)
	if err != nil {
		return res, err
	}
	ct, err = tx.Exec(ctx, `
		UPDATE orders
		SET status='fulfilled', invoice_number=$2, delivery_bundle=$3, fulfilled_at=$4, updated_at=$4
		WHERE id=$1 AND status='pending_payment'`, o.ID, invoice, bundleJSON, now)
	if err != nil {
		return res, fmt.Errorf("fulfill order: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return res, fmt.Errorf("fulfill order %s: status changed underneath", o.Code)
	}

	if err := insertAudit(ctx, tx, "payment", ev.Provider+":"+ev.ExternalID, "payment.confirmed", ev.Source, map[string]any{
		"order_id": o.ID, "amount": ev.Amount, "reference": ev.Reference,
	}, now); err != nil {
		return res, err
	}
	if err := insertAudit(ctx, tx, "order", o.ID, "order.fulfilled", ev.Source, map[string]any{
		"code": o.Code, "invoice_number": invoice, "units": len(bundle),
	}, now); err != nil {
		return res, err
	}

	res.Outcome = OutcomeFulfilled
	res.Status = StatusFulfilled
	res.InvoiceNumber = invoice
	res.Units = len(bundle)
	return res, nil
}

// Payments lists the payments recorded against one order.
func (s *Store) Payments(ctx context.Context, orderID string) ([]Payment, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, provider, external_txn_id, status, amount, reference, memo, source, observed_at, created_at
		FROM payments WHERE order_id=$1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		var status string
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Provider, &p.ExternalTxnID, &status, &p.Amount,
			&p.Reference, &p.Memo, &p.Source, &p.ObservedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Status = PaymentStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func InvoiceNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("INV-%s-%06d", at.UTC().Format("20060102"), seq)
}
