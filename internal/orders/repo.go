package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultReservationTTL = 30 * time.Minute
	DefaultDeliveryTTL    = 7 * 24 * time.Hour
)

// Store owns every transaction that touches orders and stock. Coordination between
// API instances and sweepers happens only through the rows it updates.
type Store struct {
	DB             *pgxpool.Pool
	ReservationTTL time.Duration
	DeliveryTTL    time.Duration
	TokenCost      int
	Now            func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) reservationTTL() time.Duration {
	if s.ReservationTTL > 0 {
		return s.ReservationTTL
	}
	return DefaultReservationTTL
}

func (s *Store) deliveryTTL() time.Duration {
	if s.DeliveryTTL > 0 {
		return s.DeliveryTTL
	}
	return DefaultDeliveryTTL
}

const orderColumns = `id, code, customer_name, customer_email, customer_phone, status, amount_total,
	reserved_until, delivery_expires_at, COALESCE(invoice_number, ''), COALESCE(request_key, ''),
	source_addr, fulfilled_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.Code, &o.Customer.Name, &o.Customer.Email, &o.Customer.Phone, &status,
		&o.AmountTotal, &o.ReservedUntil, &o.DeliveryExpiresAt, &o.InvoiceNumber, &o.RequestKey,
		&o.SourceAddr, &o.FulfilledAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	return &o, nil
}

// CreateOrder reserves stock for every line and records the order in one transaction.
// Either all lines are reserved or nothing is written.
func (s *Store) CreateOrder(ctx context.Context, in CreateOrderInput) (*Reservation, error) {
	if err := in.Normalize(); err != nil {
		return nil, err
	}

	// idempotent via request_key: retry setelah client timeout dapat order yang sama
	if in.RequestKey != "" {
		r, err := s.reservationByRequestKey(ctx, in.RequestKey)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
	}

	token := NewDeliveryToken()
	tokenHash, err := HashToken(token, s.TokenCost)
	if err != nil {
		return nil, fmt.Errorf("hash delivery token: %w", err)
	}

	// kalah race (deadlock antar hold parsial, atau CAS short padahal stok cukup):
	// ulang dari awal; percobaan berikutnya melihat hold pemenang dan berakhir
	// sukses atau ErrInsufficientStock
	for attempt := 1; ; attempt++ {
		r, err := s.createOrderTx(ctx, in, token, tokenHash)
		if !errors.Is(err, ErrReserveFailed) || attempt == reserveAttempts {
			return r, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * reserveBackoff):
		}
	}
}

const (
	reserveAttempts = 3
	reserveBackoff  = 10 * time.Millisecond
)

func (s *Store) createOrderTx(ctx context.Context, in CreateOrderInput, token, tokenHash string) (*Reservation, error) {
	now := s.now()
	orderID := uuid.NewString()

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// lazy cleanup dulu supaya stok yang baru expired kelihatan available
	reclaimed, err := sweepExpiredTx(ctx, tx, now, "reservation")
	if err != nil {
		return nil, fmt.Errorf("lazy expiry: %w", err)
	}

	lines := make([]OrderLine, 0, len(in.Lines))
	var total int64
	for _, l := range in.Lines {
		p, err := productByCode(ctx, tx, l.ProductCode)
		if err != nil {
			return nil, err
		}
		if l.UnitPrice != 0 && l.UnitPrice != p.Price {
			return nil, fmt.Errorf("%w: %s costs %d", ErrPriceMismatch, p.Code, p.Price)
		}
		avail, err := countAvailable(ctx, tx, p.ID, now)
		if err != nil {
			return nil, err
		}
		if avail < l.Quantity {
			return nil, &StockError{Err: ErrInsufficientStock, ProductCode: p.Code, Requested: l.Quantity, Available: avail}
		}
		sub := p.Price * int64(l.Quantity)
		total += sub
		lines = append(lines, OrderLine{
			OrderID: orderID, ProductID: p.ID, ProductCode: p.Code,
			Quantity: l.Quantity, UnitPrice: p.Price, Subtotal: sub,
		})
	}

	code, err := uniqueOrderCode(ctx, tx)
	if err != nil {
		return nil, err
	}
	order := Order{
		ID:                orderID,
		Code:              code,
		Customer:          in.Customer,
		Status:            StatusPendingPayment,
		AmountTotal:       total,
		ReservedUntil:     now.Add(s.reservationTTL()),
		DeliveryExpiresAt: now.Add(s.deliveryTTL()),
		RequestKey:        in.RequestKey,
		SourceAddr:        in.SourceAddr,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// order row duluan: request_key yang sama dari request paralel konflik di sini,
	// sebelum sempat menyentuh stok
	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, code, customer_name, customer_email, customer_phone, status, amount_total,
			reserved_until, delivery_token_hash, delivery_expires_at, request_key, source_addr, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13,$13)`,
		order.ID, order.Code, order.Customer.Name, order.Customer.Email, order.Customer.Phone, order.Status,
		order.AmountTotal, order.ReservedUntil, tokenHash, order.DeliveryExpiresAt, order.RequestKey,
		order.SourceAddr, now)
	if err != nil {
		if isUniqueViolation(err, "orders_request_key_key") {
			_ = tx.Rollback(ctx)
			return s.reservationByRequestKey(ctx, in.RequestKey)
		}
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for i := range lines {
		l := &lines[i]
		ids, err := reserveUnits(ctx, tx, l.ProductID, orderID, l.Quantity, order.ReservedUntil, now)
		if errors.Is(err, ErrReserveFailed) {
			return nil, &StockError{Err: ErrReserveFailed, ProductCode: l.ProductCode, Requested: l.Quantity}
		}
		if err != nil {
			return nil, err
		}
		if len(ids) < l.Quantity {
			// kalah race; hitung ulang untuk membedakan stok habis vs sekadar tabrakan
			avail, err := countAvailable(ctx, tx, l.ProductID, now)
			if err != nil {
				return nil, err
			}
			se := &StockError{Err: ErrReserveFailed, ProductCode: l.ProductCode, Requested: l.Quantity, Available: avail + len(ids)}
			if se.Available < l.Quantity {
				se.Err = ErrInsufficientStock
			}
			return nil, se
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO order_lines(order_id, product_id, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5) RETURNING id`,
			orderID, l.ProductID, l.Quantity, l.UnitPrice, l.Subtotal).Scan(&l.ID); err != nil {
			return nil, fmt.Errorf("insert order line: %w", err)
		}
		if err := allocateUnits(ctx, tx, l.ID, ids, now); err != nil {
			return nil, err
		}
	}

	items := make([]ItemQty, 0, len(lines))
	for _, l := range lines {
		items = append(items, ItemQty{ProductCode: l.ProductCode, Qty: l.Quantity})
	}
	if err := insertAudit(ctx, tx, "order", orderID, "order.reserved", actorFor(in.SourceAddr), map[string]any{
		"code": code, "items": items, "amount_total": total, "reserved_until": order.ReservedUntil,
	}, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &Reservation{Order: order, Lines: lines, DeliveryToken: token, Reclaimed: reclaimed.Expired}, nil
}

func actorFor(sourceAddr string) string {
	if sourceAddr == "" {
		return "buyer"
	}
	return "buyer:" + sourceAddr
}

func (s *Store) reservationByRequestKey(ctx context.Context, key string) (*Reservation, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE request_key=$1`, key))
	if err != nil {
		return nil, err
	}
	lines, err := s.Lines(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return &Reservation{Order: *o, Lines: lines, Existing: true}, nil
}

func (s *Store) GetOrderByCode(ctx context.Context, code string) (*Order, error) {
	return scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE code=$1`, code))
}

func (s *Store) Lines(ctx context.Context, orderID string) ([]OrderLine, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT l.id, l.order_id, l.product_id, p.code, l.quantity, l.unit_price, l.subtotal
		FROM order_lines l JOIN products p ON p.id = l.product_id
		WHERE l.order_id=$1 ORDER BY l.id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderLine
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.ProductCode, &l.Quantity, &l.UnitPrice, &l.Subtotal); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListPending returns orders still awaiting payment created inside [from, to].
func (s *Store) ListPending(ctx context.Context, from, to time.Time) ([]Order, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status='pending_payment' AND created_at >= $1 AND created_at <= $2
		ORDER BY created_at`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// Delivery returns the credential bundle of a fulfilled order. The token is checked
// before the status so a bad token learns nothing about the order.
func (s *Store) Delivery(ctx context.Context, code, token string) ([]DeliveryItem, error) {
	var (
		status    string
		hash      string
		expiresAt time.Time
		bundle    []DeliveryItem
	)
	err := s.DB.QueryRow(ctx, `
		SELECT status, delivery_token_hash, delivery_expires_at, COALESCE(delivery_bundle, '[]'::jsonb)
		FROM orders WHERE code=$1`, code).Scan(&status, &hash, &expiresAt, &bundle)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if !TokenMatches(hash, token) || !s.now().Before(expiresAt) {
		return nil, ErrDeliveryForbidden
	}
	if Status(status) != StatusFulfilled {
		return nil, ErrNotFulfilled
	}
	return bundle, nil
}

func uniqueOrderCode(ctx context.Context, tx pgx.Tx) (string, error) {
	for i := 0; i < 5; i++ {
		code, err := NewOrderCode()
		if err != nil {
			return "", err
		}
		var taken bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE code=$1)`, code).Scan(&taken); err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", errors.New("could not allocate a unique order code")
}

// isLockConflict reports a deadlock or lock timeout; two multi-line orders waiting on
// each other's units end up here.
func isLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40P01" || pgErr.Code == "55P03")
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
