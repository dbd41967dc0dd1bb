package orders

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/postgres"
)

// newTestStore needs a disposable database; every test starts from empty tables.
func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres-backed test")
	}
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE audit_events, payments, order_allocations, order_lines, orders, stock_units, products RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := &Store{
		DB:             pool,
		ReservationTTL: 30 * time.Minute,
		DeliveryTTL:    24 * time.Hour,
		TokenCost:      4,
		Now:            func() time.Time { return now },
	}
	return s, &now
}

func seedProduct(t *testing.T, s *Store, code string, price int64, units int) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.UpsertProduct(ctx, Product{Code: code, Name: code, Price: price, Active: true}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	secrets := make([]string, units)
	for i := range secrets {
		secrets[i] = fmt.Sprintf("%s-secret-%d", code, i)
	}
	n, err := s.AddStockUnits(ctx, code, secrets)
	if err != nil || int(n) != units {
		t.Fatalf("seed units: n=%d err=%v", n, err)
	}
}

func orderFor(email string, lines ...LineInput) CreateOrderInput {
	return CreateOrderInput{
		Customer:   Customer{Name: "Buyer", Email: email},
		Lines:      lines,
		SourceAddr: "10.0.0.1",
	}
}

func countRows(t *testing.T, s *Store, sql string, args ...any) int {
	t.Helper()
	var n int
	if err := s.DB.QueryRow(context.Background(), sql, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", sql, err)
	}
	return n
}

func available(t *testing.T, s *Store, code string) int {
	t.Helper()
	lv, err := s.StockLevels(context.Background(), code)
	if err != nil {
		t.Fatalf("stock levels: %v", err)
	}
	return lv[UnitAvailable]
}

func TestCreateOrder_ReservesEveryLine(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 50000, 3)
	seedProduct(t, s, "SPOTIFY", 25000, 2)

	r, err := s.CreateOrder(context.Background(), orderFor("a@example.com",
		LineInput{ProductCode: "netflix", Quantity: 2, UnitPrice: 50000},
		LineInput{ProductCode: "SPOTIFY", Quantity: 1},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Order.AmountTotal != 125000 {
		t.Errorf("amount_total = %d, want 125000", r.Order.AmountTotal)
	}
	if r.Order.Status != StatusPendingPayment || r.DeliveryToken == "" {
		t.Errorf("unexpected reservation %+v", r.Order)
	}
	if got := available(t, s, "NETFLIX"); got != 1 {
		t.Errorf("NETFLIX available = %d, want 1", got)
	}
	if got := countRows(t, s, `SELECT COUNT(*) FROM stock_units WHERE reserved_order_id=$1 AND reserved_until=$2`,
		r.Order.ID, r.Order.ReservedUntil); got != 3 {
		t.Errorf("reserved units = %d, want 3", got)
	}
	if got := countRows(t, s, `
		SELECT COUNT(*) FROM order_allocations a JOIN order_lines l ON l.id=a.order_line_id
		WHERE l.order_id=$1 AND a.status='reserved'`, r.Order.ID); got != 3 {
		t.Errorf("allocations = %d, want 3", got)
	}
	trail, err := s.AuditTrail(context.Background(), "order", r.Order.ID)
	if err != nil || len(trail) != 1 || trail[0].Action != "order.reserved" {
		t.Errorf("audit trail = %+v, err=%v", trail, err)
	}
}

func TestCreateOrder_ShortLineAbortsWholeOrder(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 50000, 5)
	seedProduct(t, s, "SPOTIFY", 25000, 1)

	_, err := s.CreateOrder(context.Background(), orderFor("a@example.com",
		LineInput{ProductCode: "NETFLIX", Quantity: 2},
		LineInput{ProductCode: "SPOTIFY", Quantity: 3},
	))
	var se *StockError
	if !errors.As(err, &se) || !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if se.ProductCode != "SPOTIFY" || se.Shortfall() != 2 {
		t.Errorf("unexpected stock error %+v", se)
	}
	if got := available(t, s, "NETFLIX"); got != 5 {
		t.Errorf("NETFLIX available = %d, want 5 (no partial order)", got)
	}
	if got := countRows(t, s, `SELECT COUNT(*) FROM orders`); got != 0 {
		t.Errorf("orders = %d, want 0", got)
	}
}

func TestCreateOrder_UnknownProductAndPrice(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 50000, 1)
	ctx := context.Background()

	if _, err := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "HBO", Quantity: 1})); !errors.Is(err, ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
	if _, err := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1, UnitPrice: 100})); !errors.Is(err, ErrPriceMismatch) {
		t.Errorf("expected ErrPriceMismatch, got %v", err)
	}
	if got := available(t, s, "NETFLIX"); got != 1 {
		t.Errorf("available = %d, want 1", got)
	}
}

func TestCreateOrder_RequestKeyReturnsSameOrder(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 50000, 3)
	ctx := context.Background()

	in := orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1})
	in.RequestKey = "checkout-123"
	first, err := s.CreateOrder(ctx, in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	again, err := s.CreateOrder(ctx, in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !again.Existing || again.Order.Code != first.Order.Code || again.DeliveryToken != "" {
		t.Errorf("retry should return the stored order without a token: %+v", again)
	}
	if got := available(t, s, "NETFLIX"); got != 2 {
		t.Errorf("available = %d, want 2", got)
	}
}

// Two buyers race for the last two units.
func TestCreateOrder_ConcurrentLastUnits(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 50000, 2)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CreateOrder(context.Background(), orderFor(fmt.Sprintf("b%d@example.com", i),
				LineInput{ProductCode: "NETFLIX", Quantity: 2}))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok.Load() != 1 || rejected.Load() != 1 {
		t.Fatalf("ok=%d rejected=%d, want 1/1", ok.Load(), rejected.Load())
	}
	if got := available(t, s, "NETFLIX"); got != 0 {
		t.Errorf("available = %d, want 0", got)
	}
}

func TestCreateOrder_NoOversell(t *testing.T) {
	s, _ := newTestStore(t)
	const units, buyers = 5, 20
	seedProduct(t, s, "NETFLIX", 50000, units)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CreateOrder(context.Background(), orderFor(fmt.Sprintf("c%d@example.com", i),
				LineInput{ProductCode: "NETFLIX", Quantity: 1}))
			if err == nil {
				ok.Add(1)
				return
			}
			if !errors.Is(err, ErrInsufficientStock) && !errors.Is(err, ErrReserveFailed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok.Load() != units {
		t.Fatalf("successful reservations = %d, want %d", ok.Load(), units)
	}
	if got := available(t, s, "NETFLIX"); got != 0 {
		t.Errorf("available = %d, want 0", got)
	}
	if got := countRows(t, s, `SELECT COUNT(*) FROM order_allocations WHERE status='reserved'`); got != units {
		t.Errorf("live allocations = %d, want %d", got, units)
	}
}

func TestSweepExpired_ReclaimsLapsedOrder(t *testing.T) {
	s, now := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 100000, 1)
	ctx := context.Background()

	r, err := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// sebelum lapsed: no-op
	res, err := s.SweepExpired(ctx)
	if err != nil || res.UnitsReleased != 0 || len(res.Expired) != 0 {
		t.Fatalf("early sweep = %+v, err=%v", res, err)
	}

	*now = r.Order.ReservedUntil.Add(time.Second)
	res, err = s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.UnitsReleased != 1 || len(res.Expired) != 1 || res.Expired[0].Code != r.Order.Code {
		t.Fatalf("sweep = %+v", res)
	}
	o, err := s.GetOrderByCode(ctx, r.Order.Code)
	if err != nil || o.Status != StatusExpired {
		t.Fatalf("order = %+v, err=%v", o, err)
	}
	if got := available(t, s, "NETFLIX"); got != 1 {
		t.Errorf("available = %d, want 1", got)
	}
	if got := countRows(t, s, `SELECT COUNT(*) FROM order_allocations WHERE status='released'`); got != 1 {
		t.Errorf("released allocations = %d, want 1", got)
	}

	res, err = s.SweepExpired(ctx)
	if err != nil || res.UnitsReleased != 0 || len(res.Expired) != 0 {
		t.Errorf("second sweep should be a no-op, got %+v err=%v", res, err)
	}
}

func TestCreateOrder_LazyCleanupFreesLapsedHold(t *testing.T) {
	s, now := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 50000, 1)
	ctx := context.Background()

	first, err := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := s.CreateOrder(ctx, orderFor("b@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1})); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock while held, got %v", err)
	}

	*now = first.Order.ReservedUntil.Add(time.Minute)
	second, err := s.CreateOrder(ctx, orderFor("b@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	if err != nil {
		t.Fatalf("second after lapse: %v", err)
	}
	if len(second.Reclaimed) != 1 || second.Reclaimed[0].Code != first.Order.Code {
		t.Errorf("reclaimed = %+v, want %s", second.Reclaimed, first.Order.Code)
	}
	o, _ := s.GetOrderByCode(ctx, first.Order.Code)
	if o.Status != StatusExpired {
		t.Errorf("first order status = %s, want expired", o.Status)
	}
	if got := countRows(t, s, `SELECT COUNT(*) FROM stock_units WHERE reserved_order_id=$1`, second.Order.ID); got != 1 {
		t.Errorf("second order holds %d units, want 1", got)
	}
}

func paymentFor(txn string, amount int64, source string) PaymentEvent {
	return PaymentEvent{Provider: "bank", ExternalID: txn, Amount: amount, Memo: "REF", Source: source}
}

func TestFulfill_DuplicateDeliveryFulfillsOnce(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 100000, 1)
	ctx := context.Background()

	r, err := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := paymentFor("TX-1", 100000, "webhook")

	res, err := s.Fulfill(ctx, r.Order.ID, ev, 0.95)
	if err != nil || res.Outcome != OutcomeFulfilled || res.InvoiceNumber == "" || res.Units != 1 {
		t.Fatalf("first fulfill = %+v, err=%v", res, err)
	}
	again, err := s.Fulfill(ctx, r.Order.ID, ev, 0.95)
	if err != nil || again.Outcome != OutcomeAlreadyResolved || again.InvoiceNumber != res.InvoiceNumber {
		t.Fatalf("second fulfill = %+v, err=%v", again, err)
	}

	pays, err := s.Payments(ctx, r.Order.ID)
	if err != nil || len(pays) != 1 {
		t.Fatalf("payments = %+v, err=%v", pays, err)
	}
	if pays[0].ExternalTxnID != "TX-1" || pays[0].Status != PaymentConfirmed || pays[0].Amount != 100000 || pays[0].Source != "webhook" {
		t.Errorf("payment = %+v", pays[0])
	}
	lv, _ := s.StockLevels(ctx, "NETFLIX")
	if lv[UnitSold] != 1 || lv[UnitReserved] != 0 {
		t.Errorf("stock levels = %v", lv)
	}

	items, err := s.Delivery(ctx, r.Order.Code, r.DeliveryToken)
	if err != nil || len(items) != 1 || items[0].Secret != "NETFLIX-secret-0" {
		t.Errorf("delivery = %+v, err=%v", items, err)
	}
}

func TestFulfill_SameTransactionAgainstAnotherOrder(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 100000, 2)
	ctx := context.Background()

	a, _ := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	b, _ := s.CreateOrder(ctx, orderFor("b@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	if a == nil || b == nil {
		t.Fatal("setup orders failed")
	}
	if res, err := s.Fulfill(ctx, a.Order.ID, paymentFor("TX-9", 100000, "webhook"), 0.95); err != nil || res.Outcome != OutcomeFulfilled {
		t.Fatalf("fulfill a = %+v, err=%v", res, err)
	}
	res, err := s.Fulfill(ctx, b.Order.ID, paymentFor("TX-9", 100000, "reconcile"), 0.95)
	if err != nil || res.Outcome != OutcomeDuplicatePayment {
		t.Fatalf("fulfill b = %+v, err=%v", res, err)
	}
	o, _ := s.GetOrderByCode(ctx, b.Order.Code)
	if o.Status != StatusPendingPayment {
		t.Errorf("order b status = %s, want pending_payment", o.Status)
	}
}

// Webhook and reconciliation observe the same bank transaction at the same moment.
func TestFulfill_WebhookAndSweepRace(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 50000, 2)
	ctx := context.Background()

	r, err := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 2}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var fulfilled atomic.Int32
	var wg sync.WaitGroup
	for _, src := range []string{"webhook", "reconcile", "webhook", "reconcile"} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			res, err := s.Fulfill(ctx, r.Order.ID, paymentFor("TX-RACE", 100000, src), 0.95)
			if err != nil {
				t.Errorf("fulfill %s: %v", src, err)
				return
			}
			switch res.Outcome {
			case OutcomeFulfilled:
				fulfilled.Add(1)
			case OutcomeAlreadyResolved, OutcomeDuplicatePayment:
			default:
				t.Errorf("unexpected outcome %s", res.Outcome)
			}
		}(src)
	}
	wg.Wait()

	if fulfilled.Load() != 1 {
		t.Fatalf("fulfilled %d times, want 1", fulfilled.Load())
	}
	if got := countRows(t, s, `SELECT COUNT(*) FROM payments WHERE order_id=$1`, r.Order.ID); got != 1 {
		t.Errorf("payments = %d, want 1", got)
	}
	if got := countRows(t, s, `SELECT COUNT(*) FROM orders WHERE invoice_number IS NOT NULL`); got != 1 {
		t.Errorf("invoices = %d, want 1", got)
	}
	// fulfilled => allocations == quantities and every allocated unit sold
	if got := countRows(t, s, `
		SELECT COUNT(*) FROM order_allocations a
		JOIN order_lines l ON l.id=a.order_line_id
		JOIN stock_units su ON su.id=a.stock_unit_id
		WHERE l.order_id=$1 AND a.status='consumed' AND su.status='sold'`, r.Order.ID); got != 2 {
		t.Errorf("consumed+sold allocations = %d, want 2", got)
	}
}

func TestFulfill_InsufficientAmountChangesNothing(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 100000, 1)
	ctx := context.Background()

	r, _ := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	res, err := s.Fulfill(ctx, r.Order.ID, paymentFor("TX-LOW", 90000, "webhook"), 0.95)
	if err != nil || res.Outcome != OutcomeInsufficientAmount {
		t.Fatalf("fulfill = %+v, err=%v", res, err)
	}
	if got := countRows(t, s, `SELECT COUNT(*) FROM payments`); got != 0 {
		t.Errorf("payments = %d, want 0", got)
	}
	o, _ := s.GetOrderByCode(ctx, r.Order.Code)
	if o.Status != StatusPendingPayment {
		t.Errorf("status = %s", o.Status)
	}

	// 96% masih di atas toleransi
	res, err = s.Fulfill(ctx, r.Order.ID, paymentFor("TX-OK", 96000, "webhook"), 0.95)
	if err != nil || res.Outcome != OutcomeFulfilled {
		t.Fatalf("fulfill within tolerance = %+v, err=%v", res, err)
	}
}

func TestFulfill_AfterExpiryIsNoop(t *testing.T) {
	s, now := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 100000, 1)
	ctx := context.Background()

	r, _ := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	*now = r.Order.ReservedUntil.Add(time.Minute)
	if _, err := s.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	res, err := s.Fulfill(ctx, r.Order.ID, paymentFor("TX-LATE", 100000, "webhook"), 0.95)
	if err != nil || res.Outcome != OutcomeAlreadyResolved || res.Status != StatusExpired {
		t.Fatalf("late fulfill = %+v, err=%v", res, err)
	}
	if got := available(t, s, "NETFLIX"); got != 1 {
		t.Errorf("available = %d, want 1", got)
	}
}

func TestCancelOrder(t *testing.T) {
	s, _ := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 100000, 2)
	ctx := context.Background()

	r, _ := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 2}))
	o, err := s.CancelOrder(ctx, r.Order.Code, "admin")
	if err != nil || o.Status != StatusCancelled {
		t.Fatalf("cancel = %+v, err=%v", o, err)
	}
	if got := available(t, s, "NETFLIX"); got != 2 {
		t.Errorf("available = %d, want 2", got)
	}
	if _, err := s.CancelOrder(ctx, r.Order.Code, "admin"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second cancel: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.CancelOrder(ctx, "ORDNOPE2345", "admin"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("unknown code: expected ErrOrderNotFound, got %v", err)
	}
}

func TestDelivery_TokenAndStatusChecks(t *testing.T) {
	s, now := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 100000, 1)
	ctx := context.Background()

	r, _ := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	if _, err := s.Delivery(ctx, r.Order.Code, "wrong"); !errors.Is(err, ErrDeliveryForbidden) {
		t.Errorf("bad token: got %v", err)
	}
	if _, err := s.Delivery(ctx, r.Order.Code, r.DeliveryToken); !errors.Is(err, ErrNotFulfilled) {
		t.Errorf("pending order: got %v", err)
	}
	if _, err := s.Delivery(ctx, "ORDMISSING2", r.DeliveryToken); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("unknown order: got %v", err)
	}

	if _, err := s.Fulfill(ctx, r.Order.ID, paymentFor("TX-D", 100000, "webhook"), 0.95); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	*now = r.Order.DeliveryExpiresAt.Add(time.Second)
	if _, err := s.Delivery(ctx, r.Order.Code, r.DeliveryToken); !errors.Is(err, ErrDeliveryForbidden) {
		t.Errorf("expired token: got %v", err)
	}
}

func TestListPending(t *testing.T) {
	s, now := newTestStore(t)
	seedProduct(t, s, "NETFLIX", 100000, 2)
	ctx := context.Background()

	start := *now
	a, _ := s.CreateOrder(ctx, orderFor("a@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	*now = start.Add(10 * time.Minute)
	b, _ := s.CreateOrder(ctx, orderFor("b@example.com", LineInput{ProductCode: "NETFLIX", Quantity: 1}))
	if a == nil || b == nil {
		t.Fatal("setup orders failed")
	}

	got, err := s.ListPending(ctx, start.Add(time.Minute), start.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Code != b.Order.Code {
		t.Errorf("pending = %+v, want only %s", got, b.Order.Code)
	}
}
