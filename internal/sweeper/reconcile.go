package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/gateway"
	"github.com/ariefcatur/go-stock-orders/internal/matcher"
	"github.com/ariefcatur/go-stock-orders/internal/metrics"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/service"
)

type PendingLister interface {
	ListPending(ctx context.Context, from, to time.Time) ([]orders.Order, error)
}

type Fulfiller interface {
	Fulfill(ctx context.Context, o *orders.Order, ev orders.PaymentEvent) (orders.FulfillResult, error)
}

type TransactionSource interface {
	Recent(ctx context.Context, limit int) ([]gateway.Transaction, error)
}

// Reconcile is the pull-based fallback for payments whose webhook never arrived.
type Reconcile struct {
	Orders    PendingLister
	Fulfiller Fulfiller
	Gateway   TransactionSource
	Matcher   matcher.Matcher

	Provider   string
	Tolerance  float64
	Lookback   time.Duration // pending orders older than this are left to expire
	Grace      time.Duration // give the webhook this long first
	ClockSkew  time.Duration // slack between gateway and our clocks
	FetchLimit int
	Timeout    time.Duration // gateway call

	Now func() time.Time
	Log *slog.Logger
}

type ReconcileResult struct {
	Pending         int `json:"pending"`
	Transactions    int `json:"transactions"`
	Fulfilled       int `json:"fulfilled"`
	AlreadyResolved int `json:"already_resolved"`
	Ambiguous       int `json:"ambiguous"`
	Underpaid       int `json:"underpaid"`
	Unmatched       int `json:"unmatched"`
	Failed          int `json:"failed"`
}

func (r *Reconcile) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconcile) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// candidate is one order with what the memo scan found for it.
type candidate struct {
	order     *orders.Order
	exact     []gateway.Transaction
	ambiguous bool
	underpaid bool
}

func (r *Reconcile) Run(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	log := r.log()
	now := r.now()

	pending, err := r.Orders.ListPending(ctx, now.Add(-r.Lookback), now.Add(-r.Grace))
	if err != nil {
		metrics.SweepRuns.WithLabelValues("reconcile", "error").Inc()
		return res, fmt.Errorf("list pending: %w", err)
	}
	res.Pending = len(pending)
	if len(pending) == 0 {
		metrics.SweepRuns.WithLabelValues("reconcile", "idle").Inc()
		return res, nil
	}

	gctx, cancel := context.WithTimeout(ctx, r.timeout())
	txns, err := r.Gateway.Recent(gctx, r.fetchLimit())
	cancel()
	if err != nil {
		// tidak ada progres siklus ini; coba lagi siklus berikutnya
		metrics.SweepRuns.WithLabelValues("reconcile", "gateway_error").Inc()
		return res, fmt.Errorf("fetch transactions: %w", err)
	}
	res.Transactions = len(txns)

	cands := make([]*candidate, 0, len(pending))
	claims := map[string]int{} // txn id -> jumlah order yang match exact
	for i := range pending {
		c := r.scan(&pending[i], txns, now)
		for _, tx := range c.exact {
			claims[tx.ID]++
		}
		cands = append(cands, c)
	}

	for _, c := range cands {
		o := c.order
		tx, ok := firstUnshared(c.exact, claims)
		switch {
		case ok:
		case len(c.exact) > 0 || c.ambiguous:
			res.Ambiguous++
			metrics.ReconcileMatches.WithLabelValues("ambiguous").Inc()
			log.Warn("ambiguous payment match, leaving order pending", "order_code", o.Code, "exact_matches", len(c.exact))
			continue
		case c.underpaid:
			res.Underpaid++
			metrics.ReconcileMatches.WithLabelValues("underpaid").Inc()
			log.Warn("matching transfer below tolerance", "order_code", o.Code, "amount_total", o.AmountTotal)
			continue
		default:
			res.Unmatched++
			continue
		}

		metrics.ReconcileMatches.WithLabelValues("exact").Inc()
		fr, err := r.Fulfiller.Fulfill(ctx, o, orders.PaymentEvent{
			Provider:   r.Provider,
			ExternalID: tx.ID,
			Amount:     tx.Amount,
			Reference:  tx.Reference,
			Memo:       tx.Memo,
			ObservedAt: tx.At,
			Source:     service.SourceReconcile,
		})
		if err != nil {
			res.Failed++
			log.Error("reconcile fulfillment failed", "order_code", o.Code, "txn_id", tx.ID, "err", err)
			continue
		}
		switch fr.Outcome {
		case orders.OutcomeFulfilled:
			res.Fulfilled++
		case orders.OutcomeAlreadyResolved:
			res.AlreadyResolved++
		case orders.OutcomeInsufficientAmount:
			res.Underpaid++
		default:
			res.Failed++
		}
	}

	metrics.SweepRuns.WithLabelValues("reconcile", "ok").Inc()
	log.Info("reconcile sweep",
		"pending", res.Pending, "transactions", res.Transactions, "fulfilled", res.Fulfilled,
		"already_resolved", res.AlreadyResolved, "ambiguous", res.Ambiguous,
		"underpaid", res.Underpaid, "unmatched", res.Unmatched, "failed", res.Failed)
	return res, nil
}

// scan checks every transaction against one order: memo, then amount, then time.
func (r *Reconcile) scan(o *orders.Order, txns []gateway.Transaction, now time.Time) *candidate {
	c := &candidate{order: o}
	earliest := o.CreatedAt.Add(-r.ClockSkew)
	latest := now.Add(r.ClockSkew)
	for _, tx := range txns {
		if tx.At.Before(earliest) || tx.At.After(latest) {
			continue
		}
		switch r.matcher().Match(tx.Memo, o.Code).Kind {
		case matcher.Exact:
			if orders.AmountSufficient(tx.Amount, o.AmountTotal, r.Tolerance) {
				c.exact = append(c.exact, tx)
			} else {
				c.underpaid = true
			}
		case matcher.Ambiguous:
			c.ambiguous = true
		}
	}
	return c
}

// firstUnshared picks the first transaction no other pending order also claims.
func firstUnshared(txns []gateway.Transaction, claims map[string]int) (gateway.Transaction, bool) {
	for _, tx := range txns {
		if claims[tx.ID] == 1 {
			return tx, true
		}
	}
	return gateway.Transaction{}, false
}

func (r *Reconcile) matcher() matcher.Matcher {
	if r.Matcher != nil {
		return r.Matcher
	}
	return matcher.New(orders.CodePrefix)
}

func (r *Reconcile) fetchLimit() int {
	if r.FetchLimit > 0 {
		return r.FetchLimit
	}
	return 100
}

func (r *Reconcile) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 10 * time.Second
}

// Job adapts Run for Every.
func (r *Reconcile) Job(ctx context.Context) error {
	_, err := r.Run(ctx)
	return err
}
