package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/matcher"
	"github.com/ariefcatur/go-stock-orders/internal/metrics"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
)

const (
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"
)

// Fulfill runs the fulfillment transaction and the after-commit side effects. The
// webhook and the reconciliation sweep both come through here.
func (s *Orders) Fulfill(ctx context.Context, o *orders.Order, ev orders.PaymentEvent) (orders.FulfillResult, error) {
	if ev.Provider == "" {
		ev.Provider = s.Provider
	}
	log := s.logger(ctx).With("order_code", o.Code, "txn_id", ev.ExternalID, "source", ev.Source)

	res, err := s.Store.Fulfill(ctx, o.ID, ev, s.Tolerance)
	if err != nil {
		metrics.Fulfillments.WithLabelValues(ev.Source, "error").Inc()
		log.Error("fulfillment failed", "err", err)
		return res, err
	}
	metrics.Fulfillments.WithLabelValues(ev.Source, string(res.Outcome)).Inc()

	switch res.Outcome {
	case orders.OutcomeFulfilled:
		s.forgetStatus(ctx, o.Code)
		s.publish(ctx, orders.TopicOrderFulfilled, orders.EventOrderFulfilled, o.ID, orders.OrderFulfilledPayload{
			OrderID:       o.ID,
			OrderCode:     o.Code,
			Email:         o.Customer.Email,
			InvoiceNumber: res.InvoiceNumber,
			Units:         res.Units,
			PaymentSource: ev.Source,
		})
		log.Info("order fulfilled", "invoice_number", res.InvoiceNumber, "units", res.Units, "amount", ev.Amount)
	case orders.OutcomeReservationLost:
		// uang masuk tapi unit sudah lepas: perlu ditangani manual
		log.Error("paid order lost its reserved units", "amount", ev.Amount, "amount_total", o.AmountTotal)
	case orders.OutcomeInsufficientAmount:
		log.Warn("payment below tolerance", "amount", ev.Amount, "amount_total", o.AmountTotal)
	case orders.OutcomeDuplicatePayment:
		log.Warn("transaction already recorded against another order")
	default:
		log.Debug("fulfillment no-op", "outcome", res.Outcome, "status", res.Status)
	}
	return res, nil
}

// PaymentNotice is one pushed transaction, already authenticated.
type PaymentNotice struct {
	ExternalID string
	Amount     int64
	Memo       string
	Reference  string
	Incoming   bool
	ObservedAt time.Time
}

type WebhookOutcome string

const (
	WebhookFulfilled          WebhookOutcome = "fulfilled"
	WebhookAlreadyResolved    WebhookOutcome = "already_resolved"
	WebhookInsufficientAmount WebhookOutcome = "insufficient_amount"
	WebhookDuplicatePayment   WebhookOutcome = "duplicate_payment"
	WebhookReservationLost    WebhookOutcome = "reservation_lost"
	WebhookNoCode             WebhookOutcome = "no_code"
	WebhookNoOrder            WebhookOutcome = "no_order"
	WebhookAmbiguous          WebhookOutcome = "ambiguous"
	WebhookIgnored            WebhookOutcome = "ignored"
)

type WebhookResult struct {
	Outcome       WebhookOutcome `json:"outcome"`
	OrderCode     string         `json:"order_code,omitempty"`
	InvoiceNumber string         `json:"invoice_number,omitempty"`
}

// HandlePayment maps a pushed transaction to at most one order and fulfills it. Only
// infrastructure failures come back as errors; every business result is a
// WebhookResult.
func (s *Orders) HandlePayment(ctx context.Context, n PaymentNotice) (WebhookResult, error) {
	log := s.logger(ctx).With("txn_id", n.ExternalID)
	if !n.Incoming {
		return WebhookResult{Outcome: WebhookIgnored}, nil
	}

	m := s.matcher()
	cands := m.Candidates(n.Memo)
	if len(cands) == 0 {
		log.Info("payment memo carries no order code", "memo", n.Memo)
		return WebhookResult{Outcome: WebhookNoCode}, nil
	}

	var found []*orders.Order
	seen := map[string]bool{}
	for _, c := range cands {
		o, err := s.lookupCandidate(ctx, c)
		if errors.Is(err, orders.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return WebhookResult{}, err
		}
		if !seen[o.ID] {
			seen[o.ID] = true
			found = append(found, o)
		}
	}
	switch len(found) {
	case 0:
		log.Info("no order for payment memo", "candidates", cands)
		return WebhookResult{Outcome: WebhookNoOrder}, nil
	case 1:
	default:
		codes := make([]string, 0, len(found))
		for _, o := range found {
			codes = append(codes, o.Code)
		}
		log.Warn("payment memo names several orders, not fulfilling", "orders", codes, "memo", n.Memo)
		return WebhookResult{Outcome: WebhookAmbiguous}, nil
	}

	o := found[0]
	if mr := m.Match(n.Memo, o.Code); mr.Kind != matcher.Exact {
		log.Warn("ambiguous payment memo, not fulfilling", "order_code", o.Code, "token", mr.Token, "reason", mr.Reason)
		return WebhookResult{Outcome: WebhookAmbiguous, OrderCode: o.Code}, nil
	}
	if o.Status.Terminal() {
		return WebhookResult{Outcome: WebhookAlreadyResolved, OrderCode: o.Code, InvoiceNumber: o.InvoiceNumber}, nil
	}

	res, err := s.Fulfill(ctx, o, orders.PaymentEvent{
		Provider:   s.Provider,
		ExternalID: n.ExternalID,
		Amount:     n.Amount,
		Reference:  n.Reference,
		Memo:       n.Memo,
		ObservedAt: n.ObservedAt,
		Source:     SourceWebhook,
	})
	if err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{Outcome: webhookOutcome(res.Outcome), OrderCode: o.Code, InvoiceNumber: res.InvoiceNumber}, nil
}

// lookupCandidate tries the token as-is, then cut to code length; the second hit
// exists only so the matcher can flag it as ambiguous.
func (s *Orders) lookupCandidate(ctx context.Context, cand string) (*orders.Order, error) {
	o, err := s.Store.GetOrderByCode(ctx, cand)
	if !errors.Is(err, orders.ErrOrderNotFound) || len(cand) <= orders.CodeLen {
		return o, err
	}
	return s.Store.GetOrderByCode(ctx, strings.ToUpper(cand[:orders.CodeLen]))
}

func webhookOutcome(o orders.Outcome) WebhookOutcome {
	switch o {
	case orders.OutcomeFulfilled:
		return WebhookFulfilled
	case orders.OutcomeInsufficientAmount:
		return WebhookInsufficientAmount
	case orders.OutcomeDuplicatePayment:
		return WebhookDuplicatePayment
	case orders.OutcomeReservationLost:
		return WebhookReservationLost
	default:
		return WebhookAlreadyResolved
	}
}
