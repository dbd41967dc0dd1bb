package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/gateway"
	"github.com/ariefcatur/go-stock-orders/internal/logging"
	"github.com/ariefcatur/go-stock-orders/internal/metrics"
	"github.com/ariefcatur/go-stock-orders/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const webhookTimeLayout = "2006-01-02 15:04:05"

type PaymentHandler interface {
	HandlePayment(ctx context.Context, n service.PaymentNotice) (service.WebhookResult, error)
}

// WebhookHandler receives pushed bank transfers. Any business result is a 200 so the
// gateway does not retry; only auth, config and payload problems are not.
type WebhookHandler struct {
	Payments PaymentHandler
	Secret   string
	// Location for transactionDate, which carries no zone.
	Location *time.Location
}

type paymentWebhookReq struct {
	ID              gateway.TxnID    `json:"id"`
	Gateway         string           `json:"gateway"`
	TransactionDate string           `json:"transactionDate"`
	Content         string           `json:"content"`
	TransferAmount  *decimal.Decimal `json:"transferAmount"`
	TransferType    string           `json:"transferType"`
	ReferenceCode   string           `json:"referenceCode"`
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/payments", h.payment)
}

func (h *WebhookHandler) payment(w http.ResponseWriter, r *http.Request) {
	log := logging.FromCtx(r.Context())
	if h.Secret == "" {
		log.Error("payment webhook secret not configured")
		metrics.WebhookResults.WithLabelValues("misconfigured").Inc()
		writeErr(w, http.StatusInternalServerError, "NOT_CONFIGURED", "webhook secret not configured")
		return
	}
	if !h.authorized(r) {
		metrics.WebhookResults.WithLabelValues("unauthorized").Inc()
		writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid webhook credentials")
		return
	}

	var req paymentWebhookReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		metrics.WebhookResults.WithLabelValues("malformed").Inc()
		writeErr(w, http.StatusBadRequest, "MALFORMED", "invalid json")
		return
	}
	n, msg := h.notice(req)
	if msg != "" {
		metrics.WebhookResults.WithLabelValues("malformed").Inc()
		writeErr(w, http.StatusBadRequest, "MALFORMED", msg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Payments.HandlePayment(ctx, n)
	if err != nil {
		// gateway akan retry; fulfillment idempotent jadi aman
		metrics.WebhookResults.WithLabelValues("error").Inc()
		log.Error("payment webhook failed", "txn_id", n.ExternalID, "err", err)
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	metrics.WebhookResults.WithLabelValues(string(res.Outcome)).Inc()
	log.Info("payment webhook handled", "txn_id", n.ExternalID, "outcome", res.Outcome, "order_code", res.OrderCode)
	writeJSON(w, http.StatusOK, res)
}

// authorized accepts "Bearer <secret>" or "Apikey <secret>".
func (h *WebhookHandler) authorized(r *http.Request) bool {
	scheme, cred, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok {
		return false
	}
	switch strings.ToLower(scheme) {
	case "bearer", "apikey":
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(cred)), []byte(h.Secret)) == 1
}

// notice validates the payload; a non-empty message means malformed.
func (h *WebhookHandler) notice(req paymentWebhookReq) (service.PaymentNotice, string) {
	if req.ID == "" {
		return service.PaymentNotice{}, "id is required"
	}
	if req.TransferAmount == nil {
		return service.PaymentNotice{}, "transferAmount is required"
	}
	amt := *req.TransferAmount
	if amt.IsNegative() || !amt.Equal(amt.Truncate(0)) {
		return service.PaymentNotice{}, "transferAmount must be a non-negative whole number"
	}

	var incoming bool
	switch strings.ToLower(strings.TrimSpace(req.TransferType)) {
	case "in", "":
		incoming = true
	case "out":
	default:
		return service.PaymentNotice{}, "transferType must be in or out"
	}

	var at time.Time
	if req.TransactionDate != "" {
		loc := h.Location
		if loc == nil {
			loc = time.UTC
		}
		t, err := time.ParseInLocation(webhookTimeLayout, req.TransactionDate, loc)
		if err != nil {
			return service.PaymentNotice{}, "transactionDate must look like 2006-01-02 15:04:05"
		}
		at = t.UTC()
	}

	return service.PaymentNotice{
		ExternalID: string(req.ID),
		Amount:     amt.IntPart(),
		Memo:       req.Content,
		Reference:  req.ReferenceCode,
		Incoming:   incoming,
		ObservedAt: at,
	}, ""
}
