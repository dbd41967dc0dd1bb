package httpx

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/logging"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/sweeper"
	"github.com/go-chi/chi/v5"
)

type ExpiryRunner interface {
	Run(ctx context.Context) (sweeper.ExpiryResult, error)
}

type ReconcileRunner interface {
	Run(ctx context.Context) (sweeper.ReconcileResult, error)
}

type Canceller interface {
	Cancel(ctx context.Context, code, actor string) (*orders.Order, error)
}

// AdminHandler exposes the manual triggers. With an empty Secret the routes are open.
type AdminHandler struct {
	Secret    string
	Expiry    ExpiryRunner
	Reconcile ReconcileRunner // nil when reconciliation is disabled
	Orders    Canceller
}

type cancelResp struct {
	OrderCode string        `json:"order_code"`
	Status    orders.Status `json:"status"`
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.guard)
		r.Post("/sweeps/expire", h.sweepExpire)
		r.Post("/sweeps/reconcile", h.sweepReconcile)
		r.Post("/orders/{code}/cancel", h.cancelOrder)
	})
}

func (h *AdminHandler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Admin-Secret")), []byte(h.Secret)) != 1 {
			writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) sweepExpire(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	res, err := h.Expiry.Run(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) sweepReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconcile == nil {
		writeErr(w, http.StatusServiceUnavailable, "DISABLED", "reconciliation is disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	res, err := h.Reconcile.Run(ctx)
	if err != nil {
		logging.FromCtx(r.Context()).Warn("manual reconcile failed", "err", err)
		writeErr(w, http.StatusBadGateway, "GATEWAY_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	code := orderCodeParam(r)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Cancel(ctx, code, "admin")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResp{OrderCode: o.Code, Status: o.Status})
}
