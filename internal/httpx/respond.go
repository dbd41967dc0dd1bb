package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/logging"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/service"
)

const maxBody = 64 << 10

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	ProductCode string `json:"product_code,omitempty"`
	Requested   int    `json:"requested,omitempty"`
	Available   *int   `json:"available,omitempty"`
	Shortfall   int    `json:"shortfall,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorBody{Error: errCode, Message: msg})
}

// writeError maps business errors to their status; anything unknown is logged and
// answered with a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		se *orders.StockError
		rl *service.RateLimitError
	)
	switch {
	case errors.As(err, &rl):
		secs := int(rl.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeErr(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, retry later")
	case errors.As(err, &se):
		code := "INSUFFICIENT_STOCK"
		if errors.Is(se, orders.ErrReserveFailed) {
			code = "RESERVE_FAILED"
		}
		avail := se.Available
		writeJSON(w, http.StatusConflict, errorBody{
			Error:       code,
			Message:     se.Error(),
			ProductCode: se.ProductCode,
			Requested:   se.Requested,
			Available:   &avail,
			Shortfall:   se.Shortfall(),
		})
	case errors.Is(err, orders.ErrValidation):
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, orders.ErrProductNotFound):
		writeErr(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", err.Error())
	case errors.Is(err, orders.ErrOrderNotFound):
		writeErr(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	case errors.Is(err, orders.ErrPriceMismatch):
		writeErr(w, http.StatusConflict, "PRICE_MISMATCH", err.Error())
	case errors.Is(err, orders.ErrInsufficientStock):
		writeErr(w, http.StatusConflict, "INSUFFICIENT_STOCK", err.Error())
	case errors.Is(err, orders.ErrReserveFailed):
		writeErr(w, http.StatusConflict, "RESERVE_FAILED", err.Error())
	case errors.Is(err, orders.ErrInvalidTransition):
		writeErr(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, orders.ErrDeliveryForbidden):
		writeErr(w, http.StatusForbidden, "FORBIDDEN", "delivery token invalid or expired")
	case errors.Is(err, orders.ErrNotFulfilled):
		writeErr(w, http.StatusNotFound, "NOT_FULFILLED", "order is not fulfilled yet")
	default:
		logging.FromCtx(r.Context()).Error("request failed", "err", err)
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
