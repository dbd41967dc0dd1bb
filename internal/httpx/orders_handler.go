package httpx

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/service"
	"github.com/go-chi/chi/v5"
)

type OrderService interface {
	Create(ctx context.Context, in orders.CreateOrderInput) (*service.Receipt, error)
	Status(ctx context.Context, code string) (*service.StatusView, error)
	Delivery(ctx context.Context, code, token string) ([]orders.DeliveryItem, error)
}

type OrdersHandler struct {
	Orders OrderService
}

type createOrderReq struct {
	Customer   orders.Customer    `json:"customer"`
	Items      []orders.LineInput `json:"items"`
	RequestKey string             `json:"request_key"`
}

type deliveryResp struct {
	OrderCode string                `json:"order_code"`
	Items     []orders.DeliveryItem `json:"items"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{code}", h.getOrder)
	r.Get("/orders/{code}/delivery", h.getDelivery)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
		return
	}

	// header menang atas field body
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = req.RequestKey
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rc, err := h.Orders.Create(ctx, orders.CreateOrderInput{
		Customer:   req.Customer,
		Lines:      req.Items,
		RequestKey: key,
		SourceAddr: sourceAddr(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if rc.Idempotent {
		code = http.StatusOK
	}
	writeJSON(w, code, rc)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	code := orderCodeParam(r)
	if code == "" {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing order code")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	v, err := h.Orders.Status(ctx, code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) getDelivery(w http.ResponseWriter, r *http.Request) {
	code := orderCodeParam(r)
	token := r.Header.Get("X-Delivery-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if code == "" || token == "" {
		writeErr(w, http.StatusForbidden, "FORBIDDEN", "delivery token required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	items, err := h.Orders.Delivery(ctx, code, token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveryResp{OrderCode: code, Items: items})
}

func orderCodeParam(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))
}

// sourceAddr is the client IP the rate limit counts against. ClientIP has already
// applied forwarding headers from trusted proxies.
func sourceAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
