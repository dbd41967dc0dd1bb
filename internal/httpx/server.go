package httpx

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	Orders   *OrdersHandler
	Webhooks *WebhookHandler
	Admin    *AdminHandler

	// TrustedProxies may set the client address through forwarding headers.
	// Empty means the TCP peer is always the client.
	TrustedProxies []netip.Prefix
}

func NewRouter(log *slog.Logger, h Handlers) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, ClientIP(h.TrustedProxies), middleware.Recoverer)
	r.Use(Metrics, Logging(log))
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	if h.Orders != nil {
		h.Orders.Register(r)
	}
	if h.Webhooks != nil {
		h.Webhooks.Register(r)
	}
	if h.Admin != nil {
		h.Admin.Register(r)
	}
	return r
}
