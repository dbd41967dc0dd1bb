package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_ms",
			Help:    "Duration of HTTP requests in ms",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600},
		},
		[]string{"method", "route"},
	)

	OrdersReserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_reserved_total",
		Help: "Orders whose stock was reserved",
	})

	ReservationRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_reservation_rejected_total",
			Help: "Create-order attempts rejected, by reason",
		},
		[]string{"reason"},
	)

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_rate_limited_total",
		Help: "Create-order requests refused by the rate limiter",
	})

	Fulfillments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_fulfillment_attempts_total",
			Help: "Fulfillment attempts by payment source and outcome",
		},
		[]string{"source", "outcome"},
	)

	WebhookResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_results_total",
			Help: "Payment webhook deliveries by result",
		},
		[]string{"result"},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Sweeper runs by sweeper and result",
		},
		[]string{"sweeper", "result"},
	)

	UnitsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_units_released_total",
		Help: "Reserved stock units returned to available",
	})

	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_expired_total",
		Help: "Pending orders expired by the sweeper",
	})

	ReconcileMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_matches_total",
			Help: "Reconciliation match decisions by kind",
		},
		[]string{"kind"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Domain events handed to Kafka, by topic and result",
		},
		[]string{"topic", "result"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notifier deliveries by event type and result",
		},
		[]string{"event_type", "result"},
	)
)
