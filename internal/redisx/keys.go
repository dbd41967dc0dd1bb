package redisx

import "time"

const (
	// Replay create order: idem:order:create:{request_key} -> response JSON pertama
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Cache status order: order_status:{order_code} -> {"status": "...", ...}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Fixed-window counter: ratelimit:{scope}:{source_addr}
	KeyRateLimit = "ratelimit:%s:%s"
)

var (
	// receipt replay membawa delivery token plaintext, jadi cukup untuk retry klien saja
	TTLIdempotency = 15 * time.Minute
	TTLStatusCache = 5 * time.Minute
	// view pending_payment bisa berubah kapan saja (webhook), jadi umurnya pendek
	TTLPendingStatus = 5 * time.Second
	TTLDedup         = 48 * time.Hour
)

// MaxReplayTTL bounds order.replay_ttl.
const MaxReplayTTL = time.Hour
