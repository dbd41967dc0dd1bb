package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Every runs job once right away and then on every tick until ctx is done. A failed
// run is logged and retried on the next tick; it never stops the loop.
func Every(ctx context.Context, name string, interval time.Duration, log *slog.Logger, job func(context.Context) error) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("job", name)
	log.Info("scheduler started", "interval", interval)

	run := func() {
		if err := job(ctx); err != nil && ctx.Err() == nil {
			log.Warn("scheduled run failed", "err", err)
		}
	}

	run()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		case <-t.C:
			run()
		}
	}
}
