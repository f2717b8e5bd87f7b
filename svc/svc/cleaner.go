package svc

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pastebox/metrics"
	"pastebox/svc/util"
)

// Cleaner periodically removes expired pastes. Reads already hide them,
// so a late or failed sweep only costs disk space.
type Cleaner struct {
	store    Sweeper
	interval time.Duration
	log      zerolog.Logger
}

func NewCleaner(store Sweeper, interval time.Duration) *Cleaner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Cleaner{store: store, interval: interval, log: util.Component("cleaner")}
}

// Run sweeps every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) error {
	runID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, runID)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.log.Info().
		Str("request_id", runID).
		Dur("interval", c.interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Str("request_id", runID).Msg("cleanup worker shutting down")
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass and returns the number of removed pastes.
// A failed pass still reports the rows removed before the error.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	metrics.PruneCycles.Inc()
	deleted, err := c.store.CleanupExpired(ctx)
	if deleted > 0 {
		metrics.PrunedPastes.Add(float64(deleted))
	}
	if err != nil {
		c.log.Error().
			Err(err).
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("cleanup failed")
		return deleted, err
	}
	if deleted > 0 {
		c.log.Info().
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("cleanup completed")
	}
	return deleted, nil
}
