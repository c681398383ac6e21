package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agrimanagement/internal/metrics"
)

// Reverter persists the period-end reversion.
type Reverter interface {
	RevertExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Sweeper periodically returns canceled subscriptions whose paid period
// has ended to the free tier. Entitlement checks already treat them as
// free; the sweep makes the stored record agree.
type Sweeper struct {
	store    Reverter
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(st Reverter, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{store: st, interval: interval, now: time.Now}
}

// Run sweeps once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("subscription sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	_, _ = s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("subscription sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}

// Sweep reverts every lapsed subscription and returns how many changed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.RevertExpired(ctx, s.now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("subscription sweep failed")
		return 0, err
	}
	if len(ids) > 0 {
		metrics.SubscriptionReversions.WithLabelValues("period_end").Add(float64(len(ids)))
		for _, id := range ids {
			log.Info().Str("user_id", id.String()).Msg("subscription reverted to free at period end")
		}
	}
	return len(ids), nil
}
