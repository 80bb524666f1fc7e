package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dispatchline/internal/events"
)

// DriverNotifier is satisfied by *Dispatcher.
type DriverNotifier interface {
	NotifyDriver(ctx context.Context, actorID int64, msg Message) (Receipt, error)
}

// Fallback consumes committed mission events and pushes to drivers' devices,
// independently of live delivery. It runs outside any mission lock.
type Fallback struct {
	Notifier    DriverNotifier
	Logger      zerolog.Logger
	Concurrency int
}

// Run handles events until ch closes or ctx is done.
func (f *Fallback) Run(ctx context.Context, ch <-chan events.MissionEvent) error {
	var g errgroup.Group
	limit := f.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return g.Wait()
			}
			for _, n := range Plan(ev) {
				g.Go(func() error {
					f.Deliver(ctx, n)
					return nil
				})
			}
		}
	}
}

// Deliver sends one planned notification and logs the advisory outcome.
func (f *Fallback) Deliver(ctx context.Context, n Notification) {
	log := f.Logger.With().Int64("driver_id", n.DriverID).Str("type", n.Message.Data["type"]).Logger()
	receipt, err := f.Notifier.NotifyDriver(ctx, n.DriverID, n.Message)
	var failed DeliveryFailedError
	switch {
	case err == nil:
		log.Debug().Str("receipt", receipt.ID).Msg("push delivered")
	case errors.Is(err, ErrNoTokenRegistered):
		log.Debug().Msg("push skipped: no device token")
	case errors.As(err, &failed):
		log.Warn().Str("reason", failed.Reason).Msg("push delivery failed")
	default:
		log.Warn().Err(err).Msg("push failed")
	}
}
