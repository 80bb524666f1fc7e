package bulk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/events"
	"dispatchline/internal/metrics"
	"dispatchline/internal/notify"
)

const defaultConcurrency = 4

type Transitioner interface {
	ApplyTransition(ctx context.Context, req engine.TransitionRequest) (domain.Mission, error)
}

type MissionLister interface {
	ListMissionsByDateAndStatus(ctx context.Context, date string, status domain.Status) ([]domain.Mission, error)
}

// Coordinator sends every draft mission of a day in one dispatcher action.
// Each mission goes through the engine on its own; one failure never aborts
// the others.
type Coordinator struct {
	Engine   Transitioner
	Missions MissionLister
	Notifier notify.DriverNotifier
	Bus      engine.Publisher
	DB       *sql.DB
	Audit    events.Writer
	Logger   zerolog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time
	Origin   string
	// Concurrency bounds parallel transitions.
	Concurrency int
}

// Summary reports a bulk send.
type Summary struct {
	Date         string               `json:"date"`
	Selected     int                  `json:"selected"`
	Sent         int                  `json:"sent"`
	Skipped      int                  `json:"skipped"`
	PushFailures int                  `json:"push_failures"`
	Message      string               `json:"message"`
	Outcomes     []domain.BulkOutcome `json:"outcomes"`
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// SendDay moves every draft of date to sent, then pushes one grouped
// notification per driver and emits a single missions:envoyees event.
func (c *Coordinator) SendDay(ctx context.Context, date string, actor auth.Principal) (Summary, error) {
	if err := auth.RequireDispatcher(actor, "send missions"); err != nil {
		return Summary{}, err
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return Summary{}, engine.ValidationError{Field: "date", Message: "expected YYYY-MM-DD"}
	}
	drafts, err := c.Missions.ListMissionsByDateAndStatus(ctx, date, domain.StatusDraft)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Date: date, Selected: len(drafts), Outcomes: make([]domain.BulkOutcome, len(drafts))}

	limit := c.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, m := range drafts {
		g.Go(func() error {
			sum.Outcomes[i] = c.sendOne(ctx, m, actor)
			return nil
		})
	}
	_ = g.Wait()

	perDriver := make(map[int64]int)
	var sentIDs []int64
	for _, o := range sum.Outcomes {
		if !o.Sent {
			sum.Skipped++
			continue
		}
		sum.Sent++
		sentIDs = append(sentIDs, o.MissionID)
		if o.DriverID != nil {
			perDriver[*o.DriverID]++
		}
	}
	sum.Message = fmt.Sprintf("%d of %d missions sent", sum.Sent, sum.Selected)
	c.Metrics.BulkMissions(sum.Sent, sum.Skipped)

	if sum.Selected > 0 {
		drivers := make([]int64, 0, len(perDriver))
		for d := range perDriver {
			drivers = append(drivers, d)
		}
		sort.Slice(drivers, func(i, j int) bool { return drivers[i] < drivers[j] })
		if err := c.audit(ctx, date, actor, sum); err != nil {
			c.Logger.Warn().Err(err).Str("date", date).Msg("bulk send audit failed")
		}
		if c.Bus != nil {
			c.Bus.Publish(events.MissionEvent{
				Kind:       events.KindBulkSent,
				Date:       date,
				MissionIDs: sentIDs,
				DriverIDs:  drivers,
				ActorID:    actor.ActorID,
				ActorRole:  actor.Role,
				TS:         c.now(),
				Origin:     c.Origin,
			})
		}
		sum.PushFailures = c.pushGrouped(ctx, date, drivers, perDriver)
	}
	c.Logger.Info().Str("date", date).Int("sent", sum.Sent).Int("skipped", sum.Skipped).
		Int("push_failures", sum.PushFailures).Msg(sum.Message)
	return sum, nil
}

func (c *Coordinator) sendOne(ctx context.Context, m domain.Mission, actor auth.Principal) domain.BulkOutcome {
	out := domain.BulkOutcome{MissionID: m.ID, DriverID: m.DriverID}
	updated, err := c.Engine.ApplyTransition(ctx, engine.TransitionRequest{
		MissionID: m.ID,
		To:        domain.StatusSent,
		Actor:     actor,
		Quiet:     true,
	})
	if err != nil {
		out.Reason = reason(err)
		return out
	}
	out.Sent = true
	out.DriverID = updated.DriverID
	return out
}

func reason(err error) string {
	var pe engine.PreconditionError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return err.Error()
}

// pushGrouped sends one notification per driver and returns the failure count.
func (c *Coordinator) pushGrouped(ctx context.Context, date string, drivers []int64, perDriver map[int64]int) int {
	if c.Notifier == nil {
		return 0
	}
	failures := 0
	for _, d := range drivers {
		if _, err := c.Notifier.NotifyDriver(ctx, d, notify.BulkMessage(date, perDriver[d])); err != nil {
			failures++
			c.Logger.Warn().Err(err).Int64("driver_id", d).Msg("bulk push not delivered")
		}
	}
	return failures
}

func (c *Coordinator) audit(ctx context.Context, date string, actor auth.Principal, sum Summary) error {
	if c.DB == nil {
		return nil
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Audit.Append(ctx, tx, "mission.bulk_send", "day", date, actor.ActorID, events.EventPayload{
		"selected": sum.Selected,
		"sent":     sum.Sent,
		"skipped":  sum.Skipped,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
