package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/events"
	"dispatchline/internal/metrics"
	"dispatchline/internal/repo"
)

// Publisher receives committed mission events.
type Publisher interface {
	Publish(events.MissionEvent)
}

// Engine applies mission changes. Work on one mission id is serialized and
// its events are published in commit order.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Bus     Publisher
	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Recorder
	// Origin tags published events with the producing instance.
	Origin string

	locks *keyedMutex
	// afterCreateCommit runs between a create's commit and its lock.
	afterCreateCommit func(id int64)
}

func New(db *sql.DB, bus Publisher) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Bus:    bus,
		Now:    time.Now,
		Logger: zerolog.Nop(),
		locks:  newKeyedMutex(),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) lock(id int64) func() {
	if e.locks == nil {
		e.locks = newKeyedMutex()
	}
	return e.locks.Lock(id)
}

func (e *Engine) publish(ev events.MissionEvent) {
	if e.Bus == nil {
		return
	}
	ev.TS = e.now()
	ev.Origin = e.Origin
	e.Bus.Publish(ev)
}

func (e *Engine) reject(err error) error {
	if code := Code(err); code != "" {
		e.Metrics.TransitionRejected(code)
	}
	return err
}

func missionKey(id int64) string { return strconv.FormatInt(id, 10) }

// TransitionRequest asks for one status change.
type TransitionRequest struct {
	MissionID int64
	To        domain.Status
	Actor     auth.Principal
	// Quiet marks the event so the push fallback ignores it.
	Quiet bool
}

// ApplyTransition validates and persists one status edge. Checks run in
// order: mission exists, edge exists, actor entitled, precondition holds.
func (e *Engine) ApplyTransition(ctx context.Context, req TransitionRequest) (domain.Mission, error) {
	start := e.now()
	unlock := e.lock(req.MissionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, req.MissionID)
	if err != nil {
		return m, e.reject(fmt.Errorf("mission %d: %w", req.MissionID, err))
	}
	rule, err := lookupTransition(m.Status, req.To)
	if err != nil {
		return m, e.reject(err)
	}
	if err := rule.authorize(req.Actor, m); err != nil {
		return m, e.reject(err)
	}
	if err := rule.precondition(m); err != nil {
		return m, e.reject(err)
	}
	if rule.To == domain.StatusSent {
		// Assignment was checked at edit time; the driver may have been
		// deactivated since.
		if err := e.ensureDriver(ctx, tx, *m.DriverID); err != nil {
			var pe PreconditionError
			if errors.As(err, &pe) {
				err = PreconditionError{Reason: "cannot send: " + pe.Reason}
			}
			return m, e.reject(err)
		}
	}
	now := e.stamp()
	if err := e.Repo.UpdateMissionStatus(ctx, tx, m.ID, rule.From, rule.To, now); err != nil {
		if errors.Is(err, repo.ErrStatusChanged) {
			return m, e.reject(InvalidTransitionError{From: rule.From, To: rule.To})
		}
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.status", "mission", missionKey(m.ID), req.Actor.ActorID, events.EventPayload{
		"from": string(rule.From),
		"to":   string(rule.To),
	}); err != nil {
		return m, err
	}
	updated, err := e.Repo.GetMissionTx(ctx, tx, m.ID)
	if err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	kind, _ := events.KindForStatus(rule.To)
	e.publish(events.MissionEvent{
		Kind:      kind,
		Mission:   &updated,
		ActorID:   req.Actor.ActorID,
		ActorRole: req.Actor.Role,
		Quiet:     req.Quiet,
	})
	e.Metrics.TransitionApplied(string(kind), e.now().Sub(start))
	e.Logger.Info().Int64("mission_id", m.ID).Str("from", string(rule.From)).Str("to", string(rule.To)).
		Int64("actor_id", req.Actor.ActorID).Msg("mission transition applied")
	return updated, nil
}

// CreateMission stores a new draft mission for a dispatcher.
func (e *Engine) CreateMission(ctx context.Context, actor auth.Principal, in domain.Mission) (domain.Mission, error) {
	start := e.now()
	if err := auth.RequireDispatcher(actor, "create mission"); err != nil {
		return domain.Mission{}, e.reject(err)
	}
	in.ClientName = strings.TrimSpace(in.ClientName)
	in.PickupAddress = strings.TrimSpace(in.PickupAddress)
	in.DropoffAddress = strings.TrimSpace(in.DropoffAddress)
	if in.Passengers == 0 {
		in.Passengers = 1
	}
	if in.Category == "" {
		in.Category = domain.CategoryReimbursable
	}
	if err := validateMission(in); err != nil {
		return domain.Mission{}, e.reject(err)
	}
	now := e.stamp()
	in.ID = 0
	in.Status = domain.StatusDraft
	in.Comment, in.CommentBy, in.SentAt, in.CompletedAt = nil, nil, nil, nil
	in.CreatedAt, in.UpdatedAt = now, now
	if in.DriverID != nil && *in.DriverID == 0 {
		in.DriverID = nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	if in.HasDriver() {
		if err := e.ensureDriver(ctx, tx, *in.DriverID); err != nil {
			return domain.Mission{}, e.reject(err)
		}
	}
	id, err := e.Repo.InsertMission(ctx, tx, in)
	if err != nil {
		return domain.Mission{}, err
	}
	in.ID = id
	if err := e.Events.Append(ctx, tx, "mission.create", "mission", missionKey(id), actor.ActorID, events.EventPayload{
		"date":   in.Date,
		"driver": in.DriverID,
	}); err != nil {
		return domain.Mission{}, err
	}
	created, err := e.Repo.GetMissionTx(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	if e.afterCreateCommit != nil {
		e.afterCreateCommit(id)
	}
	// The lock is taken after commit: no goroutine may wait on a mission lock
	// while holding the single database connection. An edit or delete can
	// land in between, so the event carries a snapshot read under the lock.
	unlock := e.lock(id)
	defer unlock()
	e.Metrics.TransitionApplied(string(events.KindCreated), e.now().Sub(start))
	current, err := e.Repo.GetMission(ctx, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		e.Logger.Info().Int64("mission_id", id).Msg("mission created and deleted before announce")
		return created, nil
	case err != nil:
		e.Logger.Warn().Err(err).Int64("mission_id", id).Msg("reload created mission")
		current = created
	}
	e.publish(events.MissionEvent{Kind: events.KindCreated, Mission: &current, ActorID: actor.ActorID, ActorRole: actor.Role})
	e.Logger.Info().Int64("mission_id", id).Str("date", current.Date).Msg("mission created")
	return current, nil
}

// EditMission applies a dispatcher patch while the mission is neither picked
// up nor completed. Sent and confirmed missions stay editable.
func (e *Engine) EditMission(ctx context.Context, actor auth.Principal, id int64, patch domain.MissionPatch) (domain.Mission, error) {
	start := e.now()
	unlock := e.lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, id)
	if err != nil {
		return m, e.reject(fmt.Errorf("mission %d: %w", id, err))
	}
	if err := auth.RequireDispatcher(actor, "edit mission"); err != nil {
		return m, e.reject(err)
	}
	if !m.Status.Editable() {
		return m, e.reject(PreconditionError{Reason: fmt.Sprintf("cannot edit: mission is %s", m.Status)})
	}
	if patch.Empty() {
		return m, e.reject(ValidationError{Message: "nothing to update"})
	}
	if patch.DriverSet && patch.DriverID != nil && *patch.DriverID == 0 {
		patch.DriverID = nil
	}
	next := patch.Apply(m)
	if err := validateMission(next); err != nil {
		return m, e.reject(err)
	}
	var previous *int64
	if patch.DriverSet {
		if !next.HasDriver() && m.Status != domain.StatusDraft {
			return m, e.reject(PreconditionError{Reason: fmt.Sprintf("cannot unassign driver: mission is %s", m.Status)})
		}
		if next.HasDriver() {
			if err := e.ensureDriver(ctx, tx, *next.DriverID); err != nil {
				return m, e.reject(err)
			}
		}
		if m.HasDriver() && (!next.HasDriver() || *m.DriverID != *next.DriverID) {
			prev := *m.DriverID
			previous = &prev
		}
	}
	if err := e.Repo.UpdateMissionFields(ctx, tx, id, patch, e.stamp()); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.update", "mission", missionKey(id), actor.ActorID, events.EventPayload{
		"status":          string(m.Status),
		"previous_driver": previous,
	}); err != nil {
		return m, err
	}
	updated, err := e.Repo.GetMissionTx(ctx, tx, id)
	if err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.publish(events.MissionEvent{
		Kind:             events.KindModified,
		Mission:          &updated,
		PreviousDriverID: previous,
		ActorID:          actor.ActorID,
		ActorRole:        actor.Role,
	})
	e.Metrics.TransitionApplied(string(events.KindModified), e.now().Sub(start))
	e.Logger.Info().Int64("mission_id", id).Msg("mission edited")
	return updated, nil
}

// DeleteMission destroys a mission in any status. The event carries the last
// known snapshot.
func (e *Engine) DeleteMission(ctx context.Context, actor auth.Principal, id int64) (domain.Mission, error) {
	start := e.now()
	unlock := e.lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, id)
	if err != nil {
		return m, e.reject(fmt.Errorf("mission %d: %w", id, err))
	}
	if err := auth.RequireDispatcher(actor, "delete mission"); err != nil {
		return m, e.reject(err)
	}
	if err := e.Repo.DeleteMission(ctx, tx, id); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.delete", "mission", missionKey(id), actor.ActorID, events.EventPayload{
		"status": string(m.Status),
		"driver": m.DriverID,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.publish(events.MissionEvent{Kind: events.KindDeleted, Mission: &m, ActorID: actor.ActorID, ActorRole: actor.Role})
	e.Metrics.TransitionApplied(string(events.KindDeleted), e.now().Sub(start))
	e.Logger.Info().Int64("mission_id", id).Str("status", string(m.Status)).Msg("mission deleted")
	return m, nil
}

// Comment attaches free text to a mission without touching its status.
func (e *Engine) Comment(ctx context.Context, actor auth.Principal, id int64, text string) (domain.Mission, error) {
	start := e.now()
	unlock := e.lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, id)
	if err != nil {
		return m, e.reject(fmt.Errorf("mission %d: %w", id, err))
	}
	if err := auth.RequireCommenter(actor, m); err != nil {
		return m, e.reject(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return m, e.reject(ValidationError{Field: "comment", Message: "required"})
	}
	if err := e.Repo.SetMissionComment(ctx, tx, id, text, actor.ActorID, e.stamp()); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.comment", "mission", missionKey(id), actor.ActorID, events.EventPayload{
		"length": len(text),
	}); err != nil {
		return m, err
	}
	updated, err := e.Repo.GetMissionTx(ctx, tx, id)
	if err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.publish(events.MissionEvent{Kind: events.KindCommented, Mission: &updated, ActorID: actor.ActorID, ActorRole: actor.Role})
	e.Metrics.TransitionApplied(string(events.KindCommented), e.now().Sub(start))
	return updated, nil
}

// GetMission reads one mission as seen by actor. Drivers only see their own
// non-draft missions; anything else reads as not found.
func (e *Engine) GetMission(ctx context.Context, actor auth.Principal, id int64) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return m, fmt.Errorf("mission %d: %w", id, err)
	}
	if !auth.CanView(actor, m) {
		return domain.Mission{}, fmt.Errorf("mission %d: %w", id, repo.ErrNotFound)
	}
	return m, nil
}

// ListMissions lists missions visible to actor.
func (e *Engine) ListMissions(ctx context.Context, actor auth.Principal, f domain.MissionFilter) ([]domain.Mission, error) {
	if actor.IsDriver() {
		id := actor.ActorID
		f.DriverID = &id
	}
	ms, err := e.Repo.ListMissions(ctx, f)
	if err != nil {
		return nil, err
	}
	out := ms[:0]
	for _, m := range ms {
		if auth.CanView(actor, m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (e *Engine) ensureDriver(ctx context.Context, tx *sql.Tx, id int64) error {
	a, err := e.Repo.GetActorTx(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("driver %d: %w", id, err)
	}
	if a.Role != domain.RoleDriver {
		return PreconditionError{Reason: fmt.Sprintf("actor %d is not a driver", id)}
	}
	if !a.Active {
		return PreconditionError{Reason: fmt.Sprintf("driver %d is inactive", id)}
	}
	return nil
}

func validateMission(m domain.Mission) error {
	if _, err := time.Parse("2006-01-02", m.Date); err != nil {
		return ValidationError{Field: "date", Message: "expected YYYY-MM-DD"}
	}
	if _, err := time.Parse("15:04", m.Time); err != nil {
		return ValidationError{Field: "time", Message: "expected HH:MM"}
	}
	if strings.TrimSpace(m.ClientName) == "" {
		return ValidationError{Field: "client_name", Message: "required"}
	}
	if strings.TrimSpace(m.PickupAddress) == "" {
		return ValidationError{Field: "pickup_address", Message: "required"}
	}
	if strings.TrimSpace(m.DropoffAddress) == "" {
		return ValidationError{Field: "dropoff_address", Message: "required"}
	}
	if m.Passengers < 1 {
		return ValidationError{Field: "passengers", Message: "must be at least 1"}
	}
	if !m.Category.Valid() {
		return ValidationError{Field: "category", Message: "must be reimbursable or private"}
	}
	if m.EstimatedPrice != nil && *m.EstimatedPrice < 0 {
		return ValidationError{Field: "estimated_price", Message: "must not be negative"}
	}
	return nil
}
