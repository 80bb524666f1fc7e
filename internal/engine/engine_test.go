package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/events"
	"dispatchline/internal/migrate"
	"dispatchline/internal/repo"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.MissionEvent
}

func (r *recorder) Publish(ev events.MissionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) all() []events.MissionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.MissionEvent(nil), r.evs...)
}

type testEnv struct {
	Engine *engine.Engine
	DB     *sql.DB
	Bus    *recorder
	Ctx    context.Context
}

var (
	dispatcher = auth.Principal{ActorID: 1, Role: domain.RoleDispatcher}
	driver7    = auth.Principal{ActorID: 7, Role: domain.RoleDriver}
	driver9    = auth.Principal{ActorID: 9, Role: domain.RoleDriver}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := &recorder{}
	eng := engine.New(conn, bus)
	eng.Now = func() time.Time { return time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC) }
	env := testEnv{Engine: eng, DB: conn, Bus: bus, Ctx: context.Background()}
	env.seedActor(t, 1, "Desk", domain.RoleDispatcher)
	env.seedActor(t, 7, "Driver Seven", domain.RoleDriver)
	env.seedActor(t, 9, "Driver Nine", domain.RoleDriver)
	return env
}

func (env testEnv) seedActor(t *testing.T, id int64, name string, role domain.Role) {
	t.Helper()
	if _, err := env.DB.Exec(`INSERT INTO actors(id,name,role,active,created_at) VALUES (?,?,?,1,?)`,
		id, name, string(role), "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed actor %d: %v", id, err)
	}
}

func (env testEnv) seedMission(t *testing.T, id int64, status domain.Status, driver int64) {
	t.Helper()
	var d any
	if driver != 0 {
		d = driver
	}
	if _, err := env.DB.Exec(`INSERT INTO missions(id,mission_date,mission_time,client_name,passengers,pickup_address,dropoff_address,category,driver_id,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, id, "2026-03-02", "08:30", "Client", 1, "1 rue A", "2 rue B", "reimbursable", d, string(status),
		"2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed mission %d: %v", id, err)
	}
}

func (env testEnv) mission(t *testing.T, id int64) domain.Mission {
	t.Helper()
	m, err := env.Engine.Repo.GetMission(env.Ctx, id)
	if err != nil {
		t.Fatalf("get mission %d: %v", id, err)
	}
	return m
}

func TestSendAssignedMission(t *testing.T) {
	env := newTestEnv(t)
	env.seedMission(t, 42, domain.StatusDraft, 7)

	m, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 42, To: domain.StatusSent, Actor: dispatcher})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.Status != domain.StatusSent || m.SentAt == nil {
		t.Fatalf("expected sent with sent_at, got %+v", m)
	}
	evs := env.Bus.all()
	if len(evs) != 1 || evs[0].Kind != events.KindSent || evs[0].MissionID() != 42 {
		t.Fatalf("expected one envoyee event for 42, got %+v", evs)
	}
	if d, ok := evs[0].DriverID(); !ok || d != 7 {
		t.Fatalf("expected event to carry driver 7")
	}

	before := env.mission(t, 42)
	_, err = env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 42, To: domain.StatusConfirmed, Actor: driver9})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected Forbidden for driver 9, got %v", err)
	}
	if after := env.mission(t, 42); !reflect.DeepEqual(after, before) {
		t.Fatalf("forbidden attempt changed the row: %+v -> %+v", before, after)
	}
	if len(env.Bus.all()) != 1 {
		t.Fatalf("forbidden attempt emitted an event")
	}
}

func TestSendWithoutDriverFailsPrecondition(t *testing.T) {
	env := newTestEnv(t)
	env.seedMission(t, 43, domain.StatusDraft, 0)

	_, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 43, To: domain.StatusSent, Actor: dispatcher})
	var pe engine.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PreconditionFailed, got %v", err)
	}
	if pe.Reason != "cannot send: no driver assigned" {
		t.Fatalf("unexpected reason %q", pe.Reason)
	}
	if m := env.mission(t, 43); m.Status != domain.StatusDraft {
		t.Fatalf("expected draft, got %s", m.Status)
	}
	if n := len(env.Bus.all()); n != 0 {
		t.Fatalf("expected no event, got %d", n)
	}
}

func TestLifecycleAndIdempotentRejection(t *testing.T) {
	env := newTestEnv(t)
	env.seedMission(t, 50, domain.StatusDraft, 7)

	steps := []struct {
		to    domain.Status
		actor auth.Principal
	}{
		{domain.StatusSent, dispatcher},
		{domain.StatusConfirmed, driver7},
		{domain.StatusPickedUp, driver7},
		{domain.StatusCompleted, driver7},
	}
	for _, s := range steps {
		if _, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 50, To: s.to, Actor: s.actor}); err != nil {
			t.Fatalf("to %s: %v", s.to, err)
		}
	}
	// Replaying the same sequence is rejected edge by edge.
	for _, s := range steps {
		_, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 50, To: s.to, Actor: s.actor})
		var ie engine.InvalidTransitionError
		if !errors.As(err, &ie) {
			t.Fatalf("replay to %s: expected InvalidTransition, got %v", s.to, err)
		}
	}
	var kinds []events.Kind
	for _, ev := range env.Bus.all() {
		kinds = append(kinds, ev.Kind)
	}
	want := []events.Kind{events.KindSent, events.KindConfirmed, events.KindPickedUp, events.KindCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v got %v", want, kinds)
		}
	}
	if m := env.mission(t, 50); m.CompletedAt == nil {
		t.Fatalf("expected completed_at stamped")
	}
}

func TestTransitionChecks(t *testing.T) {
	env := newTestEnv(t)
	env.seedMission(t, 60, domain.StatusDraft, 7)
	env.seedMission(t, 61, domain.StatusSent, 7)

	cases := []struct {
		name  string
		id    int64
		to    domain.Status
		actor auth.Principal
		code  string
	}{
		{"unknown mission", 999, domain.StatusSent, dispatcher, "not_found"},
		{"skip a state", 60, domain.StatusConfirmed, driver7, "invalid_transition"},
		{"backwards", 61, domain.StatusDraft, dispatcher, "invalid_transition"},
		{"unknown status", 61, domain.Status("cancelled"), dispatcher, "invalid_transition"},
		{"driver sends", 60, domain.StatusSent, driver7, "forbidden"},
		{"dispatcher confirms", 61, domain.StatusConfirmed, dispatcher, "forbidden"},
	}
	for _, tc := range cases {
		var before domain.Mission
		if tc.id != 999 {
			before = env.mission(t, tc.id)
		}
		_, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: tc.id, To: tc.to, Actor: tc.actor})
		if got := engine.Code(err); got != tc.code {
			t.Fatalf("%s: expected %s got %s (%v)", tc.name, tc.code, got, err)
		}
		if tc.id != 999 {
			if after := env.mission(t, tc.id); !reflect.DeepEqual(after, before) {
				t.Fatalf("%s: row changed", tc.name)
			}
		}
	}
	if _, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 999, To: domain.StatusSent, Actor: dispatcher}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := len(env.Bus.all()); n != 0 {
		t.Fatalf("rejections emitted %d events", n)
	}
}

func TestConcurrentConfirmsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedMission(t, 70, domain.StatusSent, 7)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		invalid int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 70, To: domain.StatusConfirmed, Actor: driver7})
			mu.Lock()
			defer mu.Unlock()
			switch engine.Code(err) {
			case "":
				if err == nil {
					ok++
				}
			case "invalid_transition":
				invalid++
			}
		}()
	}
	wg.Wait()
	if ok != 1 || invalid != 7 {
		t.Fatalf("expected 1 success and 7 rejections, got %d/%d", ok, invalid)
	}
	if n := len(env.Bus.all()); n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
}

func TestCreateEditDelete(t *testing.T) {
	env := newTestEnv(t)
	driver := int64(7)
	m, err := env.Engine.CreateMission(env.Ctx, dispatcher, domain.Mission{
		Date: "2026-03-03", Time: "09:15", ClientName: " Mme Durand ", PickupAddress: "Gare", DropoffAddress: "Hopital",
		Category: domain.CategoryPrivate, DriverID: &driver,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != domain.StatusDraft || m.ClientName != "Mme Durand" || m.Passengers != 1 {
		t.Fatalf("unexpected created mission %+v", m)
	}
	if _, err := env.Engine.CreateMission(env.Ctx, driver7, domain.Mission{Date: "2026-03-03", Time: "09:15", ClientName: "x", PickupAddress: "a", DropoffAddress: "b"}); engine.Code(err) != "forbidden" {
		t.Fatalf("expected driver create forbidden, got %v", err)
	}
	if _, err := env.Engine.CreateMission(env.Ctx, dispatcher, domain.Mission{Date: "03/03/2026", Time: "09:15", ClientName: "x", PickupAddress: "a", DropoffAddress: "b"}); engine.Code(err) != "bad_request" {
		t.Fatalf("expected bad date rejected, got %v", err)
	}

	if _, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: m.ID, To: domain.StatusSent, Actor: dispatcher}); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Sent missions stay editable; reassignment records the previous driver.
	nine := int64(9)
	edited, err := env.Engine.EditMission(env.Ctx, dispatcher, m.ID, domain.MissionPatch{DriverSet: true, DriverID: &nine})
	if err != nil {
		t.Fatalf("edit sent: %v", err)
	}
	if edited.DriverID == nil || *edited.DriverID != 9 {
		t.Fatalf("expected driver 9, got %+v", edited.DriverID)
	}
	evs := env.Bus.all()
	last := evs[len(evs)-1]
	if last.Kind != events.KindModified || last.PreviousDriverID == nil || *last.PreviousDriverID != 7 {
		t.Fatalf("expected modifiee with previous driver 7, got %+v", last)
	}
	if _, err := env.Engine.EditMission(env.Ctx, dispatcher, m.ID, domain.MissionPatch{DriverSet: true}); engine.Code(err) != "precondition_failed" {
		t.Fatalf("expected unassign on sent rejected, got %v", err)
	}

	for _, s := range []struct {
		to    domain.Status
		actor auth.Principal
	}{{domain.StatusConfirmed, driver9}, {domain.StatusPickedUp, driver9}} {
		if _, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: m.ID, To: s.to, Actor: s.actor}); err != nil {
			t.Fatalf("to %s: %v", s.to, err)
		}
	}
	notes := "late"
	if _, err := env.Engine.EditMission(env.Ctx, dispatcher, m.ID, domain.MissionPatch{Notes: &notes}); engine.Code(err) != "precondition_failed" {
		t.Fatalf("expected edit of pec mission rejected, got %v", err)
	}

	deleted, err := env.Engine.DeleteMission(env.Ctx, dispatcher, m.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Status != domain.StatusPickedUp {
		t.Fatalf("expected snapshot of pec mission, got %s", deleted.Status)
	}
	if _, err := env.Engine.Repo.GetMission(env.Ctx, m.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected deleted mission gone, got %v", err)
	}
	evs = env.Bus.all()
	if evs[len(evs)-1].Kind != events.KindDeleted {
		t.Fatalf("expected supprimee last, got %s", evs[len(evs)-1].Kind)
	}
}

func TestComment(t *testing.T) {
	env := newTestEnv(t)
	env.seedMission(t, 80, domain.StatusConfirmed, 7)

	m, err := env.Engine.Comment(env.Ctx, driver7, 80, "  client absent  ")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if m.Comment == nil || *m.Comment != "client absent" || m.Status != domain.StatusConfirmed {
		t.Fatalf("unexpected mission after comment %+v", m)
	}
	if _, err := env.Engine.Comment(env.Ctx, driver9, 80, "hi"); engine.Code(err) != "forbidden" {
		t.Fatalf("expected other driver forbidden, got %v", err)
	}
	if _, err := env.Engine.Comment(env.Ctx, dispatcher, 80, "   "); engine.Code(err) != "bad_request" {
		t.Fatalf("expected empty comment rejected, got %v", err)
	}
	evs := env.Bus.all()
	if len(evs) != 1 || evs[0].Kind != events.KindCommented {
		t.Fatalf("expected one commentaire event, got %+v", evs)
	}
}

func TestDriverVisibility(t *testing.T) {
	env := newTestEnv(t)
	env.seedMission(t, 90, domain.StatusDraft, 7)
	env.seedMission(t, 91, domain.StatusSent, 7)
	env.seedMission(t, 92, domain.StatusSent, 9)

	ms, err := env.Engine.ListMissions(env.Ctx, driver7, domain.MissionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ms) != 1 || ms[0].ID != 91 {
		t.Fatalf("expected only mission 91, got %+v", ms)
	}
	if _, err := env.Engine.GetMission(env.Ctx, driver7, 90); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected draft hidden from driver, got %v", err)
	}
	all, err := env.Engine.ListMissions(env.Ctx, dispatcher, domain.MissionFilter{From: "2026-03-02", To: "2026-03-02"})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected dispatcher to see 3 missions, got %d (%v)", len(all), err)
	}
}

func TestNonDraftMissionsKeepDriver(t *testing.T) {
	env := newTestEnv(t)
	env.seedMission(t, 100, domain.StatusDraft, 7)
	if _, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 100, To: domain.StatusSent, Actor: dispatcher}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := env.DB.Exec(`UPDATE missions SET driver_id=NULL WHERE id=100`); err == nil {
		t.Fatalf("expected store to refuse a sent mission without driver")
	}
	var n int
	if err := env.DB.QueryRow(`SELECT COUNT(*) FROM missions WHERE status<>'draft' AND driver_id IS NULL`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("found %d non-draft missions without driver", n)
	}
}

func TestSendRejectsDeactivatedDriver(t *testing.T) {
	env := newTestEnv(t)
	env.seedMission(t, 42, domain.StatusDraft, 7)
	if err := env.Engine.Repo.SetActorActive(env.Ctx, 7, false); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 42, To: domain.StatusSent, Actor: dispatcher})
	var pe engine.PreconditionError
	if !errors.As(err, &pe) || pe.Reason != "cannot send: driver 7 is inactive" {
		t.Fatalf("expected inactive-driver precondition, got %v", err)
	}
	if engine.Code(err) != "precondition_failed" {
		t.Fatalf("unexpected code %q", engine.Code(err))
	}
	if got := env.mission(t, 42); got.Status != domain.StatusDraft {
		t.Fatalf("mission moved to %s", got.Status)
	}
	if evs := env.Bus.all(); len(evs) != 0 {
		t.Fatalf("rejected send published %d events", len(evs))
	}

	if err := env.Engine.Repo.SetActorActive(env.Ctx, 7, true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApplyTransition(env.Ctx, engine.TransitionRequest{MissionID: 42, To: domain.StatusSent, Actor: dispatcher}); err != nil {
		t.Fatalf("send after reactivation: %v", err)
	}
}

func TestCreateAnnouncesCurrentSnapshot(t *testing.T) {
	env := newTestEnv(t)
	renamed := "Martin"
	engine.SetAfterCreateCommit(env.Engine, func(id int64) {
		if _, err := env.Engine.EditMission(env.Ctx, dispatcher, id, domain.MissionPatch{ClientName: &renamed}); err != nil {
			t.Errorf("edit in window: %v", err)
		}
	})

	m, err := env.Engine.CreateMission(env.Ctx, dispatcher, domain.Mission{
		Date: "2026-03-02", Time: "09:00", ClientName: "Durand", PickupAddress: "a", DropoffAddress: "b",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.ClientName != renamed {
		t.Fatalf("create returned stale client %q", m.ClientName)
	}
	evs := env.Bus.all()
	if len(evs) != 2 || evs[0].Kind != events.KindModified || evs[1].Kind != events.KindCreated {
		t.Fatalf("expected modifiee then nouvelle, got %+v", evs)
	}
	if evs[1].Mission.ClientName != renamed {
		t.Fatalf("nouvelle carried stale client %q", evs[1].Mission.ClientName)
	}
}

func TestCreateDeletedBeforeAnnounceIsNotAnnounced(t *testing.T) {
	env := newTestEnv(t)
	engine.SetAfterCreateCommit(env.Engine, func(id int64) {
		if _, err := env.Engine.DeleteMission(env.Ctx, dispatcher, id); err != nil {
			t.Errorf("delete in window: %v", err)
		}
	})
	if _, err := env.Engine.CreateMission(env.Ctx, dispatcher, domain.Mission{
		Date: "2026-03-02", Time: "09:00", ClientName: "Durand", PickupAddress: "a", DropoffAddress: "b",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	evs := env.Bus.all()
	if len(evs) != 1 || evs[0].Kind != events.KindDeleted {
		t.Fatalf("expected only supprimee, got %+v", evs)
	}
}
