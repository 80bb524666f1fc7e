package bulk_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dispatchline/internal/bulk"
	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/events"
	"dispatchline/internal/migrate"
	"dispatchline/internal/notify"
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

type pushes struct {
	mu    sync.Mutex
	calls map[int64]notify.Message
}

func (p *pushes) NotifyDriver(_ context.Context, id int64, msg notify.Message) (notify.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[int64]notify.Message)
	}
	p.calls[id] = msg
	if id == 9 {
		return notify.Receipt{}, fmt.Errorf("actor 9: %w", notify.ErrNoTokenRegistered)
	}
	return notify.Receipt{ID: "r"}, nil
}

var dispatcher = auth.Principal{ActorID: 1, Role: domain.RoleDispatcher}

func setup(t *testing.T) (*bulk.Coordinator, *engine.Engine, *recorder, *pushes) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, a := range []struct {
		id   int64
		role string
	}{{1, "dispatcher"}, {7, "driver"}, {9, "driver"}} {
		if _, err := conn.Exec(`INSERT INTO actors(id,name,role,active,created_at) VALUES (?,?,?,1,?)`, a.id, "a", a.role, "2026-01-01T00:00:00Z"); err != nil {
			t.Fatal(err)
		}
	}
	bus := &recorder{}
	eng := engine.New(conn, bus)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC) }
	p := &pushes{}
	c := &bulk.Coordinator{
		Engine:      eng,
		Missions:    eng.Repo,
		Notifier:    p,
		Bus:         bus,
		DB:          conn,
		Audit:       eng.Events,
		Concurrency: 4,
	}
	return c, eng, bus, p
}

func seedDrafts(t *testing.T, eng *engine.Engine, date string, drivers []int64) {
	t.Helper()
	for i, d := range drivers {
		in := domain.Mission{Date: date, Time: fmt.Sprintf("%02d:00", 6+i), ClientName: "c", PickupAddress: "a", DropoffAddress: "b"}
		if d != 0 {
			id := d
			in.DriverID = &id
		}
		if _, err := eng.CreateMission(context.Background(), dispatcher, in); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestSendDayPartialFailure(t *testing.T) {
	c, eng, bus, p := setup(t)
	seedDrafts(t, eng, "2026-03-02", []int64{7, 7, 9, 0, 7, 9, 7, 0, 9, 7})
	seedDrafts(t, eng, "2026-03-03", []int64{7})
	before := len(bus.all())

	sum, err := c.SendDay(context.Background(), "2026-03-02", dispatcher)
	require.NoError(t, err)
	require.Equal(t, 10, sum.Selected)
	require.Equal(t, 8, sum.Sent)
	require.Equal(t, 2, sum.Skipped)
	require.Equal(t, "8 of 10 missions sent", sum.Message)
	for _, o := range sum.Outcomes {
		if !o.Sent {
			require.Equal(t, "cannot send: no driver assigned", o.Reason)
		}
	}

	var bulkEvents, perMission int
	var agg events.MissionEvent
	for _, ev := range bus.all()[before:] {
		switch ev.Kind {
		case events.KindBulkSent:
			bulkEvents++
			agg = ev
		case events.KindSent:
			perMission++
			require.True(t, ev.Quiet, "per-mission events of a bulk send are quiet")
		}
	}
	require.Equal(t, 1, bulkEvents)
	require.Equal(t, 8, perMission)
	require.Len(t, agg.MissionIDs, 8)
	require.Equal(t, []int64{7, 9}, agg.DriverIDs)

	require.Len(t, p.calls, 2)
	require.Equal(t, "5", p.calls[7].Data["count"])
	require.Equal(t, 1, sum.PushFailures)

	next, err := eng.Repo.ListMissionsByDateAndStatus(context.Background(), "2026-03-03", domain.StatusDraft)
	require.NoError(t, err)
	require.Len(t, next, 1, "other days stay untouched")
}

func TestSendDayRequiresDispatcher(t *testing.T) {
	c, _, bus, _ := setup(t)
	_, err := c.SendDay(context.Background(), "2026-03-02", auth.Principal{ActorID: 7, Role: domain.RoleDriver})
	require.Equal(t, "forbidden", engine.Code(err))
	_, err = c.SendDay(context.Background(), "02/03/2026", dispatcher)
	require.Equal(t, "bad_request", engine.Code(err))
	require.Empty(t, bus.all())
}

func TestSendDayNothingToSend(t *testing.T) {
	c, _, bus, p := setup(t)
	sum, err := c.SendDay(context.Background(), "2026-03-02", dispatcher)
	require.NoError(t, err)
	require.Equal(t, "0 of 0 missions sent", sum.Message)
	require.Empty(t, bus.all())
	require.Empty(t, p.calls)
}

type blockingNotifier struct {
	started chan int64
	release chan struct{}
}

func (n *blockingNotifier) NotifyDriver(ctx context.Context, id int64, _ notify.Message) (notify.Receipt, error) {
	n.started <- id
	select {
	case <-n.release:
		return notify.Receipt{ID: "late"}, nil
	case <-ctx.Done():
		return notify.Receipt{}, ctx.Err()
	}
}

func TestSendDayPushDoesNotHoldMissions(t *testing.T) {
	c, eng, _, _ := setup(t)
	n := &blockingNotifier{started: make(chan int64, 4), release: make(chan struct{})}
	c.Notifier = n
	ctx := context.Background()
	seedDrafts(t, eng, "2026-03-02", []int64{7, 7})
	seedDrafts(t, eng, "2026-03-03", []int64{7})

	type result struct {
		sum bulk.Summary
		err error
	}
	bulkDone := make(chan result, 1)
	go func() {
		sum, err := c.SendDay(ctx, "2026-03-02", dispatcher)
		bulkDone <- result{sum, err}
	}()
	select {
	case id := <-n.started:
		require.Equal(t, int64(7), id)
	case <-time.After(2 * time.Second):
		t.Fatal("grouped push never started")
	}

	sent, err := eng.Repo.ListMissions(ctx, domain.MissionFilter{From: "2026-03-02", To: "2026-03-02"})
	require.NoError(t, err)
	require.Len(t, sent, 2)
	other, err := eng.Repo.ListMissions(ctx, domain.MissionFilter{From: "2026-03-03", To: "2026-03-03"})
	require.NoError(t, err)
	require.Len(t, other, 1)

	driver := auth.Principal{ActorID: 7, Role: domain.RoleDriver}
	finished := make(chan error, 1)
	go func() {
		if _, err := eng.ApplyTransition(ctx, engine.TransitionRequest{MissionID: sent[0].ID, To: domain.StatusConfirmed, Actor: driver}); err != nil {
			finished <- err
			return
		}
		_, err := eng.ApplyTransition(ctx, engine.TransitionRequest{MissionID: other[0].ID, To: domain.StatusSent, Actor: dispatcher})
		finished <- err
	}()
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transitions stalled behind the bulk push")
	}

	select {
	case <-bulkDone:
		t.Fatal("bulk send returned before its push completed")
	default:
	}
	close(n.release)
	res := <-bulkDone
	require.NoError(t, res.err)
	require.Equal(t, 2, res.sum.Sent)
	require.Equal(t, 0, res.sum.PushFailures)
}

func TestSendDaySkipsDeactivatedDriver(t *testing.T) {
	c, eng, _, _ := setup(t)
	ctx := context.Background()
	seedDrafts(t, eng, "2026-03-02", []int64{7, 9})
	require.NoError(t, eng.Repo.SetActorActive(ctx, 9, false))

	sum, err := c.SendDay(ctx, "2026-03-02", dispatcher)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Sent)
	require.Equal(t, 1, sum.Skipped)
	for _, o := range sum.Outcomes {
		if *o.DriverID == 9 {
			require.False(t, o.Sent)
			require.Equal(t, "cannot send: driver 9 is inactive", o.Reason)
		}
	}
}
