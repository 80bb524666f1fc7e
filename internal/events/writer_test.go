package events_test

import (
	"context"
	"testing"
	"time"

	"dispatchline/internal/db"
	"dispatchline/internal/events"
	"dispatchline/internal/migrate"
	"dispatchline/internal/repo"
)

func TestWriterAppendsInsideTransaction(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	w := events.Writer{DB: conn, Now: func() time.Time { return fixed }}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, tx, "mission.created", "mission", "12", 3, events.EventPayload{"status": "draft"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, tx, "missions.sent", "day", "", 3, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	if id, _ := r.LatestEventID(ctx); id != 0 {
		t.Fatalf("rolled back events persisted, latest id %d", id)
	}

	tx, _ = conn.BeginTx(ctx, nil)
	if err := w.Append(ctx, tx, "mission.created", "mission", "12", 3, events.EventPayload{"status": "draft"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, tx, "missions.sent", "day", "", 3, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := r.EventsAfter(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].TS != "2026-03-01T09:00:00Z" {
		t.Fatalf("timestamp not normalised to UTC: %s", got[0].TS)
	}
	if got[0].EntityID != "12" || got[0].Payload != `{"status":"draft"}` {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if got[1].EntityID != "" || got[1].Payload != `{}` {
		t.Fatalf("unexpected second event %+v", got[1])
	}
}

func TestEnvelopeNames(t *testing.T) {
	cases := map[events.Kind]string{
		events.KindCreated:  "mission:nouvelle",
		events.KindPickedUp: "mission:pec",
		events.KindBulkSent: "missions:envoyees",
	}
	for kind, want := range cases {
		if got := kind.Name(); got != want {
			t.Errorf("%s: got %q want %q", kind, got, want)
		}
	}
	env := events.MissionEvent{Kind: events.KindBulkSent, Date: "2026-03-02"}.Envelope()
	payload, ok := env.Data.(events.BulkPayload)
	if !ok || payload.MissionIDs == nil || payload.Date != "2026-03-02" {
		t.Fatalf("unexpected bulk payload %#v", env.Data)
	}
}
