package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dispatchline/internal/config"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/events"
	"dispatchline/internal/mqttclient"
	"dispatchline/internal/notify"
)

type frames struct {
	mu  sync.Mutex
	got []string
}

func (f *frames) Send(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, string(b))
	return true
}

func (f *frames) contains(s string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.got {
		if strings.Contains(g, s) {
			return true
		}
	}
	return false
}

func newTestApp(t *testing.T, broker *mqttclient.MemoryBroker) *App {
	t.Helper()
	return newTestAppWithPush(t, broker, nil)
}

func newTestAppWithPush(t *testing.T, broker *mqttclient.MemoryBroker, push notify.Provider) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Relay.Enabled = true
	cfg.Relay.InstanceID = "node-a"
	cfg.Relay.MQTT.Broker = "memory"
	nop := zerolog.Nop()
	a, err := New(context.Background(), Options{
		DBPath: filepath.Join(t.TempDir(), "dispatchline.db"),
		Config: cfg,
		Logger: &nop,
		Broker: broker.Client(),
		Push:   push,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestAppRoutesLocalAndRemoteEvents(t *testing.T) {
	broker := mqttclient.NewMemoryBroker()
	a := newTestApp(t, broker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	dispatcher, created, err := EnsureDispatcher(ctx, a.Repo, "")
	require.NoError(t, err)
	require.True(t, created)

	var got frames
	a.Sessions.Register("c1", dispatcher.ID, domain.RoleDispatcher, &got)

	p := auth.Principal{ActorID: dispatcher.ID, Role: domain.RoleDispatcher}
	m, err := a.Engine.CreateMission(ctx, p, domain.Mission{
		Date: "2025-01-10", Time: "08:00", ClientName: "Durand",
		PickupAddress: "1 rue A", DropoffAddress: "CHU",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.contains(`"mission:nouvelle"`) }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, msg := range broker.Messages() {
			if msg.Topic == "dispatchline/events" && strings.Contains(string(msg.Payload), `"node-a"`) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "local event not relayed")

	remote := events.MissionEvent{Kind: events.KindDeleted, Mission: &m, Origin: "node-b", TS: time.Now()}
	payload, err := json.Marshal(remote)
	require.NoError(t, err)
	require.NoError(t, broker.Client().Publish("dispatchline/events", payload, 1, false))
	require.Eventually(t, func() bool { return got.contains(`"mission:supprimee"`) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEnsureDispatcherIsIdempotent(t *testing.T) {
	a := newTestApp(t, mqttclient.NewMemoryBroker())
	first, created, err := EnsureDispatcher(context.Background(), a.Repo, "ops")
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := EnsureDispatcher(context.Background(), a.Repo, "other")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "ops", second.Name)
}

func TestNewRequiresSecret(t *testing.T) {
	t.Setenv(SecretEnv, "")
	cfg := config.Default()
	_, err := New(context.Background(), Options{DBPath: filepath.Join(t.TempDir(), "x.db"), Config: cfg, RequireSecret: true})
	require.ErrorContains(t, err, "jwt_secret")
}

// stuckProvider blocks every send until release is closed.
type stuckProvider struct {
	started chan string
	release chan struct{}
}

func newStuckProvider() *stuckProvider {
	return &stuckProvider{started: make(chan string, 16), release: make(chan struct{})}
}

func (*stuckProvider) Name() string { return "stuck" }

func (p *stuckProvider) Send(ctx context.Context, token string, msg notify.Message) (string, error) {
	p.started <- msg.Data["type"]
	select {
	case <-p.release:
		return "late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *stuckProvider) SendMulticast(ctx context.Context, tokens []string, msg notify.Message) []notify.Result {
	out := make([]notify.Result, len(tokens))
	for i, tok := range tokens {
		id, err := p.Send(ctx, tok, msg)
		out[i] = notify.Result{Token: tok, ReceiptID: id, Err: err}
	}
	return out
}

func TestStuckPushDoesNotBlockTransitions(t *testing.T) {
	push := newStuckProvider()
	a := newTestAppWithPush(t, mqttclient.NewMemoryBroker(), push)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		close(push.release)
		cancel()
		require.NoError(t, <-done)
	}()

	dispatcher, _, err := EnsureDispatcher(ctx, a.Repo, "")
	require.NoError(t, err)
	driver, err := a.Repo.InsertActor(ctx, domain.Actor{Name: "Paul", Role: domain.RoleDriver, Active: true, CreatedAt: "2026-03-01T10:00:00Z"})
	require.NoError(t, err)
	_, err = a.Notify.RegisterToken(ctx, driver.ID, "device-paul")
	require.NoError(t, err)

	dp := auth.Principal{ActorID: dispatcher.ID, Role: domain.RoleDispatcher}
	drv := auth.Principal{ActorID: driver.ID, Role: domain.RoleDriver}
	m, err := a.Engine.CreateMission(ctx, dp, domain.Mission{
		Date: "2025-01-10", Time: "08:00", ClientName: "Durand",
		PickupAddress: "1 rue A", DropoffAddress: "CHU", DriverID: &driver.ID,
	})
	require.NoError(t, err)
	_, err = a.Engine.ApplyTransition(ctx, engine.TransitionRequest{MissionID: m.ID, To: domain.StatusSent, Actor: dp})
	require.NoError(t, err)

	select {
	case kind := <-push.started:
		require.Equal(t, "mission_envoyee", kind)
	case <-time.After(2 * time.Second):
		t.Fatal("push for the sent mission never started")
	}

	finished := make(chan error, 1)
	go func() {
		for _, to := range []domain.Status{domain.StatusConfirmed, domain.StatusPickedUp, domain.StatusCompleted} {
			if _, err := a.Engine.ApplyTransition(ctx, engine.TransitionRequest{MissionID: m.ID, To: to, Actor: drv}); err != nil {
				finished <- err
				return
			}
		}
		finished <- nil
	}()
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transitions stalled behind a pending push")
	}

	got, err := a.Repo.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
}
