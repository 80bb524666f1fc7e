package live

import (
	"reflect"
	"testing"

	"dispatchline/internal/domain"
)

type fakeSender struct {
	frames [][]byte
	full   bool
}

func (f *fakeSender) Send(frame []byte) bool {
	if f.full {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func TestRegistryDerivesRooms(t *testing.T) {
	r := NewRegistry()
	d := r.Register("c1", 1, domain.RoleDispatcher, &fakeSender{})
	if !reflect.DeepEqual(d.Rooms, []string{RoomDispatchers}) {
		t.Fatalf("unexpected dispatcher rooms %v", d.Rooms)
	}
	s := r.Register("c2", 7, domain.RoleDriver, &fakeSender{})
	if !reflect.DeepEqual(s.Rooms, []string{"driver:7"}) {
		t.Fatalf("unexpected driver rooms %v", s.Rooms)
	}
	if got := r.Resolve("driver:7"); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Fatalf("resolve driver:7 = %v", got)
	}
	if got := r.Resolve("driver:9"); len(got) != 0 {
		t.Fatalf("expected empty room, got %v", got)
	}
}

func TestRegistryMultipleConnectionsPerActor(t *testing.T) {
	r := NewRegistry()
	r.Register("tab-1", 1, domain.RoleDispatcher, &fakeSender{})
	r.Register("tab-2", 1, domain.RoleDispatcher, &fakeSender{})
	if got := r.Resolve(RoomDispatchers); !reflect.DeepEqual(got, []string{"tab-1", "tab-2"}) {
		t.Fatalf("expected both tabs, got %v", got)
	}
	r.Unregister("tab-1")
	if got := r.Resolve(RoomDispatchers); !reflect.DeepEqual(got, []string{"tab-2"}) {
		t.Fatalf("expected tab-2 only, got %v", got)
	}
}

func TestRegistryReRegisterReplacesBinding(t *testing.T) {
	r := NewRegistry()
	r.Register("c1", 7, domain.RoleDriver, &fakeSender{})
	if err := r.Subscribe("c1", "extra"); err != nil {
		t.Fatal(err)
	}
	r.Register("c1", 1, domain.RoleDispatcher, &fakeSender{})
	if got := r.Resolve("driver:7"); len(got) != 0 {
		t.Fatalf("old binding kept: %v", got)
	}
	if got := r.Resolve("extra"); len(got) != 0 {
		t.Fatalf("old room kept: %v", got)
	}
	if got := r.Resolve(RoomDispatchers); !reflect.DeepEqual(got, []string{"c1"}) {
		t.Fatalf("expected c1 as dispatcher, got %v", got)
	}
	if n := len(r.Sessions()); n != 1 {
		t.Fatalf("expected one session, got %d", n)
	}
}

func TestRegistryUnregisterUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Unregister("ghost")
	if err := r.Subscribe("ghost", "x"); err != ErrUnknownSession {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if _, ok := r.Sender("ghost"); ok {
		t.Fatalf("expected no sender")
	}
}
