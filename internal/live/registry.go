package live

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/metrics"
)

// RoomDispatchers holds every dispatcher connection.
const RoomDispatchers = "dispatchers"

// DriverRoom is the room of one driver's connections.
func DriverRoom(driverID int64) string {
	return "driver:" + strconv.FormatInt(driverID, 10)
}

// ErrUnknownSession is returned when subscribing a connection that is not registered.
var ErrUnknownSession = errors.New("unknown session")

// Sender queues a frame for one connection without blocking. It reports
// false when the frame was dropped.
type Sender interface {
	Send(frame []byte) bool
}

// Session describes one registered connection.
type Session struct {
	ConnID      string      `json:"conn_id"`
	ActorID     int64       `json:"actor_id"`
	Role        domain.Role `json:"role"`
	Rooms       []string    `json:"rooms"`
	ConnectedAt time.Time   `json:"connected_at"`
}

// Registry maps live connections to actors and rooms. Implementations must
// be safe for concurrent use.
type Registry interface {
	Register(connID string, actorID int64, role domain.Role, s Sender) Session
	Unregister(connID string)
	Subscribe(connID, room string) error
	Resolve(room string) []string
	Sender(connID string) (Sender, bool)
	Sessions() []Session
}

type entry struct {
	session Session
	sender  Sender
	rooms   map[string]struct{}
}

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	conns   map[string]*entry
	rooms   map[string]map[string]struct{}
	Metrics *metrics.Recorder
	Now     func() time.Time
}

func NewRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		conns: make(map[string]*entry),
		rooms: make(map[string]map[string]struct{}),
	}
}

func defaultRooms(actorID int64, role domain.Role) []string {
	switch role {
	case domain.RoleDispatcher:
		return []string{RoomDispatchers}
	case domain.RoleDriver:
		return []string{DriverRoom(actorID)}
	}
	return nil
}

// Register binds connID to the actor and joins its default room. Registering
// a known connID again replaces its binding.
func (r *MemoryRegistry) Register(connID string, actorID int64, role domain.Role, s Sender) Session {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		r.removeLocked(connID)
	} else {
		r.Metrics.SessionOpened()
	}
	e := &entry{
		session: Session{ConnID: connID, ActorID: actorID, Role: role, ConnectedAt: now()},
		sender:  s,
		rooms:   make(map[string]struct{}),
	}
	r.conns[connID] = e
	for _, room := range defaultRooms(actorID, role) {
		r.joinLocked(e, room)
	}
	return e.snapshot()
}

// Unregister drops the connection and all its memberships. Unknown ids are ignored.
func (r *MemoryRegistry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return
	}
	r.removeLocked(connID)
	r.Metrics.SessionClosed()
}

func (r *MemoryRegistry) Subscribe(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownSession
	}
	r.joinLocked(e, room)
	return nil
}

// Resolve lists the connections in room, sorted. Empty rooms yield nil.
func (r *MemoryRegistry) Resolve(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *MemoryRegistry) Sender(connID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return e.sender, true
}

func (r *MemoryRegistry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (r *MemoryRegistry) joinLocked(e *entry, room string) {
	e.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[e.session.ConnID] = struct{}{}
}

func (r *MemoryRegistry) removeLocked(connID string) {
	e := r.conns[connID]
	for room := range e.rooms {
		members := r.rooms[room]
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.conns, connID)
}

func (e *entry) snapshot() Session {
	s := e.session
	s.Rooms = make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		s.Rooms = append(s.Rooms, room)
	}
	sort.Strings(s.Rooms)
	return s
}
