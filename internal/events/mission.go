package events

import (
	"time"

	"dispatchline/internal/domain"
)

// Kind tags what happened to a mission.
type Kind string

const (
	KindCreated   Kind = "nouvelle"
	KindSent      Kind = "envoyee"
	KindConfirmed Kind = "confirmee"
	KindPickedUp  Kind = "pec"
	KindCompleted Kind = "terminee"
	KindModified  Kind = "modifiee"
	KindDeleted   Kind = "supprimee"
	KindCommented Kind = "commentaire"
	KindBulkSent  Kind = "missions:envoyees"
)

// Kinds lists every kind the live channel can carry.
var Kinds = []Kind{KindCreated, KindSent, KindConfirmed, KindPickedUp, KindCompleted, KindModified, KindDeleted, KindCommented, KindBulkSent}

// Name is the live-channel event name, e.g. "mission:envoyee".
func (k Kind) Name() string {
	if k == KindBulkSent {
		return string(k)
	}
	return "mission:" + string(k)
}

// KindForStatus maps the status a transition lands on to its event kind.
func KindForStatus(s domain.Status) (Kind, bool) {
	switch s {
	case domain.StatusSent:
		return KindSent, true
	case domain.StatusConfirmed:
		return KindConfirmed, true
	case domain.StatusPickedUp:
		return KindPickedUp, true
	case domain.StatusCompleted:
		return KindCompleted, true
	}
	return "", false
}

// MissionEvent is emitted once per committed mission change.
type MissionEvent struct {
	Kind    Kind            `json:"kind"`
	Mission *domain.Mission `json:"mission,omitempty"`
	// Bulk fields, set for KindBulkSent only.
	Date       string  `json:"date,omitempty"`
	MissionIDs []int64 `json:"mission_ids,omitempty"`
	DriverIDs  []int64 `json:"driver_ids,omitempty"`
	// PreviousDriverID is set when an edit reassigned the mission.
	PreviousDriverID *int64      `json:"previous_driver_id,omitempty"`
	ActorID          int64       `json:"actor_id"`
	ActorRole        domain.Role `json:"actor_role"`
	TS               time.Time   `json:"ts"`
	// Quiet events skip the push fallback; the emitter notifies on its own.
	Quiet bool `json:"quiet,omitempty"`
	// Origin is the instance that produced the event.
	Origin string `json:"origin,omitempty"`
}

// MissionID returns the id of the mission concerned, 0 for bulk events.
func (e MissionEvent) MissionID() int64 {
	if e.Mission == nil {
		return 0
	}
	return e.Mission.ID
}

// DriverID returns the assigned driver of the mission, if any.
func (e MissionEvent) DriverID() (int64, bool) {
	if e.Mission == nil || !e.Mission.HasDriver() {
		return 0, false
	}
	return *e.Mission.DriverID, true
}

// Envelope is the frame written on the live channel.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	TS    string `json:"ts"`
}

// BulkPayload is the data of a missions:envoyees frame.
type BulkPayload struct {
	Date       string  `json:"date"`
	MissionIDs []int64 `json:"mission_ids"`
}

// Envelope builds the live frame for the event.
func (e MissionEvent) Envelope() Envelope {
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	env := Envelope{Event: e.Kind.Name(), TS: ts.UTC().Format(time.RFC3339Nano)}
	if e.Kind == KindBulkSent {
		ids := e.MissionIDs
		if ids == nil {
			ids = []int64{}
		}
		env.Data = BulkPayload{Date: e.Date, MissionIDs: ids}
	} else {
		env.Data = e.Mission
	}
	return env
}
