package live

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"dispatchline/internal/events"
	"dispatchline/internal/metrics"
)

// Rooms returns the rooms entitled to ev. Events caused by a driver's own
// progress go to dispatchers only; the driver already has local state.
func Rooms(ev events.MissionEvent) []string {
	rooms := []string{RoomDispatchers}
	switch ev.Kind {
	case events.KindCreated, events.KindSent, events.KindModified, events.KindDeleted:
		if d, ok := ev.DriverID(); ok {
			rooms = append(rooms, DriverRoom(d))
		}
		if ev.Kind == events.KindModified && ev.PreviousDriverID != nil {
			if d, ok := ev.DriverID(); !ok || d != *ev.PreviousDriverID {
				rooms = append(rooms, DriverRoom(*ev.PreviousDriverID))
			}
		}
	case events.KindBulkSent:
		seen := make(map[int64]bool, len(ev.DriverIDs))
		for _, d := range ev.DriverIDs {
			if !seen[d] {
				seen[d] = true
				rooms = append(rooms, DriverRoom(d))
			}
		}
	}
	return rooms
}

// Router fans mission events out to live sessions. Frames are queued on each
// session's ordered send buffer, so a session observes one mission's events
// in emission order. Delivery is at most once.
type Router struct {
	Registry Registry
	Logger   zerolog.Logger
	Metrics  *metrics.Recorder
}

// Run delivers events from ch until it closes or ctx is done.
func (r *Router) Run(ctx context.Context, ch <-chan events.MissionEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.Deliver(ev)
		}
	}
}

// Deliver queues ev to every session in its rooms, once per connection, and
// returns the number of frames queued.
func (r *Router) Deliver(ev events.MissionEvent) int {
	frame, err := json.Marshal(ev.Envelope())
	if err != nil {
		r.Logger.Error().Err(err).Str("event", ev.Kind.Name()).Msg("encode live frame")
		return 0
	}
	seen := make(map[string]bool)
	queued := 0
	for _, room := range Rooms(ev) {
		for _, connID := range r.Registry.Resolve(room) {
			if seen[connID] {
				continue
			}
			seen[connID] = true
			s, ok := r.Registry.Sender(connID)
			if !ok {
				continue
			}
			if s.Send(frame) {
				queued++
				r.Metrics.FrameQueued(ev.Kind.Name())
			} else {
				r.Metrics.FrameDropped()
				r.Logger.Debug().Str("conn_id", connID).Str("event", ev.Kind.Name()).Msg("live frame dropped")
			}
		}
	}
	return queued
}
