// Package relay shares mission events between dispatchline instances over
// MQTT, so a client connected to any instance sees changes made on another.
package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"dispatchline/internal/events"
	"dispatchline/internal/metrics"
	"dispatchline/internal/mqttclient"
)

const DefaultTopic = "dispatchline/events"

// Relay publishes local events and hands remote ones to Deliver. All
// instances share one topic so per-mission order survives the hop.
type Relay struct {
	Client     mqttclient.Client
	Topic      string
	InstanceID string
	QoS        byte
	// Deliver receives events produced by other instances.
	Deliver func(events.MissionEvent)
	Logger  zerolog.Logger
	Metrics *metrics.Recorder
}

func (r *Relay) topic() string {
	if r.Topic == "" {
		return DefaultTopic
	}
	return r.Topic
}

// Start subscribes to remote events.
func (r *Relay) Start() error {
	if r.InstanceID == "" {
		return errors.New("relay instance id required")
	}
	if r.Deliver == nil {
		return errors.New("relay deliver func required")
	}
	return r.Client.Subscribe(r.topic(), r.QoS, r.handle)
}

func (r *Relay) handle(_ string, payload []byte) {
	var ev events.MissionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.Logger.Warn().Err(err).Msg("relay: undecodable event")
		return
	}
	if ev.Origin == r.InstanceID {
		return
	}
	r.Metrics.Relayed("in")
	r.Deliver(ev)
}

// Run publishes events from ch until it closes or ctx is done. Events that
// did not originate here are not re-published.
func (r *Relay) Run(ctx context.Context, ch <-chan events.MissionEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Origin != "" && ev.Origin != r.InstanceID {
				continue
			}
			ev.Origin = r.InstanceID
			payload, err := json.Marshal(ev)
			if err != nil {
				r.Logger.Error().Err(err).Msg("relay: encode event")
				continue
			}
			if err := r.Client.Publish(r.topic(), payload, r.QoS, false); err != nil {
				r.Logger.Warn().Err(err).Str("event", ev.Kind.Name()).Msg("relay: publish failed")
				continue
			}
			r.Metrics.Relayed("out")
		}
	}
}
