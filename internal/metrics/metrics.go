package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the Prometheus collectors of the dispatch service. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	transitions  *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	sessions     prometheus.Gauge
	frames       *prometheus.CounterVec
	framesDrop   prometheus.Counter
	busDrop      prometheus.Counter
	push         *prometheus.CounterVec
	bulkMissions *prometheus.CounterVec
	relayed      *prometheus.CounterVec
}

// New registers the collectors on reg (the default registerer when nil).
// Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{}
	var err error
	if r.transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchline_transitions_total",
		Help: "Mission changes committed, by event kind",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if r.rejections, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchline_transition_rejections_total",
		Help: "Mission changes rejected, by reason code",
	}, []string{"code"})); err != nil {
		return nil, err
	}
	if r.latency, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatchline_transition_duration_seconds",
		Help:    "Time spent applying a mission change, lock wait included",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if r.sessions, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchline_live_sessions",
		Help: "Live connections currently registered",
	})); err != nil {
		return nil, err
	}
	if r.frames, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchline_live_frames_total",
		Help: "Frames queued to live sessions, by event name",
	}, []string{"event"})); err != nil {
		return nil, err
	}
	if r.framesDrop, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatchline_live_frames_dropped_total",
		Help: "Frames dropped because a session send buffer was full",
	})); err != nil {
		return nil, err
	}
	if r.busDrop, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatchline_bus_dropped_total",
		Help: "Mission events a bus subscriber missed",
	})); err != nil {
		return nil, err
	}
	if r.push, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchline_push_total",
		Help: "Push notification attempts, by provider and outcome",
	}, []string{"provider", "outcome"})); err != nil {
		return nil, err
	}
	if r.bulkMissions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchline_bulk_missions_total",
		Help: "Missions handled by bulk dispatch, by outcome",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.relayed, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchline_relay_events_total",
		Help: "Mission events crossing the instance relay, by direction",
	}, []string{"direction"})); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *Recorder) TransitionApplied(kind string, took time.Duration) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(kind).Inc()
	r.latency.WithLabelValues(kind).Observe(took.Seconds())
}

func (r *Recorder) TransitionRejected(code string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(code).Inc()
}

func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessions.Dec()
}

func (r *Recorder) FrameQueued(event string) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues(event).Inc()
}

func (r *Recorder) FrameDropped() {
	if r == nil {
		return
	}
	r.framesDrop.Inc()
}

func (r *Recorder) BusDropped() {
	if r == nil {
		return
	}
	r.busDrop.Inc()
}

// Push records one push attempt; outcome is sent, failed or no_token.
func (r *Recorder) Push(provider, outcome string) {
	if r == nil {
		return
	}
	r.push.WithLabelValues(provider, outcome).Inc()
}

func (r *Recorder) BulkMissions(sent, skipped int) {
	if r == nil {
		return
	}
	r.bulkMissions.WithLabelValues("sent").Add(float64(sent))
	r.bulkMissions.WithLabelValues("skipped").Add(float64(skipped))
}

// Relayed counts events published to (out) or received from (in) the relay.
func (r *Recorder) Relayed(direction string) {
	if r == nil {
		return
	}
	r.relayed.WithLabelValues(direction).Inc()
}
