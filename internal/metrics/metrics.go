// Package metrics exposes call engine counters over Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voxkit-go/voxkit/pkg/call"
)

// Observer implements call.Observer on Prometheus collectors.
type Observer struct {
	stateChanges  *prometheus.CounterVec
	droppedEvents *prometheus.CounterVec
	bargeIns      prometheus.Counter
	turnLatency   prometheus.Histogram
	sentences     prometheus.Counter
}

// NewObserver registers the collectors with reg and returns the
// observer.
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		stateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxkit_state_transitions_total",
			Help: "State transitions by source and destination state.",
		}, []string{"from", "to"}),
		droppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxkit_dropped_events_total",
			Help: "Events dropped by the dispatch guard, by kind.",
		}, []string{"kind"}),
		bargeIns: f.NewCounter(prometheus.CounterOpts{
			Name: "voxkit_barge_ins_total",
			Help: "Verified interruptions during playback.",
		}),
		turnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxkit_turn_latency_seconds",
			Help:    "Time from end of user speech to first audible reply.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		sentences: f.NewCounter(prometheus.CounterOpts{
			Name: "voxkit_sentences_total",
			Help: "Sentences queued for synthesis.",
		}),
	}
}

func (o *Observer) StateChanged(from, to call.State) {
	o.stateChanges.WithLabelValues(from.String(), to.String()).Inc()
}

func (o *Observer) EventDropped(kind call.EventKind) {
	o.droppedEvents.WithLabelValues(kind.String()).Inc()
}

func (o *Observer) BargeIn() { o.bargeIns.Inc() }

func (o *Observer) TurnLatency(d time.Duration) { o.turnLatency.Observe(d.Seconds()) }

func (o *Observer) SentenceQueued() { o.sentences.Inc() }
