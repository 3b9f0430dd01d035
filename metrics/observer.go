// Package metrics exports flow activity as Prometheus metrics through a
// flow.Observer.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dcshock/runflow/flow"
)

// Observer implements flow.Observer on Prometheus vectors. All metrics carry
// the labels "flow" and "stage".
type Observer struct {
	PushedTotal     *prometheus.CounterVec
	DispatchedTotal *prometheus.CounterVec
	CompletedTotal  *prometheus.CounterVec
	FailedTotal     *prometheus.CounterVec
	DroppedTotal    *prometheus.CounterVec
	EmittedTotal    *prometheus.CounterVec
	InFlight        *prometheus.GaugeVec
	JobDuration     *prometheus.HistogramVec
}

// NewObserver creates the metric vectors under namespace (default "runflow").
// They are not registered; call Register.
func NewObserver(namespace string) *Observer {
	if namespace == "" {
		namespace = "runflow"
	}
	labels := func(extra ...string) []string {
		return append([]string{"flow", "stage"}, extra...)
	}
	counter := func(name, help string, extra ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      name,
			Help:      help,
		}, labels(extra...))
	}
	return &Observer{
		PushedTotal:     counter("pushed_total", "Packets queued at a stage"),
		DispatchedTotal: counter("dispatched_total", "Packets whose job was handed to the driver"),
		CompletedTotal:  counter("completed_total", "Jobs that finished without error"),
		FailedTotal:     counter("failed_total", "Jobs that failed or panicked"),
		DroppedTotal:    counter("dropped_total", "Failed packets discarded at a stage without an error job"),
		EmittedTotal:    counter("emitted_total", "Results leaving a stage", "kind"),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "in_flight",
			Help:      "Jobs dispatched and not yet finished",
		}, labels()),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "job_duration_seconds",
			Help:      "Time from dispatch to job outcome",
			Buckets:   prometheus.DefBuckets,
		}, labels("status")),
	}
}

func (o *Observer) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		o.PushedTotal, o.DispatchedTotal, o.CompletedTotal, o.FailedTotal,
		o.DroppedTotal, o.EmittedTotal, o.InFlight, o.JobDuration,
	}
}

// Register adds every metric to reg. Metrics already registered by this
// Observer are skipped, so registering twice is harmless.
func (o *Observer) Register(reg prometheus.Registerer) error {
	for _, c := range o.collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) && already.ExistingCollector == c {
				continue
			}
			return fmt.Errorf("metrics: register: %w", err)
		}
	}
	return nil
}

func (o *Observer) Pushed(info flow.StageInfo, _ *flow.Packet) {
	o.PushedTotal.WithLabelValues(info.Flow, info.Name).Inc()
}

func (o *Observer) Dispatched(info flow.StageInfo, _ *flow.Packet) {
	o.DispatchedTotal.WithLabelValues(info.Flow, info.Name).Inc()
	o.InFlight.WithLabelValues(info.Flow, info.Name).Inc()
}

func (o *Observer) Completed(info flow.StageInfo, _ *flow.Packet, elapsed time.Duration) {
	o.CompletedTotal.WithLabelValues(info.Flow, info.Name).Inc()
	o.InFlight.WithLabelValues(info.Flow, info.Name).Dec()
	o.JobDuration.WithLabelValues(info.Flow, info.Name, "ok").Observe(elapsed.Seconds())
}

func (o *Observer) Failed(info flow.StageInfo, _ *flow.Packet, _ error, elapsed time.Duration) {
	o.FailedTotal.WithLabelValues(info.Flow, info.Name).Inc()
	o.InFlight.WithLabelValues(info.Flow, info.Name).Dec()
	o.JobDuration.WithLabelValues(info.Flow, info.Name, "error").Observe(elapsed.Seconds())
}

func (o *Observer) Dropped(info flow.StageInfo, _ *flow.Packet, _ error) {
	o.DroppedTotal.WithLabelValues(info.Flow, info.Name).Inc()
}

func (o *Observer) Emitted(info flow.StageInfo, kind flow.EmitKind, _ *flow.Packet) {
	o.EmittedTotal.WithLabelValues(info.Flow, info.Name, kind.String()).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ flow.Observer = (*Observer)(nil)
