// ============================================================================
// Harvester Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Observes the event bus and turns life-cycle events into
// Prometheus metrics.
//
// Metrics:
//
//   1. Counters:
//      - harvester_stage_runs_total{stage,outcome}
//        outcome is one of succeeded, skipped, failed, aborted
//      - harvester_documents_changed_total{kind}
//        kind is one of added, updated, deleted
//      - harvester_scheduled_fires_total{accepted}
//
//   2. Histograms:
//      - harvester_stage_duration_seconds{stage}
//
//   3. Gauges:
//      - harvester_state{phase}  1 for the current phase, 0 otherwise
//      - harvester_last_success_timestamp_seconds{stage}
//      - harvester_event_queue_depth  events waiting for dispatch
//
// Prometheus query examples:
//
//   # harvests per hour
//   increase(harvester_stage_runs_total{stage="harvesting"}[1h])
//
//   # 95th percentile submit duration
//   histogram_quantile(0.95, rate(harvester_stage_duration_seconds_bucket{stage="submitting"}[1h]))
//
// ============================================================================

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/internal/events"
	"github.com/ChuLiYu/harvester/pkg/types"
)

const namespace = "harvester"

// Collector owns the harvester metrics.
type Collector struct {
	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	docsChanged   *prometheus.CounterVec
	scheduled     *prometheus.CounterVec
	state         *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec

	mu   sync.Mutex
	subs []*eventbus.Subscription
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Finished stages by outcome",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage run time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"stage"}),
		docsChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_changed_total",
			Help:      "Documents reported by harvest diffs",
		}, []string{"kind"}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_fires_total",
			Help:      "Scheduled task fires by whether the harvest was accepted",
		}, []string{"accepted"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current life-cycle phase",
		}, []string{"phase"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful stage",
		}, []string{"stage"}),
	}

	reg.MustRegister(c.stageRuns, c.stageDuration, c.docsChanged, c.scheduled, c.state, c.lastSuccess)

	for _, p := range types.Phases {
		c.state.WithLabelValues(string(p)).Set(0)
	}
	c.state.WithLabelValues(string(types.PhaseInitialization)).Set(1)
	return c
}

// Observe subscribes the collector to bus.
func (c *Collector) Observe(bus *eventbus.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs,
		eventbus.On(bus, func(e events.HarvestFinished) error {
			c.RecordStage(types.PhaseHarvesting, outcomeOf(e.Success, e.Skipped, e.Aborted), e.Duration)
			return nil
		}),
		eventbus.On(bus, func(e events.SaveFinished) error {
			c.RecordStage(types.PhaseSaving, outcomeOf(e.Success, false, e.Aborted), e.Duration)
			return nil
		}),
		eventbus.On(bus, func(e events.SubmissionFinished) error {
			c.RecordStage(types.PhaseSubmitting, outcomeOf(e.Success, false, e.Aborted), e.Duration)
			return nil
		}),
		eventbus.On(bus, func(e events.HarvestDiff) error {
			c.RecordDiff(e.Added, e.Updated, e.Deleted)
			return nil
		}),
		eventbus.On(bus, func(e events.StateChanged) error {
			c.SetPhase(e.To.Phase)
			return nil
		}),
		eventbus.On(bus, func(e events.ScheduledTaskFired) error {
			c.RecordScheduledFire(e.Accepted)
			return nil
		}),
	)
}

// Stop unsubscribes from the bus.
func (c *Collector) Stop(bus *eventbus.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		bus.Unsubscribe(s)
	}
	c.subs = nil
}

// RecordStage counts a finished stage and observes its duration.
func (c *Collector) RecordStage(stage types.Phase, outcome string, d time.Duration) {
	c.stageRuns.WithLabelValues(string(stage), outcome).Inc()
	c.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	if outcome == "succeeded" {
		c.lastSuccess.WithLabelValues(string(stage)).SetToCurrentTime()
	}
}

// RecordDiff adds the sizes of a harvest diff.
func (c *Collector) RecordDiff(added, updated, deleted int) {
	c.docsChanged.WithLabelValues("added").Add(float64(added))
	c.docsChanged.WithLabelValues("updated").Add(float64(updated))
	c.docsChanged.WithLabelValues("deleted").Add(float64(deleted))
}

// RecordScheduledFire counts a scheduled task fire.
func (c *Collector) RecordScheduledFire(accepted bool) {
	label := "false"
	if accepted {
		label = "true"
	}
	c.scheduled.WithLabelValues(label).Inc()
}

// SetPhase marks phase as current.
func (c *Collector) SetPhase(phase types.Phase) {
	for _, p := range types.Phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.state.WithLabelValues(string(p)).Set(v)
	}
}

// Queue reports how many items wait for dispatch. eventbus.Bus satisfies it.
type Queue interface {
	Pending() int
}

// RegisterQueueDepth exposes the backlog of q as a gauge read at scrape time.
func RegisterQueueDepth(reg prometheus.Registerer, q Queue) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_queue_depth",
		Help:      "Events queued on the bus and not yet dispatched",
	}, func() float64 {
		return float64(q.Pending())
	}))
}

// Handler serves the metrics gathered by g. A nil g serves the default
// gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func outcomeOf(success, skipped, aborted bool) string {
	switch {
	case skipped:
		return "skipped"
	case success:
		return "succeeded"
	case aborted:
		return "aborted"
	default:
		return "failed"
	}
}
