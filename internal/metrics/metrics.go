// Package metrics exposes battle and planning activity as Prometheus
// metrics. Collectors are fed from the event bus, so no component depends
// on this package.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/imkarma/ralph/internal/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. All metrics are prefixed with "ralph_".
//
//   - ralph_battles_started_total{mode}
//   - ralph_battles_finished_total{status}
//   - ralph_battle_active (1 while a battle holds the slot)
//   - ralph_iterations_total{result}
//   - ralph_iteration_duration_seconds
//   - ralph_feedback_results_total{loop,passed}
//   - ralph_completion_claims_total{kind,valid}
//   - ralph_approvals_total
//   - ralph_battle_errors_total
//   - ralph_planning_events_total{event}
//   - ralph_event_bus_dropped_total
type Metrics struct {
	BattlesStarted    *prometheus.CounterVec
	BattlesFinished   *prometheus.CounterVec
	BattleActive      prometheus.Gauge
	Iterations        *prometheus.CounterVec
	IterationDuration prometheus.Histogram
	FeedbackResults   *prometheus.CounterVec
	CompletionClaims  *prometheus.CounterVec
	Approvals         prometheus.Counter
	BattleErrors      prometheus.Counter
	PlanningEvents    *prometheus.CounterVec

	registry *prometheus.Registry
	subID    string
	bus      *event.Bus
}

// New creates the collectors on a private registry, which also carries the
// Go runtime and process collectors. bus may be nil.
func New(bus *event.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		BattlesStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_battles_started_total",
			Help: "Battles started, by mode",
		}, []string{"mode"}),
		BattlesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_battles_finished_total",
			Help: "Battles that reached a terminal state, by status",
		}, []string{"status"}),
		BattleActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "ralph_battle_active",
			Help: "1 while a battle is running, paused or awaiting approval",
		}),
		Iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_iterations_total",
			Help: "Recorded iterations, by result",
		}, []string{"result"}),
		IterationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ralph_iteration_duration_seconds",
			Help:    "Wall time of one iteration including feedback loops",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		FeedbackResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_feedback_results_total",
			Help: "Feedback loop runs, by loop and outcome",
		}, []string{"loop", "passed"}),
		CompletionClaims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_completion_claims_total",
			Help: "Completion claims made by the agent, by kind and validity",
		}, []string{"kind", "valid"}),
		Approvals: f.NewCounter(prometheus.CounterOpts{
			Name: "ralph_approvals_total",
			Help: "Human approvals given to battles awaiting approval",
		}),
		BattleErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "ralph_battle_errors_total",
			Help: "Non-fatal errors reported by battle loops",
		}),
		PlanningEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_planning_events_total",
			Help: "Planning session events, by kind",
		}, []string{"event"}),
		registry: reg,
	}

	if bus != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Name: "ralph_event_bus_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		}, func() float64 { return float64(bus.Dropped()) })
		m.bus = bus
		m.subID = bus.SubscribeAll(m.Observe)
	}
	return m
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(e event.Event) {
	switch ev := e.(type) {
	case event.BattleStateEvent:
		m.observeState(ev)
	case event.IterationEndedEvent:
		m.Iterations.WithLabelValues(string(ev.Iteration.Result)).Inc()
		if !ev.Iteration.StartedAt.IsZero() && !ev.Iteration.EndedAt.IsZero() {
			m.IterationDuration.Observe(ev.Iteration.EndedAt.Sub(ev.Iteration.StartedAt).Seconds())
		}
	case event.FeedbackResultEvent:
		m.FeedbackResults.WithLabelValues(ev.Loop, strconv.FormatBool(ev.Result.Passed)).Inc()
	case event.CompletionDetectedEvent:
		m.CompletionClaims.WithLabelValues(ev.Kind, strconv.FormatBool(ev.Valid)).Inc()
	case event.BattleErrorEvent:
		m.BattleErrors.Inc()
	case event.PlanningEvent:
		if ev.EventType() != event.PlanningOutput {
			m.PlanningEvents.WithLabelValues(ev.EventType()).Inc()
		}
	}
}

func (m *Metrics) observeState(ev event.BattleStateEvent) {
	switch ev.EventType() {
	case event.BattleStarted:
		m.BattlesStarted.WithLabelValues(ev.Mode).Inc()
		m.BattleActive.Set(1)
	case event.BattleApprovalReceived:
		m.Approvals.Inc()
	case event.BattleCompleted, event.BattleFailed, event.BattleCancelled:
		m.BattlesFinished.WithLabelValues(string(ev.Status)).Inc()
		m.BattleActive.Set(0)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Close stops observing the bus.
func (m *Metrics) Close() {
	if m.bus != nil && m.subID != "" {
		m.bus.Unsubscribe(m.subID)
		m.subID = ""
	}
}
