package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seriesme/seriesme-agent/internal/events"
)

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesme_jobs_submitted_total",
			Help: "Generate requests by outcome (accepted/rejected).",
		},
		[]string{"outcome"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesme_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by state.",
		},
		[]string{"state"},
	)

	stageEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesme_render_stage_events_total",
			Help: "Assembly stage events by stage.",
		},
		[]string{"stage"},
	)

	renderSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seriesme_render_seconds",
			Help:    "Wall time from decode to done or failed.",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 120},
		},
		[]string{"outcome"},
	)

	jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seriesme_jobs_rendering",
			Help: "Jobs currently between decode and a terminal stage.",
		},
	)
)

func init() {
	register(jobsSubmitted, jobsFinished, stageEvents, renderSeconds, jobsActive)
}

func IncSubmitted(accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	jobsSubmitted.WithLabelValues(outcome).Inc()
}

func IncFinished(state string) {
	jobsFinished.WithLabelValues(norm(state)).Inc()
}

// StageObserver turns the event stream into stage counters and render
// durations. Subscribe Handle to the orchestrator's bus.
type StageObserver struct {
	mu      sync.Mutex
	started map[string]time.Time
}

func NewStageObserver() *StageObserver {
	return &StageObserver{started: make(map[string]time.Time)}
}

func (o *StageObserver) Handle(e events.Event) {
	stageEvents.WithLabelValues(string(e.Stage)).Inc()

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case e.Stage == events.StageDecode:
		if _, ok := o.started[e.JobID]; !ok {
			o.started[e.JobID] = at
			jobsActive.Inc()
		}
	case e.Stage.Terminal():
		start, ok := o.started[e.JobID]
		if !ok {
			return
		}
		delete(o.started, e.JobID)
		jobsActive.Dec()
		outcome := "done"
		if e.Stage == events.StageFailed {
			outcome = "failed"
		}
		renderSeconds.WithLabelValues(outcome).Observe(at.Sub(start).Seconds())
	}
}

// Rendering is the number of jobs the observer is tracking.
func (o *StageObserver) Rendering() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.started)
}
