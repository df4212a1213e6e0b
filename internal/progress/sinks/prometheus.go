package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pdf-watcher/internal/progress"
)

// PrometheusSink exports run progress as Prometheus collectors.
type PrometheusSink struct {
	invocations   *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   prometheus.Histogram
	batches       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	pages         prometheus.Counter
	updated       prometheus.Counter
	addedPDFs     prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfwatcher_invocations_total",
			Help: "Orchestrator invocations partitioned by how they ended.",
		}, []string{"stage"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdfwatcher_runs_active",
			Help: "Runs started or resumed that have not finished yet.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdfwatcher_invocation_duration_seconds",
			Help:    "Wall time per orchestrator invocation.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240, 300, 360},
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfwatcher_mini_batches_total",
			Help: "Mini-batches dispatched partitioned by result.",
		}, []string{"result"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdfwatcher_mini_batch_duration_seconds",
			Help:    "Latency of a single mini-batch.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdfwatcher_pages_processed_total",
			Help: "Pages processed by successful mini-batches.",
		}),
		updated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdfwatcher_pages_updated_total",
			Help: "Pages whose content or PDF set changed.",
		}),
		addedPDFs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdfwatcher_pdfs_added_total",
			Help: "Newly detected PDF links.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.invocations,
		s.runsActive,
		s.runDuration,
		s.batches,
		s.batchDuration,
		s.pages,
		s.updated,
		s.addedPDFs,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch {
	case evt.Stage == progress.StageRunStart || evt.Stage == progress.StageRunResume:
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case evt.Stage == progress.StageBatchDone:
		s.batches.WithLabelValues("success").Inc()
		s.pages.Add(float64(evt.Pages))
		s.updated.Add(float64(evt.Updated))
		s.addedPDFs.Add(float64(evt.AddedPDFs))
		s.observeBatch(evt)
	case evt.Stage == progress.StageBatchError:
		s.batches.WithLabelValues("error").Inc()
		s.observeBatch(evt)
	case evt.Stage.Terminal():
		s.invocations.WithLabelValues(string(evt.Stage)).Inc()
		if evt.Dur > 0 {
			s.runDuration.Observe(evt.Dur.Seconds())
		}
		if s.tracker.finish(evt.RunID) {
			s.runsActive.Dec()
		}
	}
}

func (s *PrometheusSink) observeBatch(evt progress.Event) {
	if evt.Dur > 0 {
		s.batchDuration.Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
