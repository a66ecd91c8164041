package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/starred-export/internal/progress"
)

// PrometheusSink exports job lifecycle and item counters derived from
// progress events.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobsPaused    prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	items           *prometheus.CounterVec
	itemDuration    prometheus.Histogram
	attachmentBytes prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_progress_jobs_started_total",
			Help: "Jobs that began authenticating.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "export_progress_jobs_completed_total",
			Help: "Jobs that reached a terminal state, by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "export_progress_jobs_running",
			Help: "Jobs started and not yet finished.",
		}),
		jobsPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "export_progress_jobs_paused",
			Help: "Jobs waiting for a verification code.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "export_progress_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "export_progress_items_total",
			Help: "Settled items by result.",
		}, []string{"result"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "export_progress_item_duration_seconds",
			Help:    "Time to fetch one item with its comments and attachment.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		attachmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_progress_attachment_bytes_total",
			Help: "Attachment bytes downloaded from the remote service.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobsPaused,
		s.jobRuntime,
		s.items,
		s.itemDuration,
		s.attachmentBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent
// use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.tracker.start(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobPaused:
			if s.tracker.pause(evt.JobID) {
				s.jobsPaused.Inc()
			}
		case progress.StageJobResumed:
			if s.tracker.resume(evt.JobID) {
				s.jobsPaused.Dec()
			}
		case progress.StageItemDone:
			s.items.WithLabelValues(string(evt.Result)).Inc()
			if evt.Bytes > 0 {
				s.attachmentBytes.Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.itemDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageJobDone:
			s.finish(evt, "success")
		case progress.StageJobError:
			s.finish(evt, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	running, paused := s.tracker.complete(evt.JobID)
	if running {
		s.jobsRunning.Dec()
	}
	if paused {
		s.jobsPaused.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[[16]byte]bool // value: paused
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[[16]byte]bool)}
}

func (t *jobTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = false
	return true
}

func (t *jobTracker) pause(id [16]byte) bool {
	return t.setPaused(id, true)
}

func (t *jobTracker) resume(id [16]byte) bool {
	return t.setPaused(id, false)
}

func (t *jobTracker) setPaused(id [16]byte, paused bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was, ok := t.running[id]
	if !ok || was == paused {
		return false
	}
	t.running[id] = paused
	return true
}

// complete forgets the job and reports whether it was tracked and whether it
// was paused at the time.
func (t *jobTracker) complete(id [16]byte) (running, paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	paused, running = t.running[id]
	delete(t.running, id)
	return running, paused
}
