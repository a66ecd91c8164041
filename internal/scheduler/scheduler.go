// Package scheduler admits export jobs under a concurrency cap and drives
// each one through authentication, enumeration, fetching and assembly.
//
// Jobs beyond the cap wait in a FIFO queue and are promoted when a slot
// frees, either on the poll ticker or immediately when a pipeline ends. A job
// paused for a verification code keeps its slot but holds no goroutine until
// Resume is called. A watchdog fails jobs that exceed the maximum duration and
// paused jobs whose code never arrives within the verification timeout.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/auth"
	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/fetch"
	"github.com/JakeFAU/starred-export/internal/metrics"
	"github.com/JakeFAU/starred-export/internal/progress"
)

// Defaults applied by New for unset Config fields.
const (
	DefaultMaxConcurrentJobs  = 2
	DefaultPollInterval       = 10 * time.Second
	DefaultAverageJobDuration = 600 * time.Second
	DefaultMaxJobDuration     = 3600 * time.Second
	DefaultWatchdogInterval   = 30 * time.Second
	// Paused jobs keep their slot, so an abandoned verification is failed
	// well before MaxJobDuration to unblock the queue.
	DefaultVerificationTimeout = 10 * time.Minute
)

// ErrShuttingDown is returned by Submit once Run has stopped.
var ErrShuttingDown = errors.New("scheduler is shutting down")

// Config controls admission, promotion and the watchdog.
type Config struct {
	MaxConcurrentJobs  int
	PollInterval       time.Duration
	AverageJobDuration time.Duration
	MaxJobDuration     time.Duration
	WatchdogInterval   time.Duration
	// VerificationTimeout bounds how long a job may wait for a code.
	VerificationTimeout time.Duration
	// NotifyTopic receives a completion notice per terminal job when a
	// publisher is configured.
	NotifyTopic string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.AverageJobDuration <= 0 {
		c.AverageJobDuration = DefaultAverageJobDuration
	}
	if c.MaxJobDuration <= 0 {
		c.MaxJobDuration = DefaultMaxJobDuration
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.VerificationTimeout <= 0 {
		c.VerificationTimeout = DefaultVerificationTimeout
	}
	return c
}

// Registry is the job store the scheduler drives.
type Registry interface {
	CreateJob(ctx context.Context, job export.Job) error
	GetJob(ctx context.Context, jobID string) (export.Job, error)
	ListJobs(ctx context.Context) []export.Job
	Transition(
		ctx context.Context,
		jobID string,
		to export.JobStatus,
		message string,
		mutate ...func(*export.Job),
	) (export.Job, error)
	UpdateJob(ctx context.Context, jobID string, fn func(*export.Job)) error
	CountActive() int
	CountSlots() int
	Overdue(cutoff time.Time) []string
	StalledVerifications(cutoff time.Time) []string
}

// Queue holds pending job ids in FIFO order.
type Queue interface {
	Enqueue(jobID string) int
	PopFront() (string, bool)
	Position(jobID string) int
	Len() int
	Snapshot() []string
}

// Fetcher retrieves every item for a job.
type Fetcher interface {
	Run(
		ctx context.Context,
		jobID string,
		session export.Session,
		ids []int64,
		onProgress fetch.ProgressFunc,
	) []export.ItemResult
}

// Assembler turns fetch results into an archive.
type Assembler interface {
	Assemble(ctx context.Context, job export.Job, results []export.ItemResult) (export.Artifact, error)
}

// Deps groups the collaborators a Scheduler needs. Publisher and Emitter are
// optional.
type Deps struct {
	Registry  Registry
	Queue     Queue
	Sessions  export.SessionFactory
	Limiter   export.Limiter
	Fetcher   Fetcher
	Assembler Assembler
	Publisher export.Publisher
	Emitter   progress.Emitter
	IDs       export.IDGenerator
	Clock     export.Clock
}

// run is the scheduler's private state for a job that has not finished.
type run struct {
	creds  export.Credentials
	auth   *auth.Session
	cancel context.CancelFunc
	// verifyMu serializes Resume calls for the job.
	verifyMu sync.Mutex
}

// Scheduler owns admission control and the per-job pipelines.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	// admit serializes admission decisions with registry updates.
	admit sync.Mutex

	mu   sync.Mutex
	runs map[string]*run

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New constructs a Scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	switch {
	case deps.Registry == nil, deps.Queue == nil:
		return nil, fmt.Errorf("registry and queue are required")
	case deps.Sessions == nil, deps.Limiter == nil:
		return nil, fmt.Errorf("session factory and limiter are required")
	case deps.Fetcher == nil, deps.Assembler == nil:
		return nil, fmt.Errorf("fetcher and assembler are required")
	case deps.IDs == nil, deps.Clock == nil:
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root, stop := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: logger.Named("scheduler"),
		runs:   make(map[string]*run),
		root:   root,
		stop:   stop,
	}, nil
}

// Submit registers a job for creds and starts it if a slot is free;
// otherwise the job is queued.
func (s *Scheduler) Submit(ctx context.Context, creds export.Credentials) (string, error) {
	if creds.Username == "" {
		return "", &export.ValidationError{Field: "username", Reason: "is required"}
	}
	if creds.Password == "" {
		return "", &export.ValidationError{Field: "password", Reason: "is required"}
	}
	if s.root.Err() != nil {
		return "", ErrShuttingDown
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	s.admit.Lock()
	defer s.admit.Unlock()

	job := export.Job{
		ID:        id,
		Owner:     creds.Username,
		Status:    export.JobStatusPending,
		Message:   "waiting to start",
		CreatedAt: s.deps.Clock.Now(),
	}
	if err := s.deps.Registry.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	s.mu.Lock()
	s.runs[id] = &run{creds: creds}
	s.mu.Unlock()

	s.deps.Queue.Enqueue(id)
	s.promoteLocked(ctx)
	s.logger.Info("job submitted", zap.String("job_id", id), zap.Int("queued", s.deps.Queue.Len()))
	return id, nil
}

// Run drives the promotion ticker and the watchdog until ctx is done, then
// shuts down: queued and paused jobs fail, running pipelines are cancelled
// and Run waits for them.
func (s *Scheduler) Run(ctx context.Context) error {
	promoteTicker := time.NewTicker(s.cfg.PollInterval)
	defer promoteTicker.Stop()
	watchdogTicker := time.NewTicker(s.cfg.WatchdogInterval)
	defer watchdogTicker.Stop()

	s.logger.Info("scheduler started",
		zap.Int("max_concurrent_jobs", s.cfg.MaxConcurrentJobs),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("max_job_duration", s.cfg.MaxJobDuration),
		zap.Duration("verification_timeout", s.cfg.VerificationTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-promoteTicker.C:
			s.promote()
		case <-watchdogTicker.C:
			s.enforceDeadlines()
		}
	}
}

// promote runs one promotion pass.
func (s *Scheduler) promote() {
	s.admit.Lock()
	defer s.admit.Unlock()
	s.promoteLocked(s.root)
}

// promoteLocked starts queued jobs while slots remain. Entries whose job is
// no longer pending are discarded. Callers hold s.admit.
func (s *Scheduler) promoteLocked(ctx context.Context) {
	for s.root.Err() == nil && s.deps.Registry.CountSlots() < s.cfg.MaxConcurrentJobs {
		id, ok := s.deps.Queue.PopFront()
		if !ok {
			break
		}
		job, err := s.deps.Registry.GetJob(ctx, id)
		if err != nil || job.Status != export.JobStatusPending {
			s.logger.Debug("discarding stale queue entry", zap.String("job_id", id))
			continue
		}
		s.start(ctx, job)
	}
	s.refreshQueueMessages(ctx)
	metrics.SetSchedulerLoad(s.deps.Registry.CountActive(), s.deps.Queue.Len())
}

func (s *Scheduler) refreshQueueMessages(ctx context.Context) {
	for i, id := range s.deps.Queue.Snapshot() {
		msg := fmt.Sprintf("queued, position %d", i+1)
		_ = s.deps.Registry.UpdateJob(ctx, id, func(j *export.Job) {
			j.Message = msg
		})
	}
}

// start moves job to authenticating and launches its pipeline goroutine.
func (s *Scheduler) start(ctx context.Context, job export.Job) {
	if _, err := s.deps.Registry.Transition(ctx, job.ID, export.JobStatusAuthenticating, "authenticating"); err != nil {
		s.logger.Warn("start job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	runCtx, cancel := context.WithCancel(s.root)
	s.mu.Lock()
	r, ok := s.runs[job.ID]
	if !ok {
		r = &run{}
		s.runs[job.ID] = r
	}
	r.cancel = cancel
	creds := r.creds
	s.mu.Unlock()

	s.emit(job.ID, progress.Event{Stage: progress.StageJobStart, Owner: job.Owner})
	s.logger.Info("job started", zap.String("job_id", job.ID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.authenticate(runCtx, job.ID, r, creds)
	}()
}

// enforceDeadlines fails every slot-holding job started before the maximum
// duration and every job left waiting for a code past the verification
// timeout.
func (s *Scheduler) enforceDeadlines() {
	now := s.deps.Clock.Now()
	for _, id := range s.deps.Registry.Overdue(now.Add(-s.cfg.MaxJobDuration)) {
		s.logger.Warn("job exceeded maximum duration", zap.String("job_id", id))
		s.fail(s.root, id, fmt.Sprintf("exceeded maximum duration of %s", s.cfg.MaxJobDuration))
	}
	for _, id := range s.deps.Registry.StalledVerifications(now.Add(-s.cfg.VerificationTimeout)) {
		s.logger.Warn("verification code never arrived", zap.String("job_id", id))
		s.fail(s.root, id, fmt.Sprintf("verification timed out after %s", s.cfg.VerificationTimeout))
	}
}

func (s *Scheduler) shutdown() {
	s.stop()
	ctx := context.Background()
	for {
		id, ok := s.deps.Queue.PopFront()
		if !ok {
			break
		}
		s.fail(ctx, id, "shutdown")
	}
	for _, job := range s.deps.Registry.ListJobs(ctx) {
		if job.Status == export.JobStatusAwaitingVerification {
			s.fail(ctx, job.ID, "shutdown")
		}
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) emit(jobID string, evt progress.Event) {
	id, ok := progress.JobIDBytes(jobID)
	if !ok {
		return
	}
	evt.JobID = id
	if evt.TS.IsZero() {
		evt.TS = s.deps.Clock.Now()
	}
	s.deps.Emitter.Emit(evt)
}
