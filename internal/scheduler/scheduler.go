// Package scheduler runs the daemon's periodic maintenance jobs on cron specs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hupe1980/agentfleet/logging"
)

// ErrUnknownJob is returned by RunNow for unregistered job names.
var ErrUnknownJob = errors.New("unknown job")

// Options configures a Scheduler.
type Options struct {
	// JobTimeout bounds one job run.
	JobTimeout time.Duration
	Logger     logging.Logger
}

// Scheduler runs registered jobs on their cron specs.
type Scheduler struct {
	cron       *cron.Cron
	jobTimeout time.Duration
	logger     logging.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
}

type job struct {
	name    string
	spec    string
	handler func(context.Context) error
	entryID cron.EntryID

	mu         sync.Mutex
	lastRun    time.Time
	lastResult string
	runs       int
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name       string
	Spec       string
	LastRun    time.Time
	LastResult string
	Runs       int
	NextRun    time.Time
}

// New creates a stopped Scheduler. Specs use the standard five-field format
// plus descriptors such as "@every 30s".
func New(optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		JobTimeout: 5 * time.Minute,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Scheduler{
		cron:       cron.New(),
		jobTimeout: opts.JobTimeout,
		logger:     logging.OrNoOp(opts.Logger),
		jobs:       make(map[string]*job),
	}
}

// Register schedules handler under name. An empty spec leaves the job
// disabled and is not an error.
func (s *Scheduler) Register(name, spec string, handler func(context.Context) error) error {
	if name == "" || handler == nil {
		return errors.New("register job: name and handler are required")
	}
	if spec == "" {
		s.logger.Info("Job disabled", "name", name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("register job: %s already registered", name)
	}
	j := &job{name: name, spec: spec, handler: handler}
	entryID, err := s.cron.AddFunc(spec, func() { s.run(context.Background(), j) })
	if err != nil {
		return fmt.Errorf("register job %s: invalid spec %q: %w", name, spec, err)
	}
	j.entryID = entryID
	s.jobs[name] = j
	s.logger.Info("Scheduled job", "name", name, "cron", spec)
	return nil
}

// Start begins firing jobs. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
}

// Stop stops firing jobs and waits for running ones to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with jobs still running")
	}
	s.logger.Info("Scheduler stopped")
}

// RunNow runs the named job synchronously outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

// Jobs returns the status of every registered job sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		st := JobStatus{
			Name:       j.name,
			Spec:       j.spec,
			LastRun:    j.lastRun,
			LastResult: j.lastResult,
			Runs:       j.runs,
			NextRun:    s.cron.Entry(j.entryID).Next,
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) run(parent context.Context, j *job) (err error) {
	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
		j.mu.Lock()
		j.lastRun = start
		j.runs++
		if err != nil {
			j.lastResult = "failed: " + err.Error()
		} else {
			j.lastResult = "success"
		}
		j.mu.Unlock()

		if err != nil {
			s.logger.Error("Job failed", "name", j.name, "error", err)
			return
		}
		s.logger.Debug("Job completed", "name", j.name, "duration_ms", time.Since(start).Milliseconds())
	}()

	return j.handler(ctx)
}
