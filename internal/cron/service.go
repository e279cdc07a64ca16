package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// JobFunc is one run of a scheduled job.
type JobFunc func(ctx context.Context) error

type JobState struct {
	LastRunAt  time.Time
	LastStatus string
	LastError  string
	Runs       int
}

// Job is a snapshot of a registered job.
type Job struct {
	Name  string
	Expr  string
	State JobState
}

type job struct {
	name    string
	expr    string
	fn      JobFunc
	state   JobState
	entryID rcron.EntryID
}

// Service runs in-process jobs on cron expressions or @every descriptors.
// A job never overlaps with itself.
type Service struct {
	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	cron    *rcron.Cron
	parser  rcron.Parser
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	running bool
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	parser := rcron.NewParser(rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)
	return &Service{
		jobs:   make(map[string]*job),
		parser: parser,
		cron: rcron.New(
			rcron.WithParser(parser),
			rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)),
		),
		ctx:    context.Background(),
		logger: logger.With("component", "cron"),
	}
}

// AddJob registers fn under name. The expression is validated immediately.
func (s *Service) AddJob(name, expr string, fn JobFunc) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, expr: expr, fn: fn}
	id, err := s.cron.AddFunc(expr, func() { s.executeJob(name) })
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	j.entryID = id
	s.jobs[name] = j
	s.order = append(s.order, name)
	return nil
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entryID)
	delete(s.jobs, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	n := len(s.jobs)
	runCtx := s.ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("cron.started", "jobs", n)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// Stop cancels running jobs and waits up to five seconds for them to return.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("cron.stop_timeout")
	}
	s.logger.Info("cron.stopped")
}

// RunNow executes a job once, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.executeJob(name)
}

func (s *Service) executeJob(name string) (err error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panic: %v", name, r)
		}
		s.finishJob(j, err)
	}()
	return j.fn(ctx)
}

func (s *Service) finishJob(j *job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j.state.LastRunAt = time.Now()
	j.state.Runs++
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
		s.logger.Warn("cron.job_failed", "job", j.name, "err", err)
		return
	}
	j.state.LastStatus = "ok"
	j.state.LastError = ""
	s.logger.Debug("cron.job_ok", "job", j.name)
}

// ListJobs returns the jobs in registration order.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.order))
	for _, name := range s.order {
		j := s.jobs[name]
		out = append(out, Job{Name: j.name, Expr: j.expr, State: j.state})
	}
	return out
}
