package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultTick is how often the scheduler looks for due workflows.
const DefaultTick = 10 * time.Second

// WorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by *engine.Runner.
type WorkflowRunner interface {
	Run(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the polling interval. Non-positive values keep the default.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// Scheduler runs every non-deleted workflow with a positive interval once per
// interval. The next run is derived from the workflow's latest execution, so
// the schedule survives restarts.
type Scheduler struct {
	store  store.Store
	runner WorkflowRunner
	logger *slog.Logger
	tick   time.Duration
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	runs   sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner WorkflowRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sched := &Scheduler{
		store:    s,
		runner:   runner,
		logger:   logger,
		tick:     DefaultTick,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick starts a run for every scheduled workflow that is due at now and not
// already running. It returns the number of runs started; runs continue in the
// background.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Scheduled: true})
	if err != nil {
		s.logger.Error("failed to list scheduled workflows", slog.String("error", err.Error()))
		return 0
	}

	started := 0
	for _, wf := range workflows {
		due, err := s.isDue(ctx, wf, now)
		if err != nil {
			s.logger.Error("failed to compute next run",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !due || !s.tryAcquire(wf.ID) {
			continue
		}

		started++
		s.runs.Add(1)
		// A run that started settles even if the scheduler stops meanwhile.
		go func(wf *store.Workflow) {
			defer s.runs.Done()
			defer s.releaseWorkflow(wf.ID)
			s.runWorkflow(context.WithoutCancel(ctx), wf)
		}(wf)
	}
	return started
}

func (s *Scheduler) isDue(ctx context.Context, wf *store.Workflow, now time.Time) (bool, error) {
	last, err := s.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: wf.ID, Limit: 1})
	if err != nil {
		return false, err
	}
	if len(last) == 0 {
		return true, nil
	}
	next, err := NextRun(wf.Interval, last[0].Started)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

func (s *Scheduler) runWorkflow(ctx context.Context, wf *store.Workflow) {
	s.logger.Info("running scheduled workflow",
		slog.String("workflow_id", wf.ID),
		slog.Int("interval", wf.Interval),
	)

	res, err := s.runner.Run(ctx, engine.RunRequest{WorkflowID: wf.ID, TriggeredBy: schema.TriggerScheduler})
	if err != nil {
		s.logger.Error("scheduled workflow could not run",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if res.Err != nil {
		s.logger.Warn("scheduled workflow failed",
			slog.String("workflow_id", wf.ID),
			slog.String("execution_id", res.Execution.ID),
			slog.String("error", res.Err.Error()),
		)
	}
}

// tryAcquire returns true and marks the workflow as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(workflowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflowID]; ok {
		return false
	}
	s.inflight[workflowID] = struct{}{}
	return true
}

// releaseWorkflow removes the workflow from the in-flight set.
func (s *Scheduler) releaseWorkflow(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}

// NextRun is the first run time after last for an interval in seconds.
func NextRun(intervalSeconds int, last time.Time) (time.Time, error) {
	if intervalSeconds <= 0 {
		return time.Time{}, fmt.Errorf("interval must be positive, got %d", intervalSeconds)
	}
	return cron.Every(time.Duration(intervalSeconds) * time.Second).Next(last), nil
}

// Stop cancels the loop and waits for in-flight runs to settle.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.runs.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
