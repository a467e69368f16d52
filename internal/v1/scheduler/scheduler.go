// Package scheduler runs periodic maintenance tasks on a cron schedule and
// fences every tick behind a distributed lock, so a task fires on exactly one
// replica per interval no matter how many replicas run the scheduler.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/lock"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/metrics"
)

// LockPrefix namespaces the per-task leadership locks in the store.
const LockPrefix = "scheduled_task:"

// DefaultMinLockTTL is the floor for the per-tick lock TTL. It sits just
// under a minute so a task scheduled every minute hands leadership back
// before its next tick.
const DefaultMinLockTTL = 59 * time.Second

// Task is one periodic job. Spec accepts standard five-field cron
// expressions and descriptors such as "@every 15m".
type Task struct {
	Name       string
	Spec       string
	MinLockTTL time.Duration
	Run        func(ctx context.Context) error
}

// Service owns the cron runner and the task registry.
type Service struct {
	locks *lock.Service
	cron  *cron.Cron

	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	baseCtx  context.Context
	cancel   context.CancelFunc
	started  bool

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewService creates a scheduler with no registered tasks. Ticks whose
// previous run is still in flight are skipped rather than stacked.
func NewService(locks *lock.Service) *Service {
	return &Service{
		locks: locks,
		cron: cron.New(
			cron.WithParser(newSpecParser()),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		entryIDs: make(map[string]cron.EntryID),
		stopped:  make(chan struct{}),
	}
}

func newSpecParser() cron.Parser {
	return cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
}

// Register adds a task to the runner. Tasks may be registered before or
// after Start; duplicate names are rejected.
func (s *Service) Register(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("scheduler: task name cannot be empty")
	}
	if task.Run == nil {
		return fmt.Errorf("scheduler: task %q has no handler", task.Name)
	}
	if task.MinLockTTL <= 0 {
		task.MinLockTTL = DefaultMinLockTTL
	}

	sched, err := newSpecParser().Parse(task.Spec)
	if err != nil {
		return fmt.Errorf("scheduler: invalid spec %q for task %q: %w", task.Spec, task.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entryIDs[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already registered", task.Name)
	}
	s.entryIDs[task.Name] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.runTick(task, sched)
	}))
	return nil
}

// Start begins firing registered tasks. The scheduler stops itself when ctx
// is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	watch := s.baseCtx
	s.mu.Unlock()

	s.cron.Start()
	logging.Info(ctx, "Scheduler started", zap.Strings("tasks", s.TaskNames()))

	go func() {
		<-watch.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for in-flight handlers to return.
// Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()

		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(s.stopped)
	})
}

// Done is closed once Stop has drained all in-flight handlers.
func (s *Service) Done() <-chan struct{} {
	return s.stopped
}

// TaskNames lists the registered task names.
func (s *Service) TaskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	return names
}

// runTick races the replicas for this tick's lock and runs the handler on
// the winner. The lock is never released early: letting it expire at TTL is
// what guards against a second replica re-firing the same tick.
func (s *Service) runTick(task Task, sched cron.Schedule) {
	ctx := logging.WithJob(s.runContext(), task.Name)

	ttl := lockTTL(task, scheduleInterval(sched))
	held, err := s.locks.Acquire(ctx, LockPrefix+task.Name, ttl)
	if err != nil {
		metrics.SchedulerJobRuns.WithLabelValues(task.Name, "error").Inc()
		logging.Warn(ctx, "Scheduled task lock acquisition failed", zap.Error(err))
		return
	}
	if held == nil {
		metrics.SchedulerJobRuns.WithLabelValues(task.Name, "skipped").Inc()
		logging.Debug(ctx, "Scheduled task already running on another replica")
		return
	}

	// Leave headroom so the handler's context expires before the lock does.
	margin := ttl / 10
	if margin > 5*time.Second {
		margin = 5 * time.Second
	}
	runCtx, cancelRun := context.WithTimeout(ctx, ttl-margin)
	defer cancelRun()

	start := time.Now()
	runErr := task.Run(runCtx)
	elapsed := time.Since(start)
	metrics.SchedulerJobDuration.WithLabelValues(task.Name).Observe(elapsed.Seconds())

	if runErr != nil {
		metrics.SchedulerJobRuns.WithLabelValues(task.Name, "error").Inc()
		logging.Error(ctx, "Scheduled task failed", zap.Error(runErr), zap.Duration("elapsed", elapsed))
		return
	}
	metrics.SchedulerJobRuns.WithLabelValues(task.Name, "success").Inc()
	logging.Debug(ctx, "Scheduled task completed", zap.Duration("elapsed", elapsed))
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// scheduleInterval infers the gap between consecutive fires by asking the
// schedule for its next two activation times.
func scheduleInterval(sched cron.Schedule) time.Duration {
	first := sched.Next(time.Now())
	return sched.Next(first).Sub(first)
}

// lockTTL sizes this tick's exclusivity window: just under the schedule
// interval so the following tick can reacquire, and never below the task's
// floor.
func lockTTL(task Task, interval time.Duration) time.Duration {
	eps := interval / 20
	if eps > time.Second {
		eps = time.Second
	}
	ttl := interval - eps
	if ttl < task.MinLockTTL {
		ttl = task.MinLockTTL
	}
	return ttl
}
