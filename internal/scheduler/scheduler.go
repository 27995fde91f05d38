// Package scheduler runs periodic maintenance tasks in the background, such as
// sweeping expired idempotency records.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/logging"
)

// DefaultTaskTimeout bounds a single task run.
const DefaultTaskTimeout = time.Minute

// Task is a named unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type taskState struct {
	task       Task
	inProgress bool
	lastRun    time.Time
	lastErr    error
	runs       int
}

// Scheduler manages background maintenance tasks.
type Scheduler struct {
	tasks     map[string]*taskState
	order     []string
	timeout   time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	TaskTimeout time.Duration // Upper bound for one run of a task (default: 1 minute)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{TaskTimeout: DefaultTaskTimeout}
}

// NewScheduler creates a new Scheduler with no tasks.
func NewScheduler(config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	timeout := config.TaskTimeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Scheduler{
		tasks:   make(map[string]*taskState),
		timeout: timeout,
		stopCh:  make(chan struct{}),
	}
}

// Register adds a task. Tasks must be registered before Start.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" || task.Run == nil {
		return errors.New(errors.ErrValidation, "task needs a name and a run function")
	}
	if task.Interval <= 0 {
		return errors.Newf(errors.ErrValidation, "task %s needs a positive interval", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return errors.Newf(errors.ErrConflict, "cannot register %s on a running scheduler", task.Name)
	}
	if _, exists := s.tasks[task.Name]; exists {
		return errors.Newf(errors.ErrConflict, "task %s is already registered", task.Name)
	}
	s.tasks[task.Name] = &taskState{task: task}
	s.order = append(s.order, task.Name)
	return nil
}

// Start launches one loop per registered task. A stopped scheduler cannot be
// started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	states := make([]*taskState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.tasks[name])
	}
	s.mu.Unlock()

	s.wg.Add(len(states))
	for _, st := range states {
		go s.loop(ctx, st)
	}

	logging.Info("Maintenance scheduler started", map[string]interface{}{"tasks": len(states)})
}

// Stop stops the scheduler and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Maintenance scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, st *taskState) {
	defer s.wg.Done()

	ticker := time.NewTicker(st.task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.run(ctx, st); err != nil {
				logging.ErrorWithCode("Maintenance task failed", string(errors.CodeOf(err)), err,
					map[string]interface{}{"task": st.task.Name})
			}
		}
	}
}

// run executes st once. It reports false when a run of the same task was
// already in progress.
func (s *Scheduler) run(ctx context.Context, st *taskState) (bool, error) {
	s.mu.Lock()
	if st.inProgress {
		s.mu.Unlock()
		logging.Debug("Task already in progress, skipping", map[string]interface{}{"task": st.task.Name})
		return false, nil
	}
	st.inProgress = true
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := st.task.Run(runCtx)

	s.mu.Lock()
	st.inProgress = false
	st.lastRun = time.Now()
	st.lastErr = err
	st.runs++
	s.mu.Unlock()

	return true, err
}

// RunNow runs the named task immediately and waits for it. It returns BUSY
// when the task is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	st, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.ErrNotFound, "task %s is not registered", name)
	}

	ran, err := s.run(ctx, st)
	if err != nil {
		return err
	}
	if !ran {
		return errors.Newf(errors.ErrBusy, "task %s is already running", name)
	}
	return nil
}

// TaskStatus describes one registered task.
type TaskStatus struct {
	Name       string
	Interval   time.Duration
	InProgress bool
	LastRun    *time.Time
	LastError  string
	Runs       int
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning bool
	Tasks     []TaskStatus
}

// GetStatus returns the current status of the scheduler, tasks in
// registration order.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{IsRunning: s.isRunning, Tasks: make([]TaskStatus, 0, len(s.order))}
	for _, name := range s.order {
		st := s.tasks[name]
		ts := TaskStatus{
			Name:       name,
			Interval:   st.task.Interval,
			InProgress: st.inProgress,
			Runs:       st.runs,
		}
		if !st.lastRun.IsZero() {
			last := st.lastRun
			ts.LastRun = &last
		}
		if st.lastErr != nil {
			ts.LastError = st.lastErr.Error()
		}
		status.Tasks = append(status.Tasks, ts)
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
