// Package scheduler runs the periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a scheduled job
type Task struct {
	Name     string
	Schedule string // Standard cron spec or descriptor such as "@every 1m"
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler manages and executes scheduled background tasks
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	tasks  map[string]Task
}

// New creates a scheduler. Overlapping runs of one task are skipped.
func New(logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]Task),
	}
}

// Add registers a task
func (s *Scheduler) Add(task Task) error {
	if task.Timeout == 0 {
		task.Timeout = 5 * time.Minute
	}
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %s already registered", task.Name)
	}

	_, err := s.cron.AddFunc(task.Schedule, func() {
		s.execute(task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.Name, err)
	}
	s.tasks[task.Name] = task

	s.logger.Info("registered task", "task", task.Name, "schedule", task.Schedule)
	return nil
}

// Start begins executing scheduled tasks
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// RunNow executes a registered task immediately and returns its error
func (s *Scheduler) RunNow(name string) error {
	task, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("unknown task %s", name)
	}
	return s.execute(task)
}

// execute runs a single task with timeout and error handling
func (s *Scheduler) execute(task Task) error {
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, task.Timeout)
	defer cancel()

	start := time.Now()
	err := task.Run(ctx)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("task failed", "task", task.Name, "duration", duration, "error", err)
	} else {
		s.logger.Debug("task completed", "task", task.Name, "duration", duration)
	}
	return err
}

// Stop stops scheduling and waits for running tasks. When ctx is done the
// running tasks are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("scheduler tasks did not finish: %w", ctx.Err())
	}
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
