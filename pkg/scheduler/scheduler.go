package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Task is a unit of periodic work.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) error
}

func (t TaskFunc) Name() string                  { return t.TaskName }
func (t TaskFunc) Run(ctx context.Context) error { return t.Fn(ctx) }

// Provider is implemented by components that contribute periodic tasks to
// the scheduler owned by the orchestrator.
type Provider interface {
	ScheduleTasks(s *Scheduler) error
}

// TaskStatus is a snapshot of one task's execution history.
type TaskStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	Panics    int64     `json:"panics"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	task      Task
	interval  time.Duration
	cronSpec  string
	immediate bool
}

// Scheduler runs registered tasks on fixed intervals or cron schedules until
// stopped. A failing or panicking run is recorded and the task keeps its
// schedule.
type Scheduler struct {
	logger  zerolog.Logger
	entries []entry
	cron    *cron.Cron
	onPanic func(task string, err error)

	mu      sync.Mutex
	status  map[string]*TaskStatus
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. onPanic, if set, is told about recovered panics.
func NewScheduler(logger zerolog.Logger, onPanic func(task string, err error)) *Scheduler {
	l := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		logger:  l,
		onPanic: onPanic,
		status:  make(map[string]*TaskStatus),
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger{l}),
		)),
	}
}

// Every registers a task that runs each interval. With immediate set the
// first run happens at Start.
func (s *Scheduler) Every(task Task, interval time.Duration, immediate bool) error {
	if interval <= 0 {
		return werrors.NewConfigError(task.Name(), "interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot register task %q: scheduler already started", task.Name())
	}
	s.entries = append(s.entries, entry{task: task, interval: interval, immediate: immediate})
	s.status[task.Name()] = &TaskStatus{Name: task.Name(), Schedule: "@every " + interval.String()}
	s.logger.Info().Str("task", task.Name()).Dur("interval", interval).Msg("Task registered")
	return nil
}

// Cron registers a task on a cron schedule (standard 5-field or descriptors
// such as "@every 1m").
func (s *Scheduler) Cron(spec string, task Task) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return werrors.NewConfigError(task.Name(), "invalid cron schedule %q: %v", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot register task %q: scheduler already started", task.Name())
	}
	s.entries = append(s.entries, entry{task: task, cronSpec: spec})
	s.status[task.Name()] = &TaskStatus{Name: task.Name(), Schedule: spec}
	s.logger.Info().Str("task", task.Name()).Str("schedule", spec).Msg("Task registered")
	return nil
}

// Start launches every registered task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	s.logger.Info().Int("tasks", len(entries)).Msg("Scheduler starting...")

	for _, e := range entries {
		if e.cronSpec != "" {
			if _, err := s.cron.AddFunc(e.cronSpec, func() { s.runTask(ctx, e.task) }); err != nil {
				return werrors.NewConfigError(e.task.Name(), "invalid cron schedule: %v", err)
			}
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	defer s.wg.Done()

	if e.immediate {
		s.runTask(ctx, e.task)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runTask(ctx, e.task)
		case <-ctx.Done():
			s.logger.Debug().Str("task", e.task.Name()).Msg("Task received shutdown signal")
			return
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	var err error
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = werrors.Recovered("task "+t.Name(), r)
			}
		}()
		err = t.Run(ctx)
	}()

	s.mu.Lock()
	st := s.status[t.Name()]
	if st == nil {
		st = &TaskStatus{Name: t.Name()}
		s.status[t.Name()] = st
	}
	st.Runs++
	st.LastRun = time.Now()
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	if panicked {
		st.Panics++
	}
	s.mu.Unlock()

	switch {
	case panicked:
		s.logger.Error().Err(err).Str("task", t.Name()).Msg("Task panicked")
		if s.onPanic != nil {
			s.onPanic(t.Name(), err)
		}
	case err != nil:
		s.logger.Warn().Err(err).Str("task", t.Name()).Msg("Task failed")
	}
}

// Stop cancels all tasks and waits up to timeout for running ones to return.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-time.After(timeout):
		return &werrors.TimeoutError{Operation: "scheduler stop", Budget: timeout}
	}
}

// Status returns task snapshots sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's internal logging to zerolog.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
