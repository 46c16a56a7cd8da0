// Package supervisor owns the long-lived tasks of a process: it restarts
// crashed tasks with backoff, tracks liveness for the health endpoint, and
// escalates fatal failures so the process exits and the orchestrator takes
// over.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/observability"
)

const (
	restartBase = time.Second
	restartCap  = 30 * time.Second
	// heartbeatStale marks a task unhealthy when it has not beaten for this
	// long.
	heartbeatStale = 60 * time.Second
)

// Task is one long-lived unit of work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// Restart re-runs the task with backoff after a failure. Tasks without
	// it take the whole process down on error.
	Restart bool
	// Heartbeat enables staleness tracking; the task must call Beat.
	Heartbeat bool
}

type taskState struct {
	task     Task
	mu       sync.Mutex
	running  bool
	stopped  bool
	lastBeat time.Time
	lastErr  error
}

// Status is one task's health snapshot.
type Status struct {
	Name    string    `json:"name"`
	Running bool      `json:"running"`
	Beat    time.Time `json:"last_heartbeat,omitempty"`
	Err     string    `json:"error,omitempty"`
}

// Supervisor runs registered tasks until one fails fatally or ctx ends.
type Supervisor struct {
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.Mutex
	tasks []*taskState
}

// New builds an empty supervisor.
func New(log zerolog.Logger, metrics *observability.Metrics) *Supervisor {
	return &Supervisor{
		log:     log.With().Str("component", "supervisor").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Add registers a task; call before Run.
func (s *Supervisor) Add(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &taskState{task: task, lastBeat: s.now()})
}

// Beat records a liveness heartbeat from the named task.
func (s *Supervisor) Beat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.tasks {
		if st.task.Name == name {
			st.mu.Lock()
			st.lastBeat = s.now()
			st.mu.Unlock()
			return
		}
	}
}

// Run executes every task until ctx is cancelled or a non-restartable task
// fails. The first fatal error is returned; cancellation returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]*taskState, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for _, st := range tasks {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runTask(runCtx, st, cancel)
		}()
	}
	wg.Wait()

	if err := context.Cause(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) runTask(ctx context.Context, st *taskState, cancel context.CancelCauseFunc) {
	log := s.log.With().Str("task", st.task.Name).Logger()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartBase
	bo.MaxInterval = restartCap

	for {
		st.setRunning(true, nil)
		log.Info().Msg("task started")
		err := s.invoke(ctx, st)
		st.setRunning(false, err)

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			st.setStopped()
			return
		}
		if err == nil {
			// Long-lived tasks are not expected to return; treat a clean
			// return outside shutdown as completion.
			st.setStopped()
			log.Info().Msg("task completed")
			return
		}
		if !st.task.Restart {
			log.Error().Err(err).Msg("fatal task failure")
			cancel(fmt.Errorf("task %s: %w", st.task.Name, err))
			st.setStopped()
			return
		}

		kind := errs.KindOf(err)
		if kind == "" {
			kind = errs.KindInvariant
		}
		s.metrics.ErrorsByKind.WithLabelValues(string(kind), st.task.Name).Inc()

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = restartCap
		}
		log.Warn().Err(err).Dur("restart_in", wait).Msg("task crashed, restarting")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			st.setStopped()
			return
		case <-timer.C:
		}
	}
}

// invoke shields the supervisor from task panics.
func (s *Supervisor) invoke(ctx context.Context, st *taskState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", st.task.Name, r)
		}
	}()
	return st.task.Run(ctx)
}

// Healthy reports nil while every task is running and beating.
func (s *Supervisor) Healthy() error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.tasks {
		st.mu.Lock()
		running, stopped, beat, lastErr := st.running, st.stopped, st.lastBeat, st.lastErr
		st.mu.Unlock()
		if stopped || !running {
			if lastErr != nil {
				return fmt.Errorf("task %s down: %w", st.task.Name, lastErr)
			}
			return fmt.Errorf("task %s not running", st.task.Name)
		}
		if st.task.Heartbeat && now.Sub(beat) > heartbeatStale {
			return fmt.Errorf("task %s heartbeat stale (%s)", st.task.Name, now.Sub(beat).Truncate(time.Second))
		}
	}
	return nil
}

// Statuses snapshots every task for the health endpoint.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.tasks))
	for _, st := range s.tasks {
		st.mu.Lock()
		status := Status{Name: st.task.Name, Running: st.running}
		if st.task.Heartbeat {
			status.Beat = st.lastBeat
		}
		if st.lastErr != nil {
			status.Err = st.lastErr.Error()
		}
		st.mu.Unlock()
		out = append(out, status)
	}
	return out
}

func (st *taskState) setRunning(running bool, err error) {
	st.mu.Lock()
	st.running = running
	if running {
		st.lastBeat = time.Now()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		st.lastErr = err
	}
	st.mu.Unlock()
}

func (st *taskState) setStopped() {
	st.mu.Lock()
	st.stopped = true
	st.mu.Unlock()
}
