package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/observability"
)

func newSupervisor() *Supervisor {
	return New(zerolog.Nop(), observability.NewMetrics("test"))
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newSupervisor()
	s.Add(Task{
		Name: "steady",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Healthy() == nil }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestFatalTaskFailureCancelsSiblings(t *testing.T) {
	s := newSupervisor()
	var siblingStopped atomic.Bool
	s.Add(Task{
		Name: "sibling",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			siblingStopped.Store(true)
			return ctx.Err()
		},
	})
	fatal := errors.New("cannot serve")
	s.Add(Task{
		Name: "doomed",
		Run:  func(context.Context) error { return fatal },
	})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, fatal)
	require.True(t, siblingStopped.Load())
	require.Error(t, s.Healthy())
}

func TestRestartableTaskComesBack(t *testing.T) {
	s := newSupervisor()
	var runs atomic.Int64
	s.Add(Task{
		Name:    "flaky",
		Restart: true,
		Run: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				return errors.New("transient")
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPanicIsContained(t *testing.T) {
	s := newSupervisor()
	s.Add(Task{
		Name: "panicky",
		Run:  func(context.Context) error { panic("boom") },
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}

func TestHealthyReportsStaleHeartbeat(t *testing.T) {
	s := newSupervisor()
	s.Add(Task{
		Name:      "beating",
		Heartbeat: true,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Healthy() == nil }, time.Second, 10*time.Millisecond)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	err := s.Healthy()
	require.Error(t, err)
	require.Contains(t, err.Error(), "heartbeat stale")

	s.now = time.Now
	s.Beat("beating")
	require.NoError(t, s.Healthy())
}

func TestStatuses(t *testing.T) {
	s := newSupervisor()
	s.Add(Task{Name: "a", Heartbeat: true})
	s.Add(Task{Name: "b"})

	statuses := s.Statuses()
	require.Len(t, statuses, 2)
	require.Equal(t, "a", statuses[0].Name)
	require.False(t, statuses[0].Running)
	require.False(t, statuses[0].Beat.IsZero())
	require.True(t, statuses[1].Beat.IsZero())
}
