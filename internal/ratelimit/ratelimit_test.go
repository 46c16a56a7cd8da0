package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/errs"
)

func testBudget() Budget {
	return Budget{RequestsPerMinute: 6000, WeightPerMinute: 60000, OrdersPerSecond: 10}
}

func TestWaitReturnsPrimaryIP(t *testing.T) {
	l := New("binance", []string{"10.0.0.1", "10.0.0.2"}, testBudget())
	ip, err := l.Wait(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", ip)
}

func TestOn429DoublesPenalty(t *testing.T) {
	l := New("binance", []string{"10.0.0.1"}, testBudget())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.On429("10.0.0.1", 0)
	b := l.buckets["10.0.0.1"]
	require.Equal(t, time.Second, b.penalty)
	l.On429("10.0.0.1", 0)
	require.Equal(t, 2*time.Second, b.penalty)
	l.On429("10.0.0.1", 0)
	require.Equal(t, 4*time.Second, b.penalty)
}

func TestOn429HonoursRetryAfterWhenLonger(t *testing.T) {
	l := New("binance", []string{"10.0.0.1"}, testBudget())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.On429("10.0.0.1", 30*time.Second)
	b := l.buckets["10.0.0.1"]
	require.Equal(t, base.Add(30*time.Second), b.pauseUntil)
}

func TestWaitBlocksDuringPause(t *testing.T) {
	l := New("binance", []string{"10.0.0.1"}, testBudget())
	l.On429("10.0.0.1", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Wait(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOn418RotatesToSecondaryIP(t *testing.T) {
	l := New("binance", []string{"10.0.0.1", "10.0.0.2"}, testBudget())
	l.On418("10.0.0.1", time.Hour)
	require.True(t, l.Banned("10.0.0.1"))

	ip, err := l.Wait(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", ip)
}

func TestAllBannedSurfacesIPBannedError(t *testing.T) {
	l := New("binance", []string{"10.0.0.1"}, testBudget())
	l.On418("10.0.0.1", time.Hour)

	_, err := l.Wait(context.Background(), 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.New("", errs.KindIPBanned)))
	require.False(t, errs.AsE(err).RetryAfter.IsZero())
}

func TestBanLiftsAfterDeadline(t *testing.T) {
	l := New("binance", []string{"10.0.0.1"}, testBudget())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	l.now = func() time.Time { return current }

	l.On418("10.0.0.1", 30*time.Second)
	require.True(t, l.Banned("10.0.0.1"))
	current = base.Add(31 * time.Second)
	require.False(t, l.Banned("10.0.0.1"))
	_, err := l.Wait(context.Background(), 1)
	require.NoError(t, err)
}

func TestObserveWaitsCountsDelayedRequests(t *testing.T) {
	l := New("binance", nil, Budget{OrdersPerSecond: 1})
	var waits atomic.Int32
	l.ObserveWaits(func() { waits.Add(1) })

	// First order fits the burst; no wait observed.
	_, err := l.WaitOrder(context.Background())
	require.NoError(t, err)
	require.Zero(t, waits.Load())

	// The bucket is empty now, so the second order counts as delayed even
	// though the context gives up before a token refills.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.WaitOrder(ctx)
	require.Error(t, err)
	require.Equal(t, int32(1), waits.Load())
}

func TestQueuedNotDropped(t *testing.T) {
	// A tiny budget forces queuing; every request must still be served.
	l := New("okx", nil, Budget{RequestsPerMinute: 600})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		_, err := l.Wait(ctx, 0)
		require.NoError(t, err)
	}
}
