package tick

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tickFunc(fn func()) Component {
	return ComponentFuncs{OnTickFunc: func(context.Context, time.Time) error {
		fn()
		return nil
	}}
}

func TestTickOnceRunsInPriorityOrder(t *testing.T) {
	c := NewCoordinator(time.Second)

	var order []string
	c.Register("reconcile", tickFunc(func() { order = append(order, "reconcile") }), 9)
	c.Register("tracker", tickFunc(func() { order = append(order, "tracker") }), 3)
	c.Register("quoter", tickFunc(func() { order = append(order, "quoter") }), 3)

	c.TickOnce(context.Background())

	require.Equal(t, []string{"tracker", "quoter", "reconcile"}, order,
		"lower priority first, ties in registration order")
	require.Equal(t, int64(1), c.TickCount())
	require.False(t, c.LastTickAt().IsZero())
}

func TestTickOnceContinuesPastFailures(t *testing.T) {
	c := NewCoordinator(time.Second)

	var ran bool
	c.Register("bad", ComponentFuncs{OnTickFunc: func(context.Context, time.Time) error {
		return errors.New("boom")
	}}, 1)
	c.Register("good", tickFunc(func() { ran = true }), 2)

	c.TickOnce(context.Background())

	require.True(t, ran, "later components still run after a failure")
	require.Equal(t, int64(1), c.TickCount())
}

func TestUnregisterStopsTicks(t *testing.T) {
	c := NewCoordinator(time.Second)

	var count int
	c.Register("x", tickFunc(func() { count++ }), 1)
	c.TickOnce(context.Background())
	c.Unregister("x")
	c.TickOnce(context.Background())

	require.Equal(t, 1, count)
	require.Equal(t, int64(2), c.TickCount(), "ticks count even with no components")
}

func TestStaleDetection(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	c := NewCoordinator(10*time.Second, WithClock(clock))

	require.False(t, c.Stale(), "not started yet")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = c.Run(ctx)

	c.TickOnce(context.Background())
	require.False(t, c.Stale())

	now = now.Add(31 * time.Second)
	require.True(t, c.Stale(), "no tick within 3x interval")

	c.TickOnce(context.Background())
	require.False(t, c.Stale())
}

func TestHealthyReflectsComponents(t *testing.T) {
	c := NewCoordinator(time.Second)
	healthy := true
	c.Register("x", ComponentFuncs{HealthyFunc: func() bool { return healthy }}, 1)

	require.True(t, c.Healthy())
	healthy = false
	require.False(t, c.Healthy())
}

func TestRunStartsAndStopsComponents(t *testing.T) {
	c := NewCoordinator(5 * time.Millisecond)

	var started, stopped, ticked bool
	c.Register("x", ComponentFuncs{
		StartFunc:  func(context.Context) error { started = true; return nil },
		StopFunc:   func(context.Context) error { stopped = true; return nil },
		OnTickFunc: func(context.Context, time.Time) error { ticked = true; return nil },
	}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Run(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, started)
	require.True(t, stopped)
	require.True(t, ticked)
}

func TestRunFailsFastOnStartError(t *testing.T) {
	c := NewCoordinator(time.Second)
	c.Register("x", ComponentFuncs{
		StartFunc: func(context.Context) error { return errors.New("no venue") },
	}, 1)

	err := c.Run(context.Background())
	require.EqualError(t, err, "no venue")
}
