// Package tick drives registered components from a single shared clock so
// polling work never overlaps and ordering between components stays fixed.
package tick

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Component receives lifecycle and tick callbacks from the coordinator.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnTick(ctx context.Context, tickedAt time.Time) error
	Healthy() bool
}

// ComponentFuncs adapts plain functions into a Component. Nil fields are
// treated as no-ops and Healthy defaults to true.
type ComponentFuncs struct {
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
	OnTickFunc  func(ctx context.Context, tickedAt time.Time) error
	HealthyFunc func() bool
}

func (c ComponentFuncs) Start(ctx context.Context) error {
	if c.StartFunc == nil {
		return nil
	}
	return c.StartFunc(ctx)
}

func (c ComponentFuncs) Stop(ctx context.Context) error {
	if c.StopFunc == nil {
		return nil
	}
	return c.StopFunc(ctx)
}

func (c ComponentFuncs) OnTick(ctx context.Context, tickedAt time.Time) error {
	if c.OnTickFunc == nil {
		return nil
	}
	return c.OnTickFunc(ctx, tickedAt)
}

func (c ComponentFuncs) Healthy() bool {
	if c.HealthyFunc == nil {
		return true
	}
	return c.HealthyFunc()
}

type registration struct {
	name      string
	component Component
	priority  int
	seq       int
}

// Coordinator invokes registered components at a fixed interval in ascending
// priority order. Ticks are sequential; a slow component delays the next tick
// rather than overlapping it.
type Coordinator struct {
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	components map[string]*registration
	seq        int
	tickCount  int64
	lastTickAt time.Time
	started    bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator builds a coordinator ticking at the given interval.
func NewCoordinator(interval time.Duration, opts ...Option) *Coordinator {
	if interval <= 0 {
		interval = time.Second
	}
	c := &Coordinator{
		interval:   interval,
		logger:     slog.Default(),
		now:        time.Now,
		components: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component under a unique name. Lower priority runs first;
// equal priorities run in registration order. Re-registering a name replaces
// the previous component but keeps its original position.
func (c *Coordinator) Register(name string, component Component, priority int) {
	if name == "" || component == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.components[name]; ok {
		existing.component = component
		existing.priority = priority
		return
	}
	c.seq++
	c.components[name] = &registration{name: name, component: component, priority: priority, seq: c.seq}
}

// Unregister removes a component by name.
func (c *Coordinator) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
}

// Interval returns the configured tick interval.
func (c *Coordinator) Interval() time.Duration { return c.interval }

// TickCount returns the number of completed ticks.
func (c *Coordinator) TickCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickCount
}

// LastTickAt returns the start time of the most recent tick, zero before the
// first tick.
func (c *Coordinator) LastTickAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTickAt
}

// Stale reports whether the loop has missed its schedule: a started
// coordinator with no tick within three intervals.
func (c *Coordinator) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return false
	}
	if c.lastTickAt.IsZero() {
		return false
	}
	return c.now().Sub(c.lastTickAt) > 3*c.interval
}

// Healthy reports whether the loop is live and every component reports
// healthy.
func (c *Coordinator) Healthy() bool {
	c.mu.Lock()
	if c.started && !c.lastTickAt.IsZero() && c.now().Sub(c.lastTickAt) > 3*c.interval {
		c.mu.Unlock()
		return false
	}
	ordered := c.orderedLocked()
	c.mu.Unlock()

	for _, reg := range ordered {
		if !reg.component.Healthy() {
			return false
		}
	}
	return true
}

func (c *Coordinator) orderedLocked() []*registration {
	ordered := make([]*registration, 0, len(c.components))
	for _, reg := range c.components {
		ordered = append(ordered, reg)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].priority != ordered[j].priority {
			return ordered[i].priority < ordered[j].priority
		}
		return ordered[i].seq < ordered[j].seq
	})
	return ordered
}

// TickOnce runs a single tick synchronously.
func (c *Coordinator) TickOnce(ctx context.Context) {
	tickedAt := c.now()

	c.mu.Lock()
	ordered := c.orderedLocked()
	c.mu.Unlock()

	for _, reg := range ordered {
		if ctx.Err() != nil {
			return
		}
		if err := reg.component.OnTick(ctx, tickedAt); err != nil {
			c.logger.Warn("tick component failed",
				slog.String("component", reg.name),
				slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	c.tickCount++
	c.lastTickAt = tickedAt
	c.mu.Unlock()
}

// Run starts all components, ticks until the context is cancelled, then stops
// components in reverse order.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	ordered := c.orderedLocked()
	c.started = true
	c.mu.Unlock()

	for _, reg := range ordered {
		if err := reg.component.Start(ctx); err != nil {
			c.logger.Error("tick component start failed",
				slog.String("component", reg.name),
				slog.String("error", err.Error()))
			return err
		}
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.stopAll(ordered)
			return ctx.Err()
		case <-ticker.C:
			c.TickOnce(ctx)
		}
	}
}

func (c *Coordinator) stopAll(ordered []*registration) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(ordered) - 1; i >= 0; i-- {
		if err := ordered[i].component.Stop(stopCtx); err != nil {
			c.logger.Warn("tick component stop failed",
				slog.String("component", ordered[i].name),
				slog.String("error", err.Error()))
		}
	}
}
