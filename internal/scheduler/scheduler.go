package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/proxy-harvester/internal/metrics"
	"github.com/proxy-harvester/internal/types"
	log "github.com/sirupsen/logrus"
)

type State int32

const (
	Idle State = iota
	RunningCycle
	Sleeping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RunningCycle:
		return "running"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Clock is the time source used for timestamps and sleeping
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Publisher receives the result of a successful category pipeline
type Publisher interface {
	Publish(category types.Category, validated types.ValidatedSet, refreshed time.Time) error
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithCategories(categories ...types.Category) Option {
	return func(s *Scheduler) { s.categories = categories }
}

// Scheduler drives refresh cycles on a fixed period from a single
// goroutine. The period doubles as the retry interval: nothing is retried
// inside a cycle.
type Scheduler struct {
	pipeline   Pipeline
	publisher  Publisher
	metrics    *metrics.Collector
	period     time.Duration
	clock      Clock
	categories []types.Category

	state   atomic.Int32
	mu      sync.RWMutex
	nextRun time.Time

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	trigger  chan struct{}
	done     chan struct{}
}

func New(pipeline Pipeline, publisher Publisher, period time.Duration, metricsCollector *metrics.Collector, opts ...Option) *Scheduler {
	s := &Scheduler{
		pipeline:   pipeline,
		publisher:  publisher,
		metrics:    metricsCollector,
		period:     period,
		clock:      realClock{},
		categories: types.Categories,
		stop:       make(chan struct{}),
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Period returns the configured refresh period
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// NextRefresh returns the planned start of the next cycle, or the zero
// time if no cycle has finished yet.
func (s *Scheduler) NextRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextRun
}

// Start launches the refresh loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

// Stop asks the loop to exit. A cycle in flight stops dispatching new
// probes; probes already running finish within their own timeout.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wait blocks until the loop has exited
func (s *Scheduler) Wait() {
	if !s.started.Load() {
		return
	}
	<-s.done
}

// TriggerNow cuts the current sleep short so the next cycle starts at once
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(parent context.Context) {
	defer close(s.done)
	defer s.setState(Stopped)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if ctx.Err() != nil {
			log.Info("Refresh loop stopped")
			return
		}

		start := s.clock.Now()
		s.setState(RunningCycle)
		s.RunCycle(ctx)

		next := nextWake(start, s.period, s.clock.Now())
		s.mu.Lock()
		s.nextRun = next
		s.mu.Unlock()
		s.setState(Sleeping)

		select {
		case <-ctx.Done():
			log.Info("Refresh loop stopped")
			return
		case <-s.trigger:
			log.Info("Refresh triggered")
		case <-s.clock.After(next.Sub(s.clock.Now())):
		}
	}
}

// nextWake returns the first slot start+k*period (k >= 1) after now, so a
// slow cycle doesn't push every later cycle back.
func nextWake(start time.Time, period time.Duration, now time.Time) time.Time {
	next := start.Add(period)
	if period <= 0 || next.After(now) {
		return next
	}
	missed := now.Sub(start) / period
	return start.Add((missed + 1) * period)
}

// RunCycle refreshes every category once. A category that fails keeps its
// previous snapshot and does not stop the others.
func (s *Scheduler) RunCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	start := s.clock.Now()
	logger := log.WithField("cycle_id", cycleID)
	logger.Info("Starting refresh cycle")

	failed := 0
	for _, cat := range s.categories {
		if ctx.Err() != nil {
			logger.Warn("Refresh cycle abandoned")
			break
		}
		if err := s.runCategory(ctx, cycleID, cat); err != nil {
			failed++
		}
	}

	duration := s.clock.Now().Sub(start)
	s.metrics.RecordCycleDuration(duration.Seconds())
	logger.Infof("Refresh cycle complete in %v (%d/%d categories failed)", duration, failed, len(s.categories))
}

func (s *Scheduler) runCategory(ctx context.Context, cycleID string, cat types.Category) (err error) {
	logger := log.WithFields(log.Fields{"cycle_id": cycleID, "category": cat})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err == nil {
			return
		}
		switch {
		case errors.Is(err, ErrNothingFetched):
			logger.Warnf("Keeping previous snapshot: %v", err)
		case errors.Is(err, context.Canceled):
			logger.Warnf("Category refresh cancelled: %v", err)
		default:
			s.metrics.RecordCycleError(string(cat))
			logger.Errorf("Category refresh failed, keeping previous snapshot: %v", err)
		}
	}()

	validated, err := s.pipeline.Run(ctx, cat)
	if err != nil {
		return err
	}

	if err := s.publisher.Publish(cat, validated, s.clock.Now()); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	s.metrics.SetValidated(string(cat), len(validated))
	logger.Infof("Published %d validated proxies", len(validated))
	return nil
}
