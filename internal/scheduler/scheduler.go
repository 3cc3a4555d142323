// Package scheduler runs reconciliation on a fixed interval with at most one
// run in flight.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/reflectd/internal/ingest"
)

// ErrRunInProgress is returned by TryRun while another run is executing.
var ErrRunInProgress = errors.New("reconciliation already in progress")

// Runner performs one reconciliation run. Implemented by ingest.Reconciler.
type Runner interface {
	Run(ctx context.Context, trigger string) (ingest.Outcome, error)
}

// Scheduler triggers Runner after an initial delay and then on every
// interval. Ticks that arrive while a run is executing are skipped.
type Scheduler struct {
	runner   Runner
	delay    time.Duration
	interval time.Duration
	logger   *slog.Logger

	onOutcome func(ingest.Outcome, error)

	running atomic.Bool
	nudge   chan string

	mu      sync.Mutex
	last    *ingest.Outcome
	lastErr error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// OnOutcome registers a callback invoked after every completed run.
func OnOutcome(fn func(ingest.Outcome, error)) Option {
	return func(s *Scheduler) { s.onOutcome = fn }
}

// New creates a Scheduler. A non-positive interval defaults to one minute.
func New(runner Runner, delay, interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if delay < 0 {
		delay = 0
	}
	s := &Scheduler{
		runner:   runner,
		delay:    delay,
		interval: interval,
		logger:   slog.Default(),
		nudge:    make(chan string, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run drives the schedule until ctx is cancelled. ctx is also passed to
// every scheduled run, so cancellation reaches an in-flight reconciliation.
// Run returns after the in-flight run, if any, has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	c.Schedule(&delayedSchedule{delay: s.delay, interval: s.interval}, cron.FuncJob(func() {
		s.tick(ctx, ingest.TriggerSchedule)
	}))
	c.Start()
	s.logger.Info("scheduler started", "initial_delay", s.delay, "interval", s.interval)

	var nudged sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			nudged.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case trigger := <-s.nudge:
			nudged.Add(1)
			go func() {
				defer nudged.Done()
				s.tick(ctx, trigger)
			}()
		}
	}
}

// Nudge requests an immediate run with the given trigger. Requests made
// while one is already pending collapse into it.
func (s *Scheduler) Nudge(trigger string) {
	select {
	case s.nudge <- trigger:
	default:
	}
}

func (s *Scheduler) tick(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.TryRun(ctx, trigger)
	if errors.Is(err, ErrRunInProgress) {
		s.logger.Info("skipping reconciliation tick, previous run still in progress", "trigger", trigger)
	}
}

// TryRun executes one run now unless another is executing, in which case it
// returns ErrRunInProgress without waiting. Run errors are returned to the
// caller and never stop the schedule.
func (s *Scheduler) TryRun(ctx context.Context, trigger string) (ingest.Outcome, error) {
	if !s.running.CompareAndSwap(false, true) {
		return ingest.Outcome{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	out, err := s.runner.Run(ctx, trigger)

	s.mu.Lock()
	s.last = &out
	s.lastErr = err
	s.mu.Unlock()

	if s.onOutcome != nil {
		s.onOutcome(out, err)
	}
	return out, err
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Running   bool            `json:"running"`
	LastRun   *ingest.Outcome `json:"last_run,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// Running reports whether a run is executing.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Status returns the current state and the most recent outcome.
func (s *Scheduler) Status() Status {
	st := Status{Running: s.running.Load()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil {
		last := *s.last
		st.LastRun = &last
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// delayedSchedule fires once after delay, then every interval.
type delayedSchedule struct {
	delay    time.Duration
	interval time.Duration
	started  bool
}

func (d *delayedSchedule) Next(t time.Time) time.Time {
	if !d.started {
		d.started = true
		return t.Add(d.delay)
	}
	return t.Add(d.interval)
}

// cronLogger bridges cron's logger onto slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
