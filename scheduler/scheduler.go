// Package scheduler drives the sampling windows: wait for the trigger,
// attach every collector, sleep, then detach and report.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/collector"
	"github.com/jnesss/stack-analyzer/report"
)

// Gate blocks until the next window may start
type Gate interface {
	Wait(ctx context.Context) error
}

// Target is the sampled process as seen by the loop
type Target interface {
	Alive() bool
	Terminate() error
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configures a Scheduler. Registry, Target and Sink are required.
type Options struct {
	Registry *collector.Registry
	Gate     Gate
	Target   Target
	Sink     report.Sink

	// Window is the length of one sampling window
	Window time.Duration
	// Budget is the total run time; zero runs until cancelled
	Budget time.Duration

	Logger *zap.Logger
	Sleep  SleepFunc
}

type Scheduler struct {
	opts Options
	log  *zap.Logger

	remaining time.Duration
	unlimited bool
	windows   int

	shutdown sync.Once
}

func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil || opts.Target == nil || opts.Sink == nil {
		return nil, errors.New("scheduler needs a registry, a target and a sink")
	}
	if opts.Window <= 0 {
		return nil, errors.New("window must be positive")
	}
	if opts.Budget < 0 {
		return nil, errors.New("budget must not be negative")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	return &Scheduler{
		opts:      opts,
		log:       opts.Logger.Named("scheduler"),
		remaining: opts.Budget,
		unlimited: opts.Budget == 0,
	}, nil
}

// Sleep waits for d, returning early with ctx's error on cancellation
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) hasBudget() bool {
	return s.unlimited || s.remaining > 0
}

// Windows returns the number of completed windows
func (s *Scheduler) Windows() int { return s.windows }

// Run samples window after window until the budget is spent, the target
// is gone or ctx is cancelled. Shutdown always runs before Run returns.
// Cancellation is not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Shutdown()

	for s.hasBudget() && s.opts.Target.Alive() && ctx.Err() == nil {
		if s.opts.Gate != nil {
			if err := s.opts.Gate.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				return err
			}
		}

		if err := s.opts.Registry.AttachAll(); err != nil {
			return err
		}

		if err := s.opts.Sleep(ctx, s.opts.Window); err != nil {
			s.log.Debug("Window interrupted", zap.Int("window", s.windows+1))
			break
		}

		s.opts.Registry.Collect(s.emit)
		s.windows++
		if !s.unlimited {
			s.remaining -= s.opts.Window
		}
	}

	if !s.opts.Target.Alive() {
		s.log.Info("Target is gone", zap.Int("windows", s.windows))
	}
	return nil
}

func (s *Scheduler) emit(r collector.Report) {
	if err := s.opts.Sink.Emit(r); err != nil {
		s.log.Warn("Failed to emit report", zap.String("collector", r.Collector), zap.Error(err))
	}
}

// Shutdown detaches and unloads every collector, emitting final reports
// if run time remained, then terminates a spawned target. Only the first
// call has any effect.
func (s *Scheduler) Shutdown() {
	s.shutdown.Do(func() {
		final := s.hasBudget()
		s.log.Info("Shutting down",
			zap.Int("windows", s.windows),
			zap.Bool("final_report", final))

		s.opts.Registry.Shutdown(final, s.emit)
		if err := s.opts.Target.Terminate(); err != nil {
			s.log.Warn("Failed to terminate target", zap.Error(err))
		}
	})
}
