// Package scheduler drives the evaluation cycle on a fixed interval.
//
// Cycles never overlap: the next tick is only armed after the running cycle
// returns. When a cycle outlives one or more tick boundaries the missed ticks
// are skipped, not queued, so per-cycle latency is unbounded but the loop
// never piles up work.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CycleFunc is invoked once per tick with the tick's timestamp.
type CycleFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires the first cycle right away instead of waiting a full interval.
	RunImmediately bool
	// OnSkip is told how many ticks were dropped because a cycle overran.
	OnSkip func(skipped int)
}

// Scheduler drives interval execution of evaluation cycles.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger(), now: time.Now}
}

// Run blocks, invoking cycle at each interval until ctx is cancelled.
// Errors from cycle are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, cycle CycleFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(s.now().UTC())
	if s.opts.RunImmediately {
		next = s.now().UTC()
	}

	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			skipped := s.missedTicks(next, s.now().UTC())
			if skipped > 0 {
				s.logger.Warn().Int("skipped", skipped).Time("missed_tick", next).Msg("cycle overran interval; skipping ticks")
				if s.opts.OnSkip != nil {
					s.opts.OnSkip(skipped)
				}
				next = s.nextTick(s.now().UTC())
				delay = next.Sub(s.now())
			}
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		at := s.tickStart(next)
		s.logger.Debug().Time("tick", at).Msg("executing scheduled cycle")

		if err := s.runCycle(ctx, at, cycle); err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("cycle execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

// runCycle turns a panicking cycle into an error so the loop keeps ticking.
func (s *Scheduler) runCycle(ctx context.Context, at time.Time, cycle CycleFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return cycle(ctx, at)
}

// missedTicks counts whole intervals elapsed past the scheduled tick.
func (s *Scheduler) missedTicks(scheduled, now time.Time) int {
	if !now.After(scheduled) {
		return 0
	}
	return int(now.Sub(scheduled) / s.opts.Interval)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	tick := now.Truncate(s.opts.Interval)
	if !tick.After(now) {
		tick = tick.Add(s.opts.Interval)
	}
	return tick
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t.UTC()
	}
	return t.UTC().Truncate(s.opts.Interval)
}
