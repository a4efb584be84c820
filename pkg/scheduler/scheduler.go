// Package scheduler runs link phases in order and fans the parallel ones
// out over a bounded set of workers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Phase uint8

const (
	PhaseParse Phase = iota
	PhaseMerge
	PhaseLayout
	PhaseRelocate
	PhaseEmit
)

func (p Phase) String() string {
	switch p {
	case PhaseParse:
		return "parse"
	case PhaseMerge:
		return "merge"
	case PhaseLayout:
		return "layout"
	case PhaseRelocate:
		return "relocate"
	case PhaseEmit:
		return "emit"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// TaskError is the failure of one task of a parallel phase.
type TaskError struct {
	Phase Phase
	Index int
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s phase: task %d: %v", e.Phase, e.Index, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

type Scheduler struct {
	workers int
	logger  *slog.Logger
}

// New clamps workers to [1, runtime.NumCPU()]; zero or less means all
// CPUs. A nil logger discards.
func New(workers int, logger *slog.Logger) *Scheduler {
	n := runtime.NumCPU()
	if workers <= 0 || workers > n {
		workers = n
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{workers: workers, logger: logger}
}

func (s *Scheduler) Workers() int { return s.workers }

func (s *Scheduler) Logger() *slog.Logger { return s.logger }

// Map runs task(ctx, i) for i in [0, n) with at most Workers() tasks in
// flight, dispatching in index order. Once task i fails no task with a
// larger index is started, while smaller indices still run, so the error
// returned is always the lowest failing index regardless of timing.
func Map[T any](ctx context.Context, s *Scheduler, phase Phase, n int,
	task func(ctx context.Context, i int) (T, error)) ([]T, error) {
	results := make([]T, n)
	errs := make([]error, n)
	var failed atomic.Int64
	failed.Store(int64(n))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil || int64(i) > failed.Load() {
			break
		}
		g.Go(func() error {
			if int64(i) > failed.Load() || ctx.Err() != nil {
				return nil
			}
			v, err := task(ctx, i)
			if err != nil {
				errs[i] = err
				for {
					cur := failed.Load()
					if int64(i) >= cur || failed.CompareAndSwap(cur, int64(i)) {
						break
					}
				}
				return nil
			}
			results[i] = v
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f := failed.Load(); f < int64(n) {
		return nil, &TaskError{Phase: phase, Index: int(f), Err: errs[f]}
	}
	return results, nil
}

// Each is Map for tasks without a result.
func Each(ctx context.Context, s *Scheduler, phase Phase, n int, task func(ctx context.Context, i int) error) error {
	_, err := Map(ctx, s, phase, n, func(ctx context.Context, i int) (struct{}, error) {
		return struct{}{}, task(ctx, i)
	})
	return err
}

type step struct {
	phase Phase
	run   func(ctx context.Context) error
}

// Pipeline is an ordered list of phases with a barrier between each: a
// phase starts only after the previous one returned.
type Pipeline struct {
	s     *Scheduler
	steps []step
}

func (s *Scheduler) Pipeline() *Pipeline {
	return &Pipeline{s: s}
}

func (p *Pipeline) Add(phase Phase, run func(ctx context.Context) error) *Pipeline {
	p.steps = append(p.steps, step{phase: phase, run: run})
	return p
}

// Run executes the phases in order and stops at the first failure.
func (p *Pipeline) Run(ctx context.Context) error {
	for _, st := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		p.s.logger.Debug("phase started", "phase", st.phase, "workers", p.s.workers)
		if err := st.run(ctx); err != nil {
			p.s.logger.Debug("phase failed", "phase", st.phase, "elapsed", time.Since(start))
			return err
		}
		p.s.logger.Debug("phase finished", "phase", st.phase, "elapsed", time.Since(start))
	}
	return nil
}
