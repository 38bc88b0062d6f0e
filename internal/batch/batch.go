// Package batch runs independent units of work with bounded parallelism.
// A unit that fails or panics is logged and counted; it never stops its
// siblings.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"desitarget/internal/logging"
)

// Func processes one unit.
type Func func(ctx context.Context, unit string) error

// Runner executes units. The zero value runs one unit at a time and logs
// nothing.
type Runner struct {
	Workers int
	Logger  *zap.Logger
}

// Failure is one unit's error.
type Failure struct {
	Unit string `json:"unit"`
	Err  error  `json:"-"`
}

// Report summarises a run.
type Report struct {
	Units     int
	Succeeded int
	Failed    int
	// Skipped counts units cut short or never started because the context ended.
	Skipped  int
	Failures []Failure
	Elapsed  time.Duration
}

// Err joins every unit failure, or returns nil when all units succeeded.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = fmt.Errorf("%s: %w", f.Unit, f.Err)
	}
	return errors.Join(errs...)
}

// PanicError wraps a panic raised by a unit.
type PanicError struct {
	Value any
	Stack []byte
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Run calls fn for each unit. It returns once every started unit finished.
func (r Runner) Run(ctx context.Context, units []string, fn Func) Report {
	log := logging.OrNop(r.Logger)
	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	start := time.Now()

	var (
		mu  sync.Mutex
		rep = Report{Units: len(units)}
	)
	record := func(unit string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			rep.Succeeded++
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			rep.Skipped++
		default:
			rep.Failed++
			rep.Failures = append(rep.Failures, Failure{Unit: unit, Err: err})
		}
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, unit := range units {
		if ctx.Err() != nil {
			record(unit, context.Canceled)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				record(unit, context.Canceled)
				return nil
			}
			err := runUnit(ctx, unit, fn)
			if err != nil {
				log.Error("unit failed", zap.String("unit", unit), zap.Error(err))
			} else {
				log.Debug("unit done", zap.String("unit", unit))
			}
			record(unit, err)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(rep.Failures, func(i, j int) bool { return rep.Failures[i].Unit < rep.Failures[j].Unit })
	rep.Elapsed = time.Since(start)
	log.Info("batch finished",
		zap.Int("units", rep.Units),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int("skipped", rep.Skipped),
		zap.Duration("elapsed", rep.Elapsed))
	return rep
}

func runUnit(ctx context.Context, unit string, fn Func) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, unit)
}
