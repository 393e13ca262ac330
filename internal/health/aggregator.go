package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrCheckTimeout is reported when a check outlives the aggregator timeout.
var ErrCheckTimeout = errors.New("health: check timed out")

// DefaultTimeout bounds a full aggregation run.
const DefaultTimeout = 5 * time.Second

// CheckReport is one named result within a Report.
type CheckReport struct {
	Name string
	Result
}

// Report is the outcome of running every registered check.
type Report struct {
	Status    Status
	Timestamp time.Time
	Checks    []CheckReport
}

// Aggregator runs checks in parallel under a shared timeout. The set of
// checks is fixed at construction.
type Aggregator struct {
	timeout  time.Duration
	checkers []Checker
	logger   *slog.Logger
	now      func() time.Time
}

func NewAggregator(timeout time.Duration, logger *slog.Logger, checkers ...Checker) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Aggregator{
		timeout:  timeout,
		checkers: checkers,
		logger:   logger,
		now:      time.Now,
	}
}

// Names lists the registered checks in order.
func (a *Aggregator) Names() []string {
	names := make([]string, len(a.checkers))
	for i, c := range a.checkers {
		names[i] = c.Name()
	}

	return names
}

// Run executes every check and reports the worst status. Timeouts, panics
// and unknown statuses all count as Unhealthy.
func (a *Aggregator) Run(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	checks := make([]CheckReport, len(a.checkers))

	var g errgroup.Group

	for i, c := range a.checkers {
		g.Go(func() error {
			checks[i] = CheckReport{Name: c.Name(), Result: a.runCheck(ctx, c)}
			return nil
		})
	}

	_ = g.Wait()

	overall := StatusHealthy
	for _, c := range checks {
		if c.Status > overall {
			overall = c.Status
		}

		if c.Status == StatusUnhealthy {
			attrs := []any{slog.String("check", c.Name), slog.String("description", c.Description)}
			if c.Err != nil {
				attrs = append(attrs, slog.String("error", c.Err.Error()))
			}

			a.logger.Warn("health check unhealthy", attrs...)
		}
	}

	return Report{Status: overall, Timestamp: a.now().UTC(), Checks: checks}
}

func (a *Aggregator) runCheck(ctx context.Context, c Checker) Result {
	start := time.Now()
	ch := make(chan Result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- Unhealthy("check panicked", fmt.Errorf("panic: %v", p), nil)
			}
		}()

		ch <- c.Check(ctx)
	}()

	var r Result

	select {
	case r = <-ch:
	case <-ctx.Done():
		r = Unhealthy("check timed out", ErrCheckTimeout, nil)
	}

	if !r.Status.valid() {
		r.Status = StatusUnhealthy
	}

	r.Duration = time.Since(start)

	return r
}
