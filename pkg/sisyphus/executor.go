// Package sisyphus applies one mutating step at a time and polls a typed
// predicate until the host reports the intended post-state, within a finite
// attempt budget.
package sisyphus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/tartarus-sandbox/styx/pkg/hermes"
)

const (
	DefaultInterval = time.Second
	DefaultAttempts = 30
)

// Predicate reports whether the intended state holds, together with a short
// description of what was observed.
type Predicate func(ctx context.Context) (ok bool, observed string, err error)

// Step is one idempotent mutation plus the predicate that confirms it.
type Step struct {
	Name   string
	Action func(ctx context.Context) error
	Verify Predicate
}

// StepFailedError carries the step name and the last state observed before
// the step was given up on.
type StepFailedError struct {
	Step         string
	LastObserved string
	Err          error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %s failed (last observed: %s): %v", e.Step, e.LastObserved, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }

// ErrNotConverged is the cause recorded when the attempt budget runs out.
var ErrNotConverged = errors.New("state did not converge")

type Executor struct {
	Interval time.Duration
	Attempts uint
	Logger   hermes.Logger
	Metrics  hermes.Metrics
}

func New(interval time.Duration, attempts uint, logger hermes.Logger, metrics hermes.Metrics) *Executor {
	return &Executor{
		Interval: interval,
		Attempts: attempts,
		Logger:   logger,
		Metrics:  metrics,
	}
}

// Ensure skips the action when the predicate already holds. It reports
// whether the action ran.
func (e *Executor) Ensure(ctx context.Context, step Step) (bool, error) {
	ok, observed, err := step.Verify(ctx)
	if err != nil {
		return false, &StepFailedError{Step: step.Name, LastObserved: observed, Err: err}
	}
	if ok {
		e.Logger.Debug(ctx, "Step already satisfied", map[string]any{"step": step.Name, "observed": observed})
		return false, nil
	}
	return true, e.Apply(ctx, step)
}

// Apply runs the action once, then polls Verify. The return code of the
// action is not trusted as proof of the post-state.
func (e *Executor) Apply(ctx context.Context, step Step) error {
	start := time.Now()
	defer func() {
		e.Metrics.ObserveHistogram("styx_step_duration_seconds", time.Since(start).Seconds(), hermes.Label{Key: "step", Value: step.Name})
	}()

	e.Logger.Info(ctx, "Applying step", map[string]any{"step": step.Name})

	if err := step.Action(ctx); err != nil {
		_, observed, _ := step.Verify(ctx)
		return e.fail(ctx, step.Name, observed, err)
	}

	observed, err := e.poll(ctx, step)
	if err != nil {
		return e.fail(ctx, step.Name, observed, err)
	}
	e.Logger.Debug(ctx, "Step converged", map[string]any{"step": step.Name, "observed": observed})
	return nil
}

func (e *Executor) poll(ctx context.Context, step Step) (string, error) {
	var observed string
	err := retry.Do(
		func() error {
			e.Metrics.IncCounter("styx_step_attempts_total", 1, hermes.Label{Key: "step", Value: step.Name})
			ok, obs, err := step.Verify(ctx)
			observed = obs
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotConverged
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(e.attempts()),
		retry.Delay(e.interval()),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			e.Logger.Debug(ctx, "Step not converged yet", map[string]any{
				"step":     step.Name,
				"attempt":  n + 1,
				"observed": observed,
				"error":    err.Error(),
			})
		}),
		retry.LastErrorOnly(true),
	)
	return observed, err
}

func (e *Executor) fail(ctx context.Context, name, observed string, err error) error {
	e.Metrics.IncCounter("styx_step_failures_total", 1, hermes.Label{Key: "step", Value: name})
	e.Logger.Error(ctx, "Step failed", map[string]any{"step": name, "observed": observed, "error": err.Error()})
	return &StepFailedError{Step: name, LastObserved: observed, Err: err}
}

// retry-go treats zero attempts as unbounded; never pass it through.
func (e *Executor) attempts() uint {
	if e.Attempts == 0 {
		return DefaultAttempts
	}
	return e.Attempts
}

func (e *Executor) interval() time.Duration {
	if e.Interval <= 0 {
		return DefaultInterval
	}
	return e.Interval
}
