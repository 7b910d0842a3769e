// Package poller implements the condition-detection loop that runs inside an
// execution environment: evaluate a predicate immediately, then re-evaluate
// on frame callbacks, mutation batches, or a fixed cadence until it returns
// a truthy value or the poll's own timeout flag fires.
package poller

import (
	"fmt"
	"math"
	"time"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/remote"
)

// Spec describes one poll loop: the predicate in canonical form, the polling
// strategy, the environment-side timeout (0 = none), and how many positional
// arguments the predicate receives.
type Spec struct {
	Predicate remote.Program
	Polling   model.Polling
	Timeout   time.Duration
}

// Build wraps spec into a single program suitable for Context.EvaluateHandle.
// The program resolves with a remote.PollResult: Done true carrying the first
// truthy predicate value, or Done false once the timeout flag is seen. A
// predicate error aborts the loop and propagates.
func Build(spec Spec) (remote.Program, error) {
	if err := spec.Polling.Validate(); err != nil {
		return remote.Program{}, err
	}
	prog := remote.Program{
		Kind:  remote.KindFunction,
		Async: loop(spec),
	}
	if spec.Predicate.Source != "" {
		prog.Source = Script(spec)
	}
	return prog, nil
}

// loop returns the native poll body run by in-process environments. It
// executes entirely on the environment's cooperative thread, so the flags
// below need no synchronization.
func loop(spec Spec) remote.AsyncFunc {
	return func(env remote.Env, args []any, settle remote.Settle) {
		var (
			timedOut      bool
			settled       bool
			cancel        func()
			cancelTimeout func()
		)

		finish := func(res remote.PollResult, err error) {
			if settled {
				return
			}
			settled = true
			if cancel != nil {
				cancel()
			}
			if cancelTimeout != nil {
				cancelTimeout()
			}
			if err != nil {
				settle(nil, err)
				return
			}
			settle(res, nil)
		}

		if spec.Timeout > 0 {
			cancelTimeout = env.SetTimeout(spec.Timeout, func() { timedOut = true })
		}

		// schedule arms the next evaluation for the raf and interval modes;
		// the mutation mode subscribes once instead.
		var schedule func()

		tick := func() {
			if settled {
				return
			}
			if timedOut {
				finish(remote.PollResult{}, nil)
				return
			}
			v, err := env.Call(spec.Predicate, args)
			if err != nil {
				finish(remote.PollResult{}, err)
				return
			}
			if Truthy(v) {
				finish(remote.PollResult{Done: true, Value: v}, nil)
				return
			}
			if schedule != nil {
				schedule()
			}
		}

		switch spec.Polling.Mode {
		case model.PollRAF:
			schedule = func() { cancel = env.RequestFrame(tick) }
			tick()
		case model.PollInterval:
			interval := spec.Polling.Interval
			schedule = func() { cancel = env.SetTimeout(interval, tick) }
			tick()
		case model.PollMutation:
			tick()
			if !settled {
				cancel = env.ObserveMutations(tick)
			}
		default:
			finish(remote.PollResult{}, fmt.Errorf("%w: %q", model.ErrInvalidPolling, spec.Polling.Mode))
		}
	}
}

// Truthy reports whether a predicate result counts as a match. It mirrors the
// environment-side notion of truthiness: nil, false, zero numbers, NaN, and
// empty strings are not matches. Everything else, including empty slices and
// maps, is.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0 && !math.IsNaN(float64(x))
	case float64:
		return x != 0 && !math.IsNaN(x)
	default:
		return true
	}
}
