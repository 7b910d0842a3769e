package wait

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/poller"
	"github.com/seantiz/vigil/internal/remote"
)

// Params describes one condition-wait request.
type Params struct {
	// Title names what is being waited for; it appears in timeout errors.
	Title string
	// Predicate is the condition in canonical form.
	Predicate remote.Program
	// Polling selects the detection strategy inside the environment.
	Polling model.Polling
	// Timeout is the deadline enforced by the task's own clock, independent
	// of the remote environment. Zero disables it.
	Timeout time.Duration
	// Args are positional arguments applied to function predicates.
	Args []any
}

// Task is one outstanding condition-wait. Its future settles exactly once:
// with the first truthy predicate value, with a timeout, or with a terminal
// error. Until then the task survives any number of context replacements.
type Task struct {
	title   string
	program remote.Program
	args    []any

	// ctx bounds in-flight evaluations; canceled at settlement.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	runs     uint64
	terminal bool
	timer    *time.Timer
	value    any
	err      error

	done        chan struct{}
	cleanup     func(*Task)
	scheduledAt time.Time
}

// newTask validates params, normalizes the predicate into a poll program once,
// and arms the local timeout timer. The timer runs from construction, not from
// the first evaluation attempt.
func newTask(p Params, cleanup func(*Task)) (*Task, error) {
	prog, err := poller.Build(poller.Spec{
		Predicate: p.Predicate,
		Polling:   p.Polling,
		Timeout:   p.Timeout,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		title:       p.Title,
		program:     prog,
		args:        p.Args,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		cleanup:     cleanup,
		scheduledAt: time.Now(),
	}
	if t.title == "" {
		t.title = "condition"
	}
	if p.Timeout > 0 {
		timeout := p.Timeout
		// Arm under the lock: a short enough timer fires before the
		// assignment would otherwise be visible to settle.
		t.mu.Lock()
		t.timer = time.AfterFunc(timeout, func() {
			t.settle(0, nil, &TimeoutError{Title: t.title, Timeout: timeout})
		})
		t.mu.Unlock()
	}
	return t, nil
}

// Title returns the wait's descriptive title.
func (t *Task) Title() string { return t.title }

// Done is closed once the task has settled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the task's outcome. Valid only after Done is closed.
func (t *Task) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.err
}

// Runs reports how many evaluation attempts have been issued so far.
func (t *Task) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.runs)
}

// Wait blocks until the task settles or ctx is done.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Terminate settles the task with err, cancels its timer and any in-flight
// evaluation, and removes it from its world. No-op when already settled.
func (t *Task) Terminate(err error) {
	t.settle(0, nil, err)
}

// rerun issues the next evaluation attempt against rc. The run counter is
// bumped synchronously so attempts issued by successive binds stay ordered;
// the evaluation itself runs in its own goroutine and never blocks a sibling.
func (t *Task) rerun(rc remote.Context) {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return
	}
	t.runs++
	n := t.runs
	t.mu.Unlock()

	rerunsTotal.Inc()
	go t.evaluate(rc, n)
}

// evaluate performs one remote poll and interprets its outcome. Anything that
// arrives after the task settled, or after a later attempt was issued, is
// released and discarded: a stale evaluation from a dead context must never
// settle a task that has moved on.
func (t *Task) evaluate(rc remote.Context, n uint64) {
	h, err := rc.EvaluateHandle(t.ctx, t.program, t.args...)
	if err != nil {
		if discardable(err) {
			// The environment went away mid-flight; the next bind retries.
			return
		}
		t.settle(n, nil, err)
		return
	}

	if t.stale(n) {
		h.Release(context.Background())
		staleDiscards.Inc()
		return
	}

	v, err := h.Value(t.ctx)
	if err != nil {
		h.Release(context.Background())
		if discardable(err) {
			return
		}
		t.settle(n, nil, err)
		return
	}

	res, ok := v.(remote.PollResult)
	if !ok {
		res = remote.PollResult{Done: true, Value: v}
	}
	if !res.Done {
		// The remote poller's own timeout flag fired with no match. This is
		// not a success; stay pending and wait for the next bind.
		h.Release(context.Background())
		return
	}

	delivered := t.settle(n, res.Value, nil)
	h.Release(context.Background())
	if !delivered {
		staleDiscards.Inc()
	}
}

// discardable reports whether an evaluation error should be absorbed rather
// than delivered: transient environment teardown, or our own cancellation at
// settlement.
func discardable(err error) bool {
	return remote.IsContextGone(err) || errors.Is(err, context.Canceled)
}

// settled reports whether the task has reached its terminal state.
func (t *Task) settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}

// stale reports whether attempt n no longer speaks for the task.
func (t *Task) stale(n uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal || t.runs != n
}

// settle delivers the task's single outcome. n > 0 restricts delivery to the
// most recently issued attempt; n == 0 is unconditional (timeout, terminate).
// Returns false when the task had already settled or the attempt was
// superseded.
func (t *Task) settle(n uint64, v any, err error) bool {
	t.mu.Lock()
	if t.terminal || (n != 0 && t.runs != n) {
		t.mu.Unlock()
		return false
	}
	t.terminal = true
	t.value = v
	t.err = err
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	t.cancel()
	close(t.done)
	if t.cleanup != nil {
		t.cleanup(t)
	}
	observeSettled(err, time.Since(t.scheduledAt))
	return true
}
