// Package wait implements the condition-wait engine: a world that owns the
// live execution context for one frame, the set of outstanding wait tasks
// bound to it, and the rebinding that keeps those tasks converging on
// whichever context the frame currently has.
package wait

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/vigil/internal/remote"
)

// World owns the current execution context (or its absence) and every
// outstanding wait task. It is the single writer of the context: tasks read
// it only at the moment an evaluation attempt is issued.
type World struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	rc       remote.Context
	tasks    map[*Task]struct{}
	detached bool
}

// NewWorld creates an empty world with no bound context.
func NewWorld(name string, logger *slog.Logger) *World {
	return &World{
		name:   name,
		logger: logger,
		tasks:  make(map[*Task]struct{}),
	}
}

// Name returns the world's identifier.
func (w *World) Name() string { return w.name }

// Bind installs rc as the current context and reruns every outstanding task
// against it. Attempts are issued in a stable order per task but evaluate
// concurrently; none blocks another.
func (w *World) Bind(rc remote.Context) {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	w.rc = rc
	tasks := w.snapshot()
	w.mu.Unlock()

	w.logger.Debug("context bound", "world", w.name, "outstanding", len(tasks))
	for _, t := range tasks {
		t.rerun(rc)
	}
}

// Unbind clears the current context. Outstanding tasks stay queued for the
// next Bind; nothing evaluates while the context is absent.
func (w *World) Unbind() {
	w.mu.Lock()
	w.rc = nil
	w.mu.Unlock()
	w.logger.Debug("context cleared", "world", w.name)
}

// Detach marks the world permanently gone: every outstanding task terminates
// with ErrDetached and no further waits can be scheduled. Idempotent.
func (w *World) Detach() {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	w.detached = true
	w.rc = nil
	tasks := w.snapshot()
	w.mu.Unlock()

	w.logger.Info("world detached", "world", w.name, "terminated", len(tasks))
	for _, t := range tasks {
		t.Terminate(fmt.Errorf("%w: world %s", ErrDetached, w.name))
	}
}

// HasContext reports whether a context is currently bound. Collaborators use
// it to avoid issuing dependent lookups while no context exists.
func (w *World) HasContext() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rc != nil
}

// Outstanding returns the number of tasks awaiting settlement.
func (w *World) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// Schedule registers a new wait task and, when a context is bound, issues its
// first evaluation attempt immediately. Validation failures and scheduling on
// a detached world surface synchronously.
func (w *World) Schedule(p Params) (*Task, error) {
	t, err := newTask(p, w.remove)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		// Disarm the timer newTask may have started.
		t.Terminate(fmt.Errorf("%w: world %s", ErrDetached, w.name))
		return nil, fmt.Errorf("%w: world %s", ErrDetached, w.name)
	}
	w.tasks[t] = struct{}{}
	rc := w.rc
	w.mu.Unlock()

	// A timeout shorter than this call may have settled the task before it
	// was inserted; its cleanup ran against an empty set, so drop it here.
	if t.settled() {
		w.remove(t)
	}

	waitsScheduled.Inc()
	w.logger.Debug("wait scheduled",
		"world", w.name,
		"title", t.title,
		"polling", p.Polling.String(),
		"timeout", p.Timeout,
	)

	if rc != nil {
		t.rerun(rc)
	}
	return t, nil
}

// remove drops a settled task from the outstanding set.
func (w *World) remove(t *Task) {
	w.mu.Lock()
	delete(w.tasks, t)
	w.mu.Unlock()
}

// snapshot copies the outstanding set; callers hold w.mu.
func (w *World) snapshot() []*Task {
	tasks := make([]*Task, 0, len(w.tasks))
	for t := range w.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}
