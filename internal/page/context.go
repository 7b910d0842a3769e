package page

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/seantiz/vigil/internal/remote"
)

// Context is one live execution context on a page. It implements
// remote.Context until the page destroys it, after which every evaluation
// fails with remote.ErrContextDestroyed.
type Context struct {
	page *Page
	id   int
	gone chan struct{}
}

// isGone is safe from any goroutine; gone is only ever closed.
func (c *Context) isGone() bool {
	select {
	case <-c.gone:
		return true
	default:
		return false
	}
}

type evalOutcome struct {
	value any
	err   error
}

// Evaluate runs prog on the page loop and returns its result by value.
func (c *Context) Evaluate(ctx context.Context, prog remote.Program, args ...any) (any, error) {
	h, err := c.EvaluateHandle(ctx, prog, args...)
	if err != nil {
		return nil, err
	}
	defer h.Release(context.Background())
	return h.Value(ctx)
}

// EvaluateHandle runs prog on the page loop and returns a handle to its
// result. Async programs (poll loops) keep running on the loop's scheduling
// primitives until they settle; destruction of the context aborts them.
func (c *Context) EvaluateHandle(ctx context.Context, prog remote.Program, args ...any) (remote.Handle, error) {
	res := make(chan evalOutcome, 1)
	c.page.post(func() {
		if c.isGone() {
			res <- evalOutcome{err: c.goneErr()}
			return
		}
		if prog.Async != nil {
			settled := false
			prog.Async(env{c: c}, args, func(v any, err error) {
				if settled {
					return
				}
				settled = true
				res <- evalOutcome{value: v, err: err}
			})
			return
		}
		v, err := c.call(prog, args)
		res <- evalOutcome{value: v, err: err}
	})

	select {
	case out := <-res:
		if out.err != nil {
			return nil, out.err
		}
		return &Handle{value: out.value}, nil
	case <-c.gone:
		return nil, c.goneErr()
	case <-c.page.quit:
		return nil, c.goneErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Context) goneErr() error {
	return fmt.Errorf("page %s context %d: %w", c.page.name, c.id, remote.ErrContextDestroyed)
}

// call invokes a predicate program synchronously. Runs on the loop.
func (c *Context) call(prog remote.Program, args []any) (any, error) {
	switch {
	case prog.Fn != nil:
		if prog.Kind == remote.KindExpression {
			return prog.Fn(nil)
		}
		return prog.Fn(args)
	case prog.Kind == remote.KindExpression && prog.Source != "":
		// Expressions address document keys; absent keys read as nil.
		return c.page.doc[prog.Source], nil
	default:
		return nil, fmt.Errorf("page %s: program has no native body", c.page.name)
	}
}

// env adapts a context to the scheduling primitives async programs expect.
// Every callback it schedules runs on the page loop and is dropped once the
// owning context is gone.
type env struct {
	c *Context
}

func (e env) SetTimeout(d time.Duration, fn func()) (cancel func()) {
	c := e.c
	t := time.AfterFunc(d, func() {
		c.page.post(func() {
			if !c.isGone() {
				fn()
			}
		})
	})
	return func() { t.Stop() }
}

func (e env) RequestFrame(fn func()) (cancel func()) {
	sub := &frameSub{ctx: e.c, fn: fn}
	e.c.page.frames = append(e.c.page.frames, sub)
	return func() { sub.canceled = true }
}

func (e env) ObserveMutations(fn func()) (stop func()) {
	p := e.c.page
	p.nextSubID++
	id := p.nextSubID
	p.observers[id] = &mutSub{ctx: e.c, fn: fn}
	return func() { delete(p.observers, id) }
}

func (e env) Call(prog remote.Program, args []any) (any, error) {
	return e.c.call(prog, args)
}

// Handle wraps a value produced by an evaluation. Release is tracked so leak
// checks in tests can assert disposal.
type Handle struct {
	value    any
	released atomic.Bool
}

// Value returns the wrapped value.
func (h *Handle) Value(_ context.Context) (any, error) {
	return h.value, nil
}

// Release marks the handle disposed.
func (h *Handle) Release(_ context.Context) error {
	h.released.Store(true)
	return nil
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	return h.released.Load()
}
