// Package remote defines the boundary to a live execution context: the
// evaluation contract, the canonical program forms, and the scheduling
// primitives an environment exposes to natively hosted programs.
package remote

import (
	"context"
	"time"
)

// ProgramKind distinguishes the two canonical predicate forms.
type ProgramKind string

const (
	// KindExpression is a bare expression evaluated and returned directly;
	// arguments are not applied.
	KindExpression ProgramKind = "expression"
	// KindFunction is a callable body invoked with the supplied arguments
	// spread positionally.
	KindFunction ProgramKind = "function"
)

// NativeFunc is a synchronous program body hosted by an in-process environment.
type NativeFunc func(args []any) (any, error)

// Settle delivers the outcome of an async program. An environment ignores
// every call after the first.
type Settle func(value any, err error)

// AsyncFunc is a program body that completes asynchronously on the
// environment's own scheduling primitives. Poll loops take this form.
type AsyncFunc func(env Env, args []any, settle Settle)

// Program is a predicate or poll loop in canonical form. Source carries the
// text shipped to wire transports; Fn or Async carries the native body run by
// in-process environments. At least one representation must be set.
type Program struct {
	Kind   ProgramKind
	Source string
	Fn     NativeFunc
	Async  AsyncFunc
}

// Env exposes an execution environment's scheduling primitives to async
// native programs. Wire transports never implement it; their programs run
// remotely from Source instead. All Env methods and every callback they
// schedule execute on the environment's single cooperative thread.
type Env interface {
	// SetTimeout schedules fn after d on the environment's clock.
	SetTimeout(d time.Duration, fn func()) (cancel func())
	// RequestFrame schedules fn once on the next frame callback.
	RequestFrame(fn func()) (cancel func())
	// ObserveMutations invokes fn on every mutation batch until stopped.
	ObserveMutations(fn func()) (stop func())
	// Call invokes a predicate program synchronously in this context.
	Call(prog Program, args []any) (any, error)
}

// PollResult is the envelope a poll program resolves with. Done false means
// the poller's own timeout flag fired before the predicate matched; such a
// result must never reach a caller.
type PollResult struct {
	Done  bool
	Value any
}

// Handle is a reference to a value held inside the remote environment.
// A handle that is not delivered to a caller must be released, or the
// remote side leaks it.
type Handle interface {
	Value(ctx context.Context) (any, error)
	Release(ctx context.Context) error
}

// Context is one live, addressable execution context. It may be destroyed at
// any time, in which case in-flight evaluations fail with a context-gone
// error (see IsContextGone).
type Context interface {
	// Evaluate runs prog and returns its result by value.
	Evaluate(ctx context.Context, prog Program, args ...any) (any, error)
	// EvaluateHandle runs prog and returns a handle to the result. The
	// caller owns the handle and must release it.
	EvaluateHandle(ctx context.Context, prog Program, args ...any) (Handle, error)
}
