package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/seantiz/vigil/internal/remote"
)

// remoteObject is the protocol's mirrored value representation.
type remoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
	Description         string          `json:"description,omitempty"`
}

type exceptionDetails struct {
	Text      string        `json:"text"`
	Exception *remoteObject `json:"exception,omitempty"`
}

func (e *exceptionDetails) message() string {
	if e.Exception != nil && e.Exception.Description != "" {
		return e.Exception.Description
	}
	return e.Text
}

type evaluateResult struct {
	Result           remoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}

type callArgument struct {
	Value json.RawMessage `json:"value"`
}

type evaluateParams struct {
	Expression    string `json:"expression"`
	ContextID     int64  `json:"contextId,omitempty"`
	ReturnByValue bool   `json:"returnByValue"`
	AwaitPromise  bool   `json:"awaitPromise"`
}

type callFunctionOnParams struct {
	FunctionDeclaration string         `json:"functionDeclaration"`
	ExecutionContextID  int64          `json:"executionContextId,omitempty"`
	ObjectID            string         `json:"objectId,omitempty"`
	Arguments           []callArgument `json:"arguments,omitempty"`
	ReturnByValue       bool           `json:"returnByValue"`
	AwaitPromise        bool           `json:"awaitPromise"`
}

type releaseObjectParams struct {
	ObjectID string `json:"objectId"`
}

// ExecContext is one browser execution context reached through a devtools
// session. It satisfies the remote evaluation contract; programs run from
// their Source text.
type ExecContext struct {
	client    *Client
	sessionID string
	id        int64
}

var _ remote.Context = (*ExecContext)(nil)

// NewExecContext wraps the execution context with the given protocol id.
func NewExecContext(client *Client, sessionID string, id int64) *ExecContext {
	return &ExecContext{client: client, sessionID: sessionID, id: id}
}

// ID returns the protocol execution context id.
func (c *ExecContext) ID() int64 { return c.id }

// Evaluate runs prog in this context and returns its result by value.
func (c *ExecContext) Evaluate(ctx context.Context, prog remote.Program, args ...any) (any, error) {
	res, err := c.run(ctx, prog, args, true)
	if err != nil {
		return nil, err
	}
	return decodeValue(res.Result)
}

// EvaluateHandle runs prog and returns a handle to the result, keeping the
// value on the browser side until the handle is read or released.
func (c *ExecContext) EvaluateHandle(ctx context.Context, prog remote.Program, args ...any) (remote.Handle, error) {
	res, err := c.run(ctx, prog, args, false)
	if err != nil {
		return nil, err
	}
	if res.Result.ObjectID != "" {
		return &objectHandle{ctx: c, objectID: res.Result.ObjectID}, nil
	}
	// Primitives come back inline even without returnByValue.
	v, err := decodeValue(res.Result)
	if err != nil {
		return nil, err
	}
	return valueHandle{v: v}, nil
}

func (c *ExecContext) run(ctx context.Context, prog remote.Program, args []any, byValue bool) (*evaluateResult, error) {
	if prog.Source == "" {
		return nil, fmt.Errorf("cdp: program has no source text")
	}

	var res evaluateResult
	switch prog.Kind {
	case remote.KindExpression:
		err := c.client.Call(ctx, c.sessionID, "Runtime.evaluate", evaluateParams{
			Expression:    prog.Source,
			ContextID:     c.id,
			ReturnByValue: byValue,
			AwaitPromise:  true,
		}, &res)
		if err != nil {
			return nil, err
		}
	default:
		callArgs, err := encodeArguments(args)
		if err != nil {
			return nil, err
		}
		err = c.client.Call(ctx, c.sessionID, "Runtime.callFunctionOn", callFunctionOnParams{
			FunctionDeclaration: prog.Source,
			ExecutionContextID:  c.id,
			Arguments:           callArgs,
			ReturnByValue:       byValue,
			AwaitPromise:        true,
		}, &res)
		if err != nil {
			return nil, err
		}
	}

	if res.ExceptionDetails != nil {
		return nil, remote.Classify(res.ExceptionDetails.message())
	}
	return &res, nil
}

func encodeArguments(args []any) ([]callArgument, error) {
	out := make([]callArgument, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		out[i] = callArgument{Value: raw}
	}
	return out, nil
}

func decodeValue(obj remoteObject) (any, error) {
	switch obj.UnserializableValue {
	case "":
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	case "-0":
		return math.Copysign(0, -1), nil
	default:
		return nil, fmt.Errorf("cdp: unserializable value %q", obj.UnserializableValue)
	}
	if len(obj.Value) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(obj.Value, &v); err != nil {
		return nil, fmt.Errorf("decoding remote value: %w", err)
	}
	return pollEnvelope(v), nil
}

// pollEnvelope maps the {done, value} object poll programs resolve with back
// onto the envelope in-process environments deliver directly. Anything else
// passes through untouched.
func pollEnvelope(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) > 2 {
		return v
	}
	done, ok := m["done"].(bool)
	if !ok {
		return v
	}
	value, hasValue := m["value"]
	if len(m) == 2 && !hasValue {
		return v
	}
	return remote.PollResult{Done: done, Value: value}
}

// objectHandle references a value held in the browser.
type objectHandle struct {
	ctx      *ExecContext
	objectID string
	released atomic.Bool
}

func (h *objectHandle) Value(ctx context.Context) (any, error) {
	var res evaluateResult
	err := h.ctx.client.Call(ctx, h.ctx.sessionID, "Runtime.callFunctionOn", callFunctionOnParams{
		FunctionDeclaration: "function () { return this; }",
		ObjectID:            h.objectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, remote.Classify(res.ExceptionDetails.message())
	}
	return decodeValue(res.Result)
}

func (h *objectHandle) Release(ctx context.Context) error {
	if h.released.Swap(true) {
		return nil
	}
	return h.ctx.client.Call(ctx, h.ctx.sessionID, "Runtime.releaseObject",
		releaseObjectParams{ObjectID: h.objectID}, nil)
}

// valueHandle wraps a primitive that came back inline; nothing to release.
type valueHandle struct{ v any }

func (h valueHandle) Value(context.Context) (any, error) { return h.v, nil }
func (h valueHandle) Release(context.Context) error      { return nil }
