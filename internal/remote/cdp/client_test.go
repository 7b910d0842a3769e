package cdp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/vigil/internal/remote"
	"github.com/seantiz/vigil/internal/remote/cdp"
)

// noReply tells the fake endpoint to swallow a command without answering.
var noReply = &struct{}{}

type command struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

// fakeEndpoint is a minimal devtools websocket peer. handle returns the
// result object for a command, or a non-empty message to answer with a
// protocol error.
type fakeEndpoint struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(cmd command) (any, string)

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeEndpoint(t *testing.T, handle func(cmd command) (any, string)) *fakeEndpoint {
	t.Helper()
	f := &fakeEndpoint{t: t, handle: handle}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			var cmd command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			result, errMsg := f.handle(cmd)
			if result == noReply {
				continue
			}
			resp := map[string]any{"id": cmd.ID}
			if errMsg != "" {
				resp["error"] = map[string]any{"code": -32000, "message": errMsg}
			} else {
				resp["result"] = result
			}
			f.mu.Lock()
			_ = conn.WriteJSON(resp)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEndpoint) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// push sends an unsolicited event frame to the connected client.
func (f *fakeEndpoint) push(method, sessionID string, params any) {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn != nil {
			f.mu.Lock()
			err := conn.WriteJSON(map[string]any{
				"method": method, "sessionId": sessionID, "params": params,
			})
			f.mu.Unlock()
			if err != nil {
				f.t.Fatalf("push %s: %v", method, err)
			}
			return
		}
		if time.Now().After(deadline) {
			f.t.Fatal("no client connected")
		}
		time.Sleep(time.Millisecond)
	}
}

func dialFake(t *testing.T, f *fakeEndpoint) *cdp.Client {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := cdp.Dial(ctx, f.url(), logger)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEvaluateExpression(t *testing.T) {
	f := newFakeEndpoint(t, func(cmd command) (any, string) {
		if cmd.Method != "Runtime.evaluate" {
			t.Errorf("method = %s, want Runtime.evaluate", cmd.Method)
		}
		if cmd.SessionID != "sess-1" {
			t.Errorf("sessionId = %q, want sess-1", cmd.SessionID)
		}
		var p struct {
			Expression   string `json:"expression"`
			ContextID    int64  `json:"contextId"`
			AwaitPromise bool   `json:"awaitPromise"`
		}
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			t.Errorf("params: %v", err)
		}
		if p.Expression != "document.title" || p.ContextID != 7 || !p.AwaitPromise {
			t.Errorf("params = %+v", p)
		}
		return map[string]any{"result": map[string]any{"type": "string", "value": "hello"}}, ""
	})

	ec := cdp.NewExecContext(dialFake(t, f), "sess-1", 7)
	v, err := ec.Evaluate(context.Background(), remote.Program{
		Kind:   remote.KindExpression,
		Source: "document.title",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v != "hello" {
		t.Errorf("value = %v, want hello", v)
	}
}

func TestFunctionArgumentsForwarded(t *testing.T) {
	f := newFakeEndpoint(t, func(cmd command) (any, string) {
		if cmd.Method != "Runtime.callFunctionOn" {
			t.Errorf("method = %s, want Runtime.callFunctionOn", cmd.Method)
		}
		var p struct {
			FunctionDeclaration string `json:"functionDeclaration"`
			ExecutionContextID  int64  `json:"executionContextId"`
			Arguments           []struct {
				Value json.RawMessage `json:"value"`
			} `json:"arguments"`
		}
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			t.Errorf("params: %v", err)
		}
		if p.ExecutionContextID != 3 || len(p.Arguments) != 2 {
			t.Errorf("params = %+v", p)
		}
		if string(p.Arguments[0].Value) != `"a"` || string(p.Arguments[1].Value) != `2` {
			t.Errorf("arguments = %s, %s", p.Arguments[0].Value, p.Arguments[1].Value)
		}
		return map[string]any{"result": map[string]any{"type": "number", "value": 3}}, ""
	})

	ec := cdp.NewExecContext(dialFake(t, f), "", 3)
	v, err := ec.Evaluate(context.Background(), remote.Program{
		Kind:   remote.KindFunction,
		Source: "(a, b) => b + 1",
	}, "a", 2)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v != float64(3) {
		t.Errorf("value = %v, want 3", v)
	}
}

func TestStaleContextErrorIsTransient(t *testing.T) {
	f := newFakeEndpoint(t, func(cmd command) (any, string) {
		return nil, "Cannot find context with specified id"
	})

	ec := cdp.NewExecContext(dialFake(t, f), "", 9)
	_, err := ec.Evaluate(context.Background(), remote.Program{
		Kind:   remote.KindExpression,
		Source: "1",
	})
	if !remote.IsContextGone(err) {
		t.Errorf("err = %v, want context-gone", err)
	}
}

func TestThrownExceptionClassified(t *testing.T) {
	exceptions := map[string]bool{
		"Execution context was destroyed, most likely because of a navigation.": true,
		"ReferenceError: nope is not defined": false,
	}
	for desc, transient := range exceptions {
		f := newFakeEndpoint(t, func(cmd command) (any, string) {
			return map[string]any{
				"result": map[string]any{"type": "undefined"},
				"exceptionDetails": map[string]any{
					"text":      "Uncaught",
					"exception": map[string]any{"type": "object", "description": desc},
				},
			}, ""
		})

		ec := cdp.NewExecContext(dialFake(t, f), "", 1)
		_, err := ec.Evaluate(context.Background(), remote.Program{
			Kind:   remote.KindExpression,
			Source: "boom()",
		})
		if err == nil {
			t.Fatalf("%q: expected error", desc)
		}
		if remote.IsContextGone(err) != transient {
			t.Errorf("%q: IsContextGone = %v, want %v", desc, !transient, transient)
		}
		if !strings.Contains(err.Error(), desc) {
			t.Errorf("%q: message lost: %v", desc, err)
		}
	}
}

func TestHandleLifecycle(t *testing.T) {
	var releases int
	var mu sync.Mutex
	f := newFakeEndpoint(t, func(cmd command) (any, string) {
		switch cmd.Method {
		case "Runtime.callFunctionOn":
			var p struct {
				ObjectID      string `json:"objectId"`
				ReturnByValue bool   `json:"returnByValue"`
			}
			_ = json.Unmarshal(cmd.Params, &p)
			if p.ObjectID == "" {
				// Initial evaluation: hand back an object reference.
				if p.ReturnByValue {
					t.Error("initial evaluation asked for value")
				}
				return map[string]any{"result": map[string]any{"type": "object", "objectId": "obj-1"}}, ""
			}
			if p.ObjectID != "obj-1" {
				t.Errorf("objectId = %q", p.ObjectID)
			}
			return map[string]any{"result": map[string]any{
				"type":  "object",
				"value": map[string]any{"done": true, "value": "ready"},
			}}, ""
		case "Runtime.releaseObject":
			mu.Lock()
			releases++
			mu.Unlock()
			return map[string]any{}, ""
		default:
			t.Errorf("unexpected method %s", cmd.Method)
			return map[string]any{}, ""
		}
	})

	ec := cdp.NewExecContext(dialFake(t, f), "", 2)
	h, err := ec.EvaluateHandle(context.Background(), remote.Program{
		Kind:   remote.KindFunction,
		Source: "async function () {}",
	})
	if err != nil {
		t.Fatalf("EvaluateHandle: %v", err)
	}

	v, err := h.Value(context.Background())
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	res, ok := v.(remote.PollResult)
	if !ok {
		t.Fatalf("value = %T(%v), want PollResult", v, v)
	}
	if !res.Done || res.Value != "ready" {
		t.Errorf("result = %+v", res)
	}

	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if releases != 1 {
		t.Errorf("releases = %d, want 1", releases)
	}
}

func TestUnserializableValue(t *testing.T) {
	f := newFakeEndpoint(t, func(cmd command) (any, string) {
		return map[string]any{"result": map[string]any{
			"type": "number", "unserializableValue": "NaN",
		}}, ""
	})

	ec := cdp.NewExecContext(dialFake(t, f), "", 1)
	v, err := ec.Evaluate(context.Background(), remote.Program{
		Kind:   remote.KindExpression,
		Source: "0/0",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	n, ok := v.(float64)
	if !ok || !math.IsNaN(n) {
		t.Errorf("value = %v, want NaN", v)
	}
}

func TestCallCanceled(t *testing.T) {
	f := newFakeEndpoint(t, func(cmd command) (any, string) {
		return noReply, ""
	})
	c := dialFake(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "", "Runtime.evaluate", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestCallAfterConnectionLoss(t *testing.T) {
	f := newFakeEndpoint(t, func(cmd command) (any, string) {
		return map[string]any{}, ""
	})
	c := dialFake(t, f)
	f.srv.CloseClientConnections()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}
	if err := c.Call(context.Background(), "", "Runtime.evaluate", nil, nil); err == nil {
		t.Error("Call succeeded on dead connection")
	}
}

func TestWatchContexts(t *testing.T) {
	f := newFakeEndpoint(t, func(cmd command) (any, string) {
		if cmd.Method != "Runtime.enable" {
			t.Errorf("unexpected method %s", cmd.Method)
		}
		return map[string]any{}, ""
	})
	c := dialFake(t, f)

	created := make(chan *cdp.ExecContext, 4)
	cleared := make(chan struct{}, 4)
	detached := make(chan struct{}, 1)
	err := c.WatchContexts(context.Background(), "s1",
		func(ec *cdp.ExecContext) { created <- ec },
		func() { cleared <- struct{}{} },
		func() { detached <- struct{}{} },
	)
	if err != nil {
		t.Fatalf("WatchContexts: %v", err)
	}

	ctxEvent := func(id int, isDefault bool) map[string]any {
		return map[string]any{"context": map[string]any{
			"id": id, "origin": "https://example.com", "name": "",
			"auxData": map[string]any{"isDefault": isDefault},
		}}
	}

	f.push("Runtime.executionContextCreated", "s1", ctxEvent(3, true))
	select {
	case ec := <-created:
		if ec.ID() != 3 {
			t.Errorf("context id = %d, want 3", ec.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onCreated never fired")
	}

	// Isolated worlds and other sessions are not ours.
	f.push("Runtime.executionContextCreated", "s1", ctxEvent(4, false))
	f.push("Runtime.executionContextCreated", "other", ctxEvent(5, true))

	f.push("Runtime.executionContextDestroyed", "s1", map[string]any{"executionContextId": 3})
	select {
	case <-cleared:
	case <-time.After(2 * time.Second):
		t.Fatal("onCleared never fired")
	}

	// Flush with nothing current stays quiet.
	f.push("Runtime.executionContextsCleared", "s1", map[string]any{})
	select {
	case <-cleared:
		t.Fatal("onCleared fired with no current context")
	case ec := <-created:
		t.Fatalf("unexpected context %d", ec.ID())
	case <-time.After(50 * time.Millisecond):
	}

	f.push("Runtime.executionContextCreated", "s1", ctxEvent(6, true))
	select {
	case <-created:
	case <-time.After(2 * time.Second):
		t.Fatal("onCreated never fired for replacement context")
	}

	f.srv.CloseClientConnections()
	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("onDetached never fired")
	}
}
