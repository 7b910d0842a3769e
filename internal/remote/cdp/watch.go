package cdp

import (
	"context"
	"encoding/json"
	"sync"
)

type executionContextDescription struct {
	ID      int64           `json:"id"`
	Origin  string          `json:"origin"`
	Name    string          `json:"name"`
	AuxData json.RawMessage `json:"auxData,omitempty"`
}

type executionContextCreated struct {
	Context executionContextDescription `json:"context"`
}

type executionContextDestroyed struct {
	ExecutionContextID int64 `json:"executionContextId"`
}

// WatchContexts subscribes to the runtime lifecycle of one session and
// surfaces the default execution context as it comes and goes: onCreated for
// each new default context, onCleared when the current one is destroyed or
// the page's contexts are flushed, onDetached once when the connection dies.
// It enables the Runtime domain, which also replays the contexts that
// already exist.
func (c *Client) WatchContexts(ctx context.Context, sessionID string, onCreated func(*ExecContext), onCleared, onDetached func()) error {
	w := &contextWatcher{
		client:     c,
		sessionID:  sessionID,
		onCreated:  onCreated,
		onCleared:  onCleared,
		onDetached: onDetached,
	}

	c.OnEvent("Runtime.executionContextCreated", w.created)
	c.OnEvent("Runtime.executionContextDestroyed", w.destroyed)
	c.OnEvent("Runtime.executionContextsCleared", w.cleared)

	go func() {
		<-c.Done()
		w.detach()
	}()

	return c.Call(ctx, sessionID, "Runtime.enable", nil, nil)
}

type contextWatcher struct {
	client     *Client
	sessionID  string
	onCreated  func(*ExecContext)
	onCleared  func()
	onDetached func()

	mu       sync.Mutex
	current  int64
	detached bool
}

func (w *contextWatcher) created(sessionID string, params json.RawMessage) {
	if sessionID != w.sessionID {
		return
	}
	var ev executionContextCreated
	if err := json.Unmarshal(params, &ev); err != nil {
		w.client.logger.Warn("malformed executionContextCreated event", "error", err)
		return
	}

	// Only the frame's default context hosts waits; isolated worlds from
	// extensions and the like are ignored.
	var aux struct {
		IsDefault bool `json:"isDefault"`
	}
	if len(ev.Context.AuxData) > 0 {
		_ = json.Unmarshal(ev.Context.AuxData, &aux)
	} else {
		aux.IsDefault = true
	}
	if !aux.IsDefault {
		return
	}

	w.mu.Lock()
	w.current = ev.Context.ID
	done := w.detached
	w.mu.Unlock()
	if done {
		return
	}
	w.onCreated(NewExecContext(w.client, w.sessionID, ev.Context.ID))
}

func (w *contextWatcher) destroyed(sessionID string, params json.RawMessage) {
	if sessionID != w.sessionID {
		return
	}
	var ev executionContextDestroyed
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}

	w.mu.Lock()
	match := w.current != 0 && ev.ExecutionContextID == w.current
	if match {
		w.current = 0
	}
	done := w.detached
	w.mu.Unlock()
	if match && !done {
		w.onCleared()
	}
}

func (w *contextWatcher) cleared(sessionID string, _ json.RawMessage) {
	if sessionID != w.sessionID {
		return
	}
	w.mu.Lock()
	had := w.current != 0
	w.current = 0
	done := w.detached
	w.mu.Unlock()
	if had && !done {
		w.onCleared()
	}
}

func (w *contextWatcher) detach() {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	w.detached = true
	w.mu.Unlock()
	w.onDetached()
}
