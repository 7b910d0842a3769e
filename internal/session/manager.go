package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/vigil/internal/model"
	"github.com/seantiz/vigil/internal/page"
	"github.com/seantiz/vigil/internal/remote"
	"github.com/seantiz/vigil/internal/remote/cdp"
	"github.com/seantiz/vigil/internal/store"
	"github.com/seantiz/vigil/internal/wait"
)

var (
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("session not found")
	// ErrNotPage is returned for document operations on a remote session.
	ErrNotPage = errors.New("not an in-process page session")
)

// settleTimeout bounds the store write that records a wait's outcome.
const settleTimeout = 5 * time.Second

// Manager owns all live sessions and records every wait they schedule.
type Manager struct {
	logger        *slog.Logger
	store         store.Store
	frameInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager persisting waits to st. frameInterval drives
// the frame clock of in-process pages; zero means the default.
func NewManager(st store.Store, logger *slog.Logger, frameInterval time.Duration) *Manager {
	if frameInterval <= 0 {
		frameInterval = page.DefaultFrameInterval
	}
	return &Manager{
		logger:        logger,
		store:         st,
		frameInterval: frameInterval,
		sessions:      make(map[string]*Session),
	}
}

// CreatePage starts an in-process page session. A non-empty url navigates
// the fresh page, which also brings up its first execution context.
func (m *Manager) CreatePage(url string) *Session {
	id := model.NewID()
	logger := m.logger.With("session_id", id)

	world := wait.NewWorld(id, logger)
	p := page.New(id, logger, page.WithFrameInterval(m.frameInterval))
	p.OnContextCreated(func(c *page.Context) { world.Bind(c) })
	p.OnContextCleared(world.Unbind)
	p.OnDetached(world.Detach)
	if url != "" {
		p.Navigate(url)
	} else {
		p.CreateContext()
	}

	s := &Session{
		ID:        id,
		Kind:      KindPage,
		CreatedAt: time.Now().UTC(),
		world:     world,
		page:      p,
	}
	m.add(s)
	m.logger.Info("page session created", "session_id", id, "url", url)
	return s
}

// ConnectCDP attaches to a browser over an established devtools connection.
// target scopes commands to one attached target; empty addresses the browser
// directly. The session's world follows the target's default execution
// context as it comes and goes.
func (m *Manager) ConnectCDP(ctx context.Context, client *cdp.Client, target string) (*Session, error) {
	id := model.NewID()
	logger := m.logger.With("session_id", id)
	world := wait.NewWorld(id, logger)

	err := client.WatchContexts(ctx, target,
		func(ec *cdp.ExecContext) { world.Bind(ec) },
		world.Unbind,
		world.Detach,
	)
	if err != nil {
		return nil, fmt.Errorf("watching contexts: %w", err)
	}

	s := &Session{
		ID:        id,
		Kind:      KindCDP,
		CreatedAt: time.Now().UTC(),
		world:     world,
		client:    client,
		target:    target,
	}
	m.add(s)

	// The connection dying is the session dying.
	go func() {
		<-client.Done()
		m.drop(id)
	}()

	m.logger.Info("devtools session created", "session_id", id, "target", target)
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns snapshots of all live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.info()
	}
	return infos
}

// Close tears the session down. Outstanding waits settle as detached.
func (m *Manager) Close(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	switch s.Kind {
	case KindPage:
		s.page.Close()
	case KindCDP:
		_ = s.client.Close()
	}
	m.drop(id)
	m.logger.Info("session closed", "session_id", id)
	return nil
}

// CloseAll tears every session down, for shutdown.
func (m *Manager) CloseAll() {
	for _, info := range m.List() {
		_ = m.Close(info.ID)
	}
}

// ScheduleRequest describes one condition-wait to install.
type ScheduleRequest struct {
	Title     string          `json:"title"`
	Predicate string          `json:"predicate"`
	Args      []any           `json:"args,omitempty"`
	Polling   json.RawMessage `json:"polling,omitempty"`
	TimeoutMS int             `json:"timeout_ms"`
}

// Schedule installs a wait on the session's world, records it, and settles
// the record in the store once the task finishes. The returned record is
// still pending; the task settles on its own time.
func (m *Manager) Schedule(ctx context.Context, sessionID string, req ScheduleRequest) (*model.Wait, *wait.Task, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}

	polling := model.PollingRAF()
	if len(req.Polling) > 0 {
		polling, err = model.ParsePolling(req.Polling)
		if err != nil {
			return nil, nil, err
		}
	}

	if strings.TrimSpace(req.Predicate) == "" {
		return nil, nil, fmt.Errorf("predicate is required")
	}

	task, err := s.world.Schedule(wait.Params{
		Title:     req.Title,
		Predicate: predicateProgram(s.Kind, req.Predicate),
		Polling:   polling,
		Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
		Args:      req.Args,
	})
	if err != nil {
		return nil, nil, err
	}

	record := &model.Wait{
		ID:         model.NewID(),
		SessionID:  sessionID,
		Title:      task.Title(),
		Polling:    polling.Mode,
		IntervalMS: int(polling.Interval.Milliseconds()),
		TimeoutMS:  req.TimeoutMS,
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateWait(ctx, record); err != nil {
		task.Terminate(fmt.Errorf("recording wait: %w", err))
		return nil, nil, err
	}

	go m.recordOutcome(record.ID, task)
	return record, task, nil
}

// predicateProgram puts the raw predicate text into canonical form. Remote
// sessions take real function bodies; in-process pages evaluate expressions
// against their document.
func predicateProgram(kind Kind, src string) remote.Program {
	p := remote.Program{Kind: remote.KindExpression, Source: src}
	if kind != KindCDP {
		return p
	}
	trimmed := strings.TrimSpace(src)
	if strings.HasPrefix(trimmed, "function") ||
		strings.HasPrefix(trimmed, "async ") ||
		strings.Contains(trimmed, "=>") {
		p.Kind = remote.KindFunction
	}
	return p
}

func (m *Manager) recordOutcome(id string, task *wait.Task) {
	<-task.Done()
	v, taskErr := task.Result()

	status, errMsg := Outcome(taskErr)
	var value []byte
	if taskErr == nil {
		encoded, err := json.Marshal(v)
		if err != nil {
			m.logger.Warn("wait value not serializable", "wait_id", id, "error", err)
		} else {
			value = encoded
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := m.store.SettleWait(ctx, id, status, value, errMsg, task.Runs()); err != nil {
		m.logger.Error("recording wait outcome", "wait_id", id, "status", status, "error", err)
		return
	}
	m.logger.Info("wait settled", "wait_id", id, "status", status, "runs", task.Runs())
}

// Outcome maps a settled task's error onto the persisted status and message.
func Outcome(err error) (status, msg string) {
	switch {
	case err == nil:
		return model.StatusResolved, ""
	case errors.Is(err, wait.ErrDetached):
		return model.StatusDetached, err.Error()
	default:
		var te *wait.TimeoutError
		if errors.As(err, &te) {
			return model.StatusTimeout, err.Error()
		}
		return model.StatusFailed, err.Error()
	}
}

// SetDocument sets a document key on an in-process page.
func (m *Manager) SetDocument(id, key string, value any) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.page == nil {
		return ErrNotPage
	}
	s.page.Set(key, value)
	return nil
}

// RemoveDocument removes a document key from an in-process page.
func (m *Manager) RemoveDocument(id, key string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.page == nil {
		return ErrNotPage
	}
	s.page.Remove(key)
	return nil
}

// Document returns the page's current document contents.
func (m *Manager) Document(id string) (map[string]any, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if s.page == nil {
		return nil, ErrNotPage
	}
	return s.page.Document(), nil
}

// Navigate moves the session to a new URL. For in-process pages this swaps
// the execution context; remote sessions get a real Page.navigate.
func (m *Manager) Navigate(ctx context.Context, id, url string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	switch s.Kind {
	case KindPage:
		s.page.Navigate(url)
		return nil
	case KindCDP:
		params := struct {
			URL string `json:"url"`
		}{URL: url}
		return s.client.Call(ctx, s.target, "Page.navigate", params, nil)
	}
	return fmt.Errorf("unknown session kind %q", s.Kind)
}

func (m *Manager) add(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
