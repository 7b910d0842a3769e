// Package page provides an in-process execution environment: a key-value
// document with frame callbacks, mutation notifications, and destroyable
// execution contexts. It stands behind the remote boundary the way a real
// browser page would, which makes navigation races reproducible in tests and
// gives the service a built-in environment to schedule waits against.
//
// All document state is confined to a single loop goroutine; public methods
// funnel their work through it. Programs hosted by a context therefore run
// on one cooperative thread, matching the environment contract.
package page

import (
	"log/slog"
	"maps"
	"sync"
	"time"
)

// DefaultFrameInterval approximates a 60Hz frame callback cadence.
const DefaultFrameInterval = 16 * time.Millisecond

// Page is one in-process environment instance.
type Page struct {
	name          string
	logger        *slog.Logger
	frameInterval time.Duration

	jobs     chan func()
	quit     chan struct{}
	quitOnce sync.Once

	// Everything below is loop-confined.
	doc       map[string]any
	url       string
	current   *Context
	nextCtxID int
	frames    []*frameSub
	observers map[int]*mutSub
	nextSubID int
	closed    bool

	onCreated  func(*Context)
	onCleared  func()
	onDetached func()
}

type frameSub struct {
	ctx      *Context
	fn       func()
	canceled bool
}

type mutSub struct {
	ctx *Context
	fn  func()
}

// Option configures a Page.
type Option func(*Page)

// WithFrameInterval overrides the frame callback cadence.
func WithFrameInterval(d time.Duration) Option {
	return func(p *Page) {
		if d > 0 {
			p.frameInterval = d
		}
	}
}

// New creates a page with an empty document and no execution context, and
// starts its loop.
func New(name string, logger *slog.Logger, opts ...Option) *Page {
	p := &Page{
		name:          name,
		logger:        logger,
		frameInterval: DefaultFrameInterval,
		jobs:          make(chan func(), 64),
		quit:          make(chan struct{}),
		doc:           make(map[string]any),
		observers:     make(map[int]*mutSub),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.loop()
	return p
}

// Name returns the page's identifier.
func (p *Page) Name() string { return p.name }

func (p *Page) loop() {
	ticker := time.NewTicker(p.frameInterval)
	defer ticker.Stop()
	for {
		select {
		case job := <-p.jobs:
			job()
		case <-ticker.C:
			p.fireFrames()
		case <-p.quit:
			return
		}
	}
}

// run executes fn on the loop goroutine and waits for it.
func (p *Page) run(fn func()) {
	done := make(chan struct{})
	select {
	case p.jobs <- func() { fn(); close(done) }:
	case <-p.quit:
		return
	}
	select {
	case <-done:
	case <-p.quit:
	}
}

// post schedules fn on the loop goroutine without waiting.
func (p *Page) post(fn func()) {
	select {
	case p.jobs <- fn:
	case <-p.quit:
	}
}

// OnContextCreated registers fn to run whenever a new execution context comes
// up (initial creation and after every navigation).
func (p *Page) OnContextCreated(fn func(*Context)) {
	p.run(func() { p.onCreated = fn })
}

// OnContextCleared registers fn to run whenever the current context is
// destroyed without a replacement yet.
func (p *Page) OnContextCleared(fn func()) {
	p.run(func() { p.onCleared = fn })
}

// OnDetached registers fn to run when the page is closed for good.
func (p *Page) OnDetached(fn func()) {
	p.run(func() { p.onDetached = fn })
}

// CreateContext brings up a fresh execution context and announces it.
func (p *Page) CreateContext() *Context {
	var c *Context
	p.run(func() { c = p.createContext() })
	return c
}

// DestroyContext tears down the current context, if any. In-flight
// evaluations against it fail with a context-destroyed error.
func (p *Page) DestroyContext() {
	p.run(func() { p.destroyContext() })
}

// Navigate emulates a page load: the current context dies, the document
// resets, and a new context comes up.
func (p *Page) Navigate(url string) {
	p.run(func() {
		p.destroyContext()
		p.doc = make(map[string]any)
		p.url = url
		p.createContext()
	})
	p.logger.Debug("page navigated", "page", p.name, "url", url)
}

// Close destroys the context, announces detachment, and stops the loop.
// Idempotent.
func (p *Page) Close() {
	p.run(func() {
		if p.closed {
			return
		}
		p.closed = true
		p.destroyContext()
		if p.onDetached != nil {
			p.onDetached()
		}
	})
	p.quitOnce.Do(func() { close(p.quit) })
}

// Set writes one document key and notifies mutation observers.
func (p *Page) Set(key string, value any) {
	p.run(func() {
		p.doc[key] = value
		p.notifyMutations()
	})
}

// Remove deletes one document key and notifies mutation observers.
func (p *Page) Remove(key string) {
	p.run(func() {
		delete(p.doc, key)
		p.notifyMutations()
	})
}

// Get reads one document key; absent keys read as nil.
func (p *Page) Get(key string) any {
	var v any
	p.run(func() { v = p.doc[key] })
	return v
}

// Document returns a copy of the current document.
func (p *Page) Document() map[string]any {
	var snapshot map[string]any
	p.run(func() { snapshot = maps.Clone(p.doc) })
	return snapshot
}

// URL returns the current location.
func (p *Page) URL() string {
	var u string
	p.run(func() { u = p.url })
	return u
}

// createContext runs on the loop.
func (p *Page) createContext() *Context {
	if p.closed {
		return nil
	}
	p.destroyContext()
	p.nextCtxID++
	c := &Context{
		page: p,
		id:   p.nextCtxID,
		gone: make(chan struct{}),
	}
	p.current = c
	if p.onCreated != nil {
		p.onCreated(c)
	}
	return c
}

// destroyContext runs on the loop.
func (p *Page) destroyContext() {
	c := p.current
	if c == nil {
		return
	}
	p.current = nil
	close(c.gone)

	// Drop every subscription the dead context held.
	kept := p.frames[:0]
	for _, sub := range p.frames {
		if sub.ctx != c {
			kept = append(kept, sub)
		}
	}
	p.frames = kept
	for id, sub := range p.observers {
		if sub.ctx == c {
			delete(p.observers, id)
		}
	}

	if p.onCleared != nil {
		p.onCleared()
	}
}

// fireFrames runs on the loop: frame callbacks are one-shot, so the pending
// set is consumed before any callback runs (a callback re-arming itself lands
// in the next batch).
func (p *Page) fireFrames() {
	subs := p.frames
	p.frames = nil
	for _, sub := range subs {
		if !sub.canceled && !sub.ctx.isGone() {
			sub.fn()
		}
	}
}

// notifyMutations runs on the loop after every document change.
func (p *Page) notifyMutations() {
	subs := make([]*mutSub, 0, len(p.observers))
	for _, sub := range p.observers {
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		if !sub.ctx.isGone() {
			sub.fn()
		}
	}
}
