package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	"github.com/rs/zerolog"
)

var ErrAlreadyResponded = errors.New("RespondWith already called")

type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventFetch    EventType = "fetch"
)

// ExtendableEvent is dispatched for lifecycle steps.
// Handlers extend the step with WaitUntil; the step completes only when every task has returned.
type ExtendableEvent struct {
	Type EventType
	ctx  context.Context
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func newExtendableEvent(ctx context.Context, t EventType) *ExtendableEvent {
	return &ExtendableEvent{Type: t, ctx: ctx}
}

// Context returns the context that tasks of this event run with.
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil starts the task right away and keeps the event pending until it returns.
// A task may itself call WaitUntil.
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := safely(func() error { return task(e.ctx) }); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// wait blocks until all tasks have returned and joins their errors.
func (e *ExtendableEvent) wait() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

// Responder produces the response for an intercepted request.
// Returning a nil response without error means no response could be found.
type Responder func(ctx context.Context) (*http.Response, error)

// FetchEvent is dispatched for every request the controlling generation intercepts.
// If no handler calls RespondWith, the request goes to the network untouched.
//
// Tasks passed to WaitUntil outlive the request: they do not delay the response.
type FetchEvent struct {
	ExtendableEvent
	Request   *http.Request
	responder Responder
}

func newFetchEvent(req *http.Request) *FetchEvent {
	return &FetchEvent{
		ExtendableEvent: ExtendableEvent{
			Type: EventFetch,
			ctx:  context.WithoutCancel(req.Context()),
		},
		Request: req,
	}
}

// RespondWith substitutes the network response with the one produced by fn.
func (e *FetchEvent) RespondWith(fn Responder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responder != nil {
		return ErrAlreadyResponded
	}
	e.responder = fn
	return nil
}

func (e *FetchEvent) getResponder() Responder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responder
}

// Scope is what a generation's script sees: its event handlers, the cache storage, and
// the network.
type Scope struct {
	generation *Generation
	install    []func(*ExtendableEvent)
	activate   []func(*ExtendableEvent)
	fetch      []func(*FetchEvent)
}

func (s *Scope) OnInstall(handler func(*ExtendableEvent)) {
	s.install = append(s.install, handler)
}

func (s *Scope) OnActivate(handler func(*ExtendableEvent)) {
	s.activate = append(s.activate, handler)
}

func (s *Scope) OnFetch(handler func(*FetchEvent)) {
	s.fetch = append(s.fetch, handler)
}

// Tag returns the generation tag the script runs as.
func (s *Scope) Tag() string {
	return s.generation.Tag
}

// SkipWaiting makes the generation activate as soon as it is installed,
// even while an older generation still controls requests.
func (s *Scope) SkipWaiting() {
	s.generation.registration.skipWaiting(s.generation)
}

// Claim makes the generation take control of requests as soon as it is active,
// instead of waiting for the next navigation.
func (s *Scope) Claim() {
	s.generation.registration.claim(s.generation)
}

// Fetch sends the request to the network. It is never intercepted.
func (s *Scope) Fetch(req *http.Request) (*http.Response, error) {
	return s.generation.registration.network.RoundTrip(req)
}

// Caches returns the cache storage shared by all generations.
func (s *Scope) Caches() *cache.CacheStorage {
	return s.generation.registration.caches
}

// Logger returns the generation's logger.
func (s *Scope) Logger() *zerolog.Logger {
	return &s.generation.log
}

// safely runs fn, turning a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
