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

var (
	// ErrNotFound is returned for intercepted requests that got no response,
	// i.e. the network failed and nothing was cached.
	ErrNotFound = errors.New("No response found")
	ErrNoTag    = errors.New("Generation tag empty")
)

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Script sets up a generation by registering its event handlers on the scope.
type Script func(*Scope)

// Generation is one installed version of a script, identified by its tag.
type Generation struct {
	Tag          string
	registration *Registration
	scope        *Scope
	log          zerolog.Logger

	// guarded by registration.mu
	state       State
	skipWaiting bool
	claimed     bool
	inflight    int
}

type GenerationStatus struct {
	Tag         string `json:"tag"`
	State       State  `json:"state"`
	Controlling bool   `json:"controlling"`
}

// Registration hosts the generations of a script and routes requests to the one in control.
// Lifecycle steps (install, activate) run one at a time; fetches run concurrently.
// It implements http.RoundTripper.
type Registration struct {
	caches  *cache.CacheStorage
	network http.RoundTripper
	log     zerolog.Logger

	// serializes install and activate
	lifecycle sync.Mutex
	// fetch event tasks and deferred activations
	background sync.WaitGroup

	mu          sync.Mutex
	generations []*Generation
	installing  *Generation
	waiting     *Generation
	active      *Generation
	controller  *Generation
	closed      bool
}

// NewRegistration creates a registration without any generation.
// Requests are sent straight to the network until a generation is in control.
func NewRegistration(caches *cache.CacheStorage, network http.RoundTripper, logger zerolog.Logger) *Registration {
	return &Registration{
		caches:  caches,
		network: network,
		log:     logger,
	}
}

// Register installs a new generation of the script.
// Registering the tag of the active (or waiting) generation does nothing.
//
// If install fails, the generation is discarded and whichever generation was active stays active.
// Once installed, the generation activates right away if nothing else is active, if it asked to
// skip waiting, or if the generations in use are idle; otherwise it waits for them to go idle.
func (r *Registration) Register(ctx context.Context, tag string, script Script) error {
	if tag == "" {
		return ErrNoTag
	}
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	if (r.active != nil && r.active.Tag == tag) || (r.waiting != nil && r.waiting.Tag == tag) {
		r.mu.Unlock()
		r.log.Debug().Str("generation", tag).Msg("Generation already installed")
		return nil
	}
	g := &Generation{
		Tag:          tag,
		registration: r,
		log:          r.log.With().Str("generation", tag).Logger(),
		state:        StateInstalling,
	}
	g.scope = &Scope{generation: g}
	r.generations = append(r.generations, g)
	r.installing = g
	r.mu.Unlock()

	g.log.Debug().Msg("Installing")
	err := safely(func() error {
		script(g.scope)
		return nil
	})
	if err == nil {
		err = r.dispatch(ctx, EventInstall, g.scope.install)
	}
	if err != nil {
		r.mu.Lock()
		r.installing = nil
		g.state = StateRedundant
		r.mu.Unlock()
		g.log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("install %s: %w", tag, err)
	}

	r.mu.Lock()
	r.installing = nil
	if r.waiting != nil {
		r.waiting.state = StateRedundant
	}
	g.state = StateInstalled
	r.waiting = g
	ready := r.readyToActivate()
	r.mu.Unlock()

	if !ready {
		g.log.Info().Msg("Installed, waiting for generations in use to go idle")
		return nil
	}
	return r.activate(ctx, g)
}

// readyToActivate tells if the waiting generation may activate.
// The caller must hold r.mu.
func (r *Registration) readyToActivate() bool {
	w := r.waiting
	if w == nil {
		return false
	}
	if r.active == nil || w.skipWaiting {
		return true
	}
	return r.active.inflight == 0 && (r.controller == nil || r.controller.inflight == 0)
}

// activate turns the waiting generation g into the active one.
// The caller must hold r.lifecycle.
func (r *Registration) activate(ctx context.Context, g *Generation) error {
	r.mu.Lock()
	if r.waiting != g {
		r.mu.Unlock()
		return nil
	}
	previous := r.active
	if previous != nil {
		previous.state = StateRedundant
	}
	r.waiting = nil
	r.active = g
	g.state = StateActivating
	r.mu.Unlock()

	if previous != nil {
		g.log.Debug().Str("previous", previous.Tag).Msg("Activating, superseding previous generation")
	} else {
		g.log.Debug().Msg("Activating")
	}
	err := r.dispatch(ctx, EventActivate, g.scope.activate)

	r.mu.Lock()
	g.state = StateActive
	if g.claimed || r.controller == nil {
		r.controller = g
	}
	r.mu.Unlock()

	if err != nil {
		g.log.Error().Err(err).Msg("Activate failed")
		return fmt.Errorf("activate %s: %w", g.Tag, err)
	}
	g.log.Info().Msg("Activated")
	return nil
}

func (r *Registration) dispatch(ctx context.Context, t EventType, handlers []func(*ExtendableEvent)) error {
	e := newExtendableEvent(ctx, t)
	errs := make([]error, 0)
	for _, handler := range handlers {
		handler := handler
		if err := safely(func() error {
			handler(e)
			return nil
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(append(errs, e.wait())...)
}

func (r *Registration) skipWaiting(g *Generation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.skipWaiting = true
}

func (r *Registration) claim(g *Generation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.claimed = true
	if g.state == StateActive && r.active == g {
		r.controller = g
	}
}

// RoundTrip dispatches a fetch event for the request to the generation in control.
// Without one, or if no handler responds, the request goes to the network as is.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	if isNavigation(req) && r.active != nil && r.controller != r.active {
		r.active.log.Debug().Msg("Taking control on navigation")
		r.controller = r.active
	}
	g := r.controller
	if g == nil || r.closed {
		r.mu.Unlock()
		return r.network.RoundTrip(req)
	}
	g.inflight++
	// added under r.mu so that Close never waits while a fetch is being admitted
	r.background.Add(1)
	r.mu.Unlock()

	e := newFetchEvent(req)
	for _, handler := range g.scope.fetch {
		handler := handler
		if err := safely(func() error {
			handler(e)
			return nil
		}); err != nil {
			g.log.Error().Err(err).Str("url", req.URL.String()).Msg("Fetch handler failed")
		}
	}

	var (
		res *http.Response
		err error
	)
	if respond := e.getResponder(); respond == nil {
		res, err = r.network.RoundTrip(req)
	} else {
		err = safely(func() (err error) {
			res, err = respond(req.Context())
			return err
		})
		if err == nil && res == nil {
			err = fmt.Errorf("%w: %s %s", ErrNotFound, req.Method, req.URL)
		}
	}

	go func() {
		defer r.background.Done()
		if err := e.wait(); err != nil {
			g.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Fetch event task failed")
		}
		r.fetchDone(g)
	}()
	return res, err
}

// fetchDone is called once a fetch event of g has fully completed.
// It activates a waiting generation if that was blocked by the fetch.
func (r *Registration) fetchDone(g *Generation) {
	r.mu.Lock()
	g.inflight--
	waiting := r.waiting
	ready := r.readyToActivate()
	r.mu.Unlock()
	if !ready {
		return
	}
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if err := r.activate(context.Background(), waiting); err != nil {
		r.log.Error().Err(err).Msg("Deferred activation failed")
	}
}

// Wait blocks until all background work of fetch events is done.
// It must not run concurrently with new requests; Close stops those first.
func (r *Registration) Wait() {
	r.background.Wait()
}

// Close stops intercepting requests and waits for background work of earlier fetches.
// Requests go straight to the network afterwards.
func (r *Registration) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.background.Wait()
}

// Status returns the state of every generation, oldest first.
func (r *Registration) Status() []GenerationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := make([]GenerationStatus, 0, len(r.generations))
	for _, g := range r.generations {
		status = append(status, GenerationStatus{
			Tag:         g.Tag,
			State:       g.state,
			Controlling: g == r.controller,
		})
	}
	return status
}

// Controller returns the tag of the generation in control, if any.
func (r *Registration) Controller() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controller == nil {
		return "", false
	}
	return r.controller.Tag, true
}

// Unregister retires all generations. Requests go straight to the network afterwards.
// The caches are left in place.
func (r *Registration) Unregister() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.generations {
		g.state = StateRedundant
	}
	r.waiting = nil
	r.active = nil
	r.controller = nil
	r.log.Info().Msg("Unregistered")
}

func isNavigation(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Mode") == "navigate"
}
