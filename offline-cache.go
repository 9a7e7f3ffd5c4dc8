package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
)

const DefaultCacheName = "kmc-siteops-cache-v1"

var (
	DefaultCoreAssets  = []string{"./", "./index.html", "./manifest.json"}
	DefaultBypassHosts = []string{"supabase.co"}
)

type Config struct {
	// Generation tag and cache name. Change it to roll out a new generation.
	// Defaults to DefaultCacheName.
	CacheName string
	// Paths cached on install, relative to BaseURL. Defaults to DefaultCoreAssets.
	CoreAssets []string
	// Requests to hosts containing any of these substrings are never intercepted.
	// Defaults to DefaultBypassHosts.
	BypassHosts []string
	// URL of the origin server.
	// Core assets are resolved against it and relative requests are sent to its host.
	// Origins with paths are not supported for proxying.
	BaseURL url.URL
	// Storage for the caches. An in-memory provider is used if nil.
	Storage cache.CacheProvider
	// Network to use. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Add Cache-Status headers to intercepted responses.
	CacheStatus bool
	// Serve stored responses offline even if the request differs in a header field the
	// response varies on.
	IgnoreVary bool
}

type OfflineCache struct {
	policy       Policy
	storage      *cache.CacheStorage
	registration *Registration
	log          zerolog.Logger
	reverseproxy httputil.ReverseProxy
}

// New creates the offline cache. Nothing is intercepted until Install has succeeded.
func New(config Config) (*OfflineCache, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.BaseURL.String()).
		Logger()

	policy, err := newPolicy(config)
	if err != nil {
		return nil, err
	}

	provider := config.Storage
	if provider == nil {
		provider = cache.NewMemCache()
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	o := &OfflineCache{
		policy:  policy,
		storage: cache.NewCacheStorage(provider),
		log:     logger,
	}
	o.registration = NewRegistration(o.storage, transport, logger)
	o.reverseproxy = httputil.ReverseProxy{
		Director:       createDirector(config.BaseURL),
		Transport:      o.registration,
		ModifyResponse: o.logResponse,
		ErrorHandler:   o.handleError,
	}
	return o, nil
}

func newPolicy(config Config) (Policy, error) {
	p := Policy{
		CacheName:   config.CacheName,
		BypassHosts: config.BypassHosts,
		CacheStatus: config.CacheStatus,
		IgnoreVary:  config.IgnoreVary,
	}
	if p.CacheName == "" {
		p.CacheName = DefaultCacheName
	}
	if p.BypassHosts == nil {
		p.BypassHosts = DefaultBypassHosts
	}
	assets := config.CoreAssets
	if assets == nil {
		assets = DefaultCoreAssets
	}
	for _, asset := range assets {
		ref, err := url.Parse(asset)
		if err != nil {
			return p, fmt.Errorf("core asset %s: %w", asset, err)
		}
		u := config.BaseURL.ResolveReference(ref)
		if !u.IsAbs() {
			return p, fmt.Errorf("core asset %s: cannot resolve without origin URL", asset)
		}
		p.CoreAssets = append(p.CoreAssets, u)
	}
	return p, nil
}

// Install registers the configured generation: it caches the core assets
// and then activates, deleting all other caches.
// Installing the generation that is already active does nothing.
func (o *OfflineCache) Install(ctx context.Context) error {
	return o.registration.Register(ctx, o.policy.CacheName, Worker(o.policy))
}

// ServeHTTP implements the http.Handler interface.
// It proxies the request to the origin (or, for absolute request URLs, to where the URL points)
// through the offline cache.
func (o *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.reverseproxy.ServeHTTP(w, r)
}

// RoundTrip implements the http.RoundTripper interface, for use as an http.Client transport.
func (o *OfflineCache) RoundTrip(req *http.Request) (*http.Response, error) {
	return o.registration.RoundTrip(req)
}

func (o *OfflineCache) Registration() *Registration {
	return o.registration
}

func (o *OfflineCache) Storage() *cache.CacheStorage {
	return o.storage
}

func (o *OfflineCache) Policy() Policy {
	return o.policy
}

// Wait blocks until background cache writes are done.
func (o *OfflineCache) Wait() {
	o.registration.Wait()
}

// Close stops intercepting requests, waits for background work and closes the storage.
func (o *OfflineCache) Close() error {
	o.registration.Close()
	return o.storage.Close()
}

func createDirector(base url.URL) func(req *http.Request) {
	return func(req *http.Request) {
		// forward proxy requests keep their target
		if req.URL.IsAbs() {
			req.Host = req.URL.Host
			return
		}
		req.URL.Scheme = base.Scheme
		req.URL.Host = base.Host
		req.Host = base.Host
	}
}

func (o *OfflineCache) logResponse(res *http.Response) error {
	if res.Request == nil {
		return nil
	}
	o.log.Debug().
		Str("method", res.Request.Method).
		Str("url", res.Request.URL.String()).
		Int("status", res.StatusCode).
		Str("cacheStatus", res.Header.Get("Cache-Status")).
		Msg("Sending response to client")
	return nil
}

// handleError renders failed requests. A request that was neither answered by the network nor
// found in the cache gets 504 Gateway Timeout, any other failure 502 Bad Gateway.
func (o *OfflineCache) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, ErrNotFound) {
		status = http.StatusGatewayTimeout
		o.log.Debug().Err(err).Str("url", r.URL.String()).Msg("No response available")
	} else {
		o.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
	}
	w.WriteHeader(status)
}
