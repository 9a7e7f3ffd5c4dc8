package offlinecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/rfc9211"
)

var ErrBadStatus = errors.New("Bad response status")

// Policy is what one generation of the offline cache does.
type Policy struct {
	// Generation tag, used as the cache name.
	CacheName string
	// Absolute URLs that must be cached for the generation to install.
	CoreAssets []*url.URL
	// Requests to hosts containing any of these substrings are left alone.
	BypassHosts []string
	// Add Cache-Status (and for cached responses, Age) headers to intercepted responses.
	CacheStatus bool
	// Serve stored responses regardless of their Vary header.
	IgnoreVary bool
}

// Worker returns the script for a generation following the policy:
//
//   - install caches the core assets and skips waiting
//   - activate deletes every other cache and claims control
//   - fetch goes to the network first, refreshing the cache with 200 responses,
//     and serves from any cache when the network fails
func Worker(p Policy) Script {
	return func(s *Scope) {
		s.OnInstall(func(e *ExtendableEvent) {
			e.WaitUntil(func(ctx context.Context) error {
				c, err := s.Caches().Open(ctx, p.CacheName)
				if err != nil {
					return err
				}
				s.Logger().Info().Int("assets", len(p.CoreAssets)).Msg("Caching core assets")
				return addAll(ctx, s, c, p.CoreAssets)
			})
			s.SkipWaiting()
		})

		s.OnActivate(func(e *ExtendableEvent) {
			e.WaitUntil(func(ctx context.Context) error {
				return purgeStale(ctx, s, p.CacheName)
			})
			s.Claim()
		})

		s.OnFetch(func(e *FetchEvent) {
			if p.bypass(e.Request) {
				return
			}
			e.RespondWith(p.networkFirst(s, e))
		})
	}
}

func (p Policy) bypass(req *http.Request) bool {
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	for _, excluded := range p.BypassHosts {
		if excluded != "" && strings.Contains(host, excluded) {
			return true
		}
	}
	return false
}

func (p Policy) networkFirst(s *Scope, e *FetchEvent) Responder {
	return func(ctx context.Context) (*http.Response, error) {
		req := e.Request
		opts := cache.MatchOptions{IgnoreVary: p.IgnoreVary}

		res, err := s.Fetch(req)
		if err == nil {
			cs := rfc9211.CacheStatus{FwdStatus: res.StatusCode}
			cs.Forward(p.forwardReason(ctx, s, req, opts))
			if res.StatusCode == http.StatusOK && req.Method == http.MethodGet {
				clone, cloneErr := cloneResponse(res)
				if cloneErr == nil {
					// refresh in the background, the caller gets the response right away
					c := s.Caches().Get(p.CacheName)
					e.WaitUntil(func(ctx context.Context) error {
						return c.Put(ctx, req, clone)
					})
					cs.Stored = true
				}
				err = cloneErr
			}
			if err == nil {
				p.annotate(res, cs)
				return res, nil
			}
		}

		s.Logger().Info().Err(err).Str("url", req.URL.String()).Msg("Offline. Serving from cache")
		sRes, ok, matchErr := s.Caches().MatchStored(ctx, req, opts)
		if matchErr != nil {
			return nil, errors.Join(err, matchErr)
		}
		if !ok {
			s.Logger().Debug().Str("url", req.URL.String()).Msg("Not in cache")
			return nil, nil
		}
		if p.CacheStatus {
			cs := rfc9211.CacheStatus{Detail: "offline"}
			cs.Hit()
			age := time.Since(sRes.StoredAt)
			if age < 0 {
				age = 0
			}
			sRes.Response.Header.Set("Age", strconv.Itoa(int(age.Seconds())))
			sRes.Response.Header.Add("Cache-Status", cs.String())
		}
		return sRes.Response, nil
	}
}

// forwardReason tells why a network response was preferred: there was nothing stored for the
// request, or there was, but requests always go to the network first.
// The cache is only consulted when Cache-Status headers are added.
func (p Policy) forwardReason(ctx context.Context, s *Scope, req *http.Request, opts cache.MatchOptions) rfc9211.FwdReason {
	if !p.CacheStatus {
		return rfc9211.FwdReasonUriMiss
	}
	sRes, ok, err := s.Caches().MatchStored(ctx, req, opts)
	if err != nil {
		s.Logger().Debug().Err(err).Str("url", req.URL.String()).Msg("Could not look up cache")
	}
	if !ok {
		return rfc9211.FwdReasonUriMiss
	}
	sRes.Response.Body.Close()
	return rfc9211.FwdReasonRequest
}

func (p Policy) annotate(res *http.Response, cs rfc9211.CacheStatus) {
	if p.CacheStatus {
		res.Header.Add("Cache-Status", cs.String())
	}
}

// addAll stores the responses for all URLs.
// Every URL is fetched first; nothing is stored unless all of them succeed with a 2xx status.
func addAll(ctx context.Context, s *Scope, c *cache.Cache, urls []*url.URL) error {
	requests := make([]*http.Request, len(urls))
	responses := make([]*http.Response, len(urls))
	errs := make([]error, len(urls))

	for i, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		requests[i] = req
	}

	wg := sync.WaitGroup{}
	for i := range requests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Fetch(requests[i])
			if err != nil {
				errs[i] = fmt.Errorf("fetch %s: %w", urls[i], err)
				return
			}
			responses[i] = res
			if res.StatusCode < 200 || res.StatusCode > 299 {
				errs[i] = fmt.Errorf("fetch %s: %w %d", urls[i], ErrBadStatus, res.StatusCode)
			}
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		for _, res := range responses {
			if res != nil {
				res.Body.Close()
			}
		}
		return err
	}
	for i := range requests {
		err := c.Put(ctx, requests[i], responses[i])
		responses[i].Body.Close()
		if err != nil {
			return fmt.Errorf("store %s: %w", urls[i], err)
		}
	}
	return nil
}

// purgeStale deletes every cache except the current one.
func purgeStale(ctx context.Context, s *Scope, current string) error {
	names, err := s.Caches().Keys(ctx)
	if err != nil {
		return err
	}
	errs := make([]error, 0)
	for _, name := range names {
		if name == current {
			continue
		}
		s.Logger().Info().Str("cache", name).Msg("Deleting stale cache")
		if _, err := s.Caches().Delete(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cloneResponse reads the response body into memory and returns an independent copy of the
// response. The original response gets an equal, unread body.
func cloneResponse(res *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	clone := *res
	clone.Header = res.Header.Clone()
	clone.Trailer = res.Trailer.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return &clone, nil
}
