package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

var (
	ErrNoCacheName         = errors.New("Cache name empty")
	ErrMethodNotSupported  = errors.New("Only GET requests can be stored")
	ErrPartialNotSupported = errors.New("Partial responses cannot be stored")
)

var now = time.Now

// CacheStorage is the set of named caches of an origin.
// It opens, lists and deletes caches, and finds stored responses across all of them.
type CacheStorage struct {
	provider CacheProvider
}

func NewCacheStorage(provider CacheProvider) *CacheStorage {
	return &CacheStorage{provider: provider}
}

// Open returns the named cache, creating it if it does not exist.
func (s *CacheStorage) Open(ctx context.Context, name string) (*Cache, error) {
	if name == "" {
		return nil, ErrNoCacheName
	}
	if err := s.provider.CreateCache(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Cache{name: name, provider: s.provider}, nil
}

// Get returns a handle to the named cache without creating it.
// Matching against a cache that does not exist finds nothing and putting fails with ErrNoSuchCache.
func (s *CacheStorage) Get(name string) *Cache {
	return &Cache{name: name, provider: s.provider}
}

func (s *CacheStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.provider.HasCache(ctx, name)
}

// Keys returns the names of all caches, in creation order.
func (s *CacheStorage) Keys(ctx context.Context) ([]string, error) {
	return s.provider.CacheNames(ctx)
}

// Delete removes the named cache. It returns false if no such cache existed.
func (s *CacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.provider.DeleteCache(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return deleted, nil
}

// MatchStored looks for a stored response in every cache, oldest cache first.
func (s *CacheStorage) MatchStored(ctx context.Context, req *http.Request, opts MatchOptions) (serializer.StoredResponse, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return serializer.StoredResponse{}, false, err
	}
	for _, name := range names {
		if sRes, ok, err := s.Get(name).MatchStored(ctx, req, opts); err != nil || ok {
			return sRes, ok, err
		}
	}
	return serializer.StoredResponse{}, false, nil
}

func (s *CacheStorage) Close() error {
	return s.provider.Close()
}

// Cache is a single named cache.
// Stored responses are keyed by request method and URL.
type Cache struct {
	name     string
	provider CacheProvider
}

func (c *Cache) Name() string {
	return c.name
}

type MatchOptions struct {
	// Match on method and URL only, even if the stored response has a Vary header.
	IgnoreVary bool
}

// MatchStored returns the stored response for the request along with its store time.
// A stored response with a Vary header only matches requests that carry the same values for the
// listed header fields as the stored request did. "Vary: *" never matches.
func (c *Cache) MatchStored(ctx context.Context, req *http.Request, opts MatchOptions) (serializer.StoredResponse, bool, error) {
	key := cachekey.GetKey(req)
	bytes, ok, err := c.provider.Get(ctx, c.name, key)
	if err != nil {
		return serializer.StoredResponse{}, false, fmt.Errorf("get %s from cache %s: %w", key, c.name, err)
	}
	if !ok {
		return serializer.StoredResponse{}, false, nil
	}
	originalReq, err := cachekey.GetRequestFromKey(key)
	if err != nil {
		return serializer.StoredResponse{}, false, err
	}
	sRes, err := serializer.BytesToStoredResponse(bytes, originalReq.WithContext(ctx))
	if err != nil {
		return serializer.StoredResponse{}, false, fmt.Errorf("read %s from cache %s: %w", key, c.name, err)
	}
	if !opts.IgnoreVary && !varyMatches(sRes, req) {
		sRes.Response.Body.Close()
		return serializer.StoredResponse{}, false, nil
	}
	return sRes, true, nil
}

func varyMatches(sRes serializer.StoredResponse, req *http.Request) bool {
	for _, name := range cachekey.VaryFields(sRes.Response.Header) {
		if name == "*" {
			return false
		}
		if strings.Join(req.Header.Values(name), ", ") != sRes.RequestHeader.Get(name) {
			return false
		}
	}
	return true
}

// Put stores the response for the request, replacing any previous response.
// The response body is consumed and replaced with an equal, unread body.
func (c *Cache) Put(ctx context.Context, req *http.Request, res *http.Response) error {
	if req.Method != http.MethodGet {
		return ErrMethodNotSupported
	}
	if res.StatusCode == http.StatusPartialContent {
		return ErrPartialNotSupported
	}
	storedAt := now()
	requestHeader := http.Header{}
	for _, name := range cachekey.VaryFields(res.Header) {
		if name != "*" {
			requestHeader.Set(name, strings.Join(req.Header.Values(name), ", "))
		}
	}
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response:      res,
		StoredAt:      storedAt,
		RequestHeader: requestHeader,
	})
	if err != nil {
		return err
	}
	return c.provider.PutCE(ctx, c.name, CacheEntry{
		Key:      cachekey.GetKey(req),
		StoredAt: storedAt,
		Bytes:    bytes,
	})
}

// Delete removes the stored response for the request.
func (c *Cache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	return c.provider.Purge(ctx, c.name, cachekey.GetKey(req))
}

// Keys returns the requests of all stored responses, oldest first.
func (c *Cache) Keys(ctx context.Context) ([]*http.Request, error) {
	keys, err := c.provider.Keys(ctx, c.name)
	if err != nil {
		return nil, err
	}
	requests := make([]*http.Request, 0, len(keys))
	for _, key := range keys {
		req, err := cachekey.GetRequestFromKey(key)
		if err != nil {
			return requests, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}
