package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	"github.com/rs/zerolog"
)

const origin = "https://siteops.example"

var errOffline = errors.New("network unreachable")

type stub struct {
	status int
	body   string
	header http.Header
}

// network is a fake network. It answers with stubs keyed by host and path, and can go offline.
type network struct {
	mu        sync.Mutex
	offline   bool
	responses map[string]stub
	requests  []*http.Request
}

func newNetwork() *network {
	n := &network{responses: make(map[string]stub)}
	n.serve("/", 200, "<html>shell</html>")
	n.serve("/index.html", 200, "<html>index</html>")
	n.serve("/manifest.json", 200, `{"name":"siteops"}`)
	return n
}

// serve stubs a path on the origin, or any URL given with host.
func (n *network) serve(target string, status int, body string) {
	u, _ := url.Parse(target)
	if u.Host == "" {
		u, _ = url.Parse(origin + target)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[u.Host+u.Path] = stub{
		status: status,
		body:   body,
		header: http.Header{"Content-Type": []string{"text/plain"}},
	}
}

func (n *network) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *network) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

func (n *network) last() *http.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests[len(n.requests)-1]
}

func (n *network) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	if n.offline {
		return nil, errOffline
	}
	s, ok := n.responses[req.URL.Host+req.URL.Path]
	if !ok {
		s = stub{status: 404, body: "not found"}
	}
	rec := httptest.NewRecorder()
	for k, vv := range s.header {
		for _, v := range vv {
			rec.Header().Add(k, v)
		}
	}
	rec.WriteHeader(s.status)
	rec.WriteString(s.body)
	res := rec.Result()
	res.Request = req
	return res, nil
}

// spyProvider counts reads and writes of the wrapped provider.
type spyProvider struct {
	cache.CacheProvider
	gets atomic.Int32
	puts atomic.Int32
}

func (s *spyProvider) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	s.gets.Add(1)
	return s.CacheProvider.Get(ctx, name, key)
}

func (s *spyProvider) PutCE(ctx context.Context, name string, ce cache.CacheEntry) error {
	s.puts.Add(1)
	return s.CacheProvider.PutCE(ctx, name, ce)
}

func baseURL() url.URL {
	u, _ := url.Parse(origin)
	return *u
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// newTestCache creates an offline cache for the origin on the fake network.
func newTestCache(t *testing.T, n *network, config Config) *OfflineCache {
	t.Helper()
	config.BaseURL = baseURL()
	config.Transport = n
	config.Logger = nopLogger()
	o, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func installedTestCache(t *testing.T, n *network, config Config) *OfflineCache {
	t.Helper()
	o := newTestCache(t, n, config)
	if err := o.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	return o
}

func request(method, target string) *http.Request {
	u, _ := url.Parse(target)
	if u.Host == "" {
		target = origin + target
	}
	req, _ := http.NewRequest(method, target, nil)
	return req
}
