package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/rs/zerolog"
)

func newTestRegistration(n http.RoundTripper) *Registration {
	return NewRegistration(cache.NewCacheStorage(cache.NewMemCache()), n, zerolog.Nop())
}

func textResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// echo responds to every fetch with the given body.
func echo(body string) Script {
	return func(s *Scope) {
		s.OnFetch(func(e *FetchEvent) {
			e.RespondWith(func(ctx context.Context) (*http.Response, error) {
				return textResponse(body), nil
			})
		})
	}
}

func fetchBody(t *testing.T, r *Registration, req *http.Request) string {
	t.Helper()
	res, err := r.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	return readBody(t, res)
}

func stateOf(r *Registration, tag string) State {
	for _, s := range r.Status() {
		if s.Tag == tag {
			return s.State
		}
	}
	return ""
}

func TestRegisterNeedsTag(t *testing.T) {
	r := newTestRegistration(newNetwork())
	if err := r.Register(context.Background(), "", echo("x")); !errors.Is(err, ErrNoTag) {
		t.Fatalf("Error is %v", err)
	}
}

func TestFirstGenerationControlsRightAway(t *testing.T) {
	r := newTestRegistration(newNetwork())
	if err := r.Register(context.Background(), "v1", echo("v1")); err != nil {
		t.Fatal(err)
	}
	if tag, ok := r.Controller(); !ok || tag != "v1" {
		t.Fatalf("Controller is %s", tag)
	}
	if body := fetchBody(t, r, request("GET", "/")); body != "v1" {
		t.Fatalf("Body is %s", body)
	}
}

func TestRegisterSameTagIsNoop(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration(newNetwork())
	installs := 0
	script := func(s *Scope) {
		s.OnInstall(func(e *ExtendableEvent) { installs++ })
	}
	r.Register(ctx, "v1", script)
	r.Register(ctx, "v1", script)
	if installs != 1 {
		t.Fatalf("Installed %d times", installs)
	}
	if len(r.Status()) != 1 {
		t.Fatalf("Status is %+v", r.Status())
	}
}

func TestBeforeRegisterRequestsGoToNetwork(t *testing.T) {
	n := newNetwork()
	r := newTestRegistration(n)
	req := request("GET", "/index.html")
	if body := fetchBody(t, r, req); body != "<html>index</html>" {
		t.Fatalf("Body is %s", body)
	}
	if n.last() != req {
		t.Fatal("Network did not get the request")
	}
}

func TestNoResponderGoesToNetwork(t *testing.T) {
	n := newNetwork()
	r := newTestRegistration(n)
	seen := 0
	r.Register(context.Background(), "v1", func(s *Scope) {
		s.OnFetch(func(e *FetchEvent) { seen++ })
	})
	if body := fetchBody(t, r, request("GET", "/")); body != "<html>shell</html>" {
		t.Fatalf("Body is %s", body)
	}
	if seen != 1 {
		t.Fatalf("Fetch handler ran %d times", seen)
	}
}

func TestNilResponseIsNotFound(t *testing.T) {
	r := newTestRegistration(newNetwork())
	r.Register(context.Background(), "v1", func(s *Scope) {
		s.OnFetch(func(e *FetchEvent) {
			e.RespondWith(func(ctx context.Context) (*http.Response, error) { return nil, nil })
		})
	})
	if _, err := r.RoundTrip(request("GET", "/")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Error is %v", err)
	}
}

func TestInstallErrorsAreJoined(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	r := newTestRegistration(newNetwork())
	err := r.Register(context.Background(), "v1", func(s *Scope) {
		s.OnInstall(func(e *ExtendableEvent) {
			e.WaitUntil(func(ctx context.Context) error { return errA })
			e.WaitUntil(func(ctx context.Context) error { return errB })
			e.WaitUntil(func(ctx context.Context) error { return nil })
		})
	})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("Error is %v", err)
	}
	if stateOf(r, "v1") != StateRedundant {
		t.Fatalf("State is %s", stateOf(r, "v1"))
	}
	if _, ok := r.Controller(); ok {
		t.Fatal("Failed generation in control")
	}
}

func TestInstallWaitsForTasks(t *testing.T) {
	r := newTestRegistration(newNetwork())
	done := false
	r.Register(context.Background(), "v1", func(s *Scope) {
		s.OnInstall(func(e *ExtendableEvent) {
			e.WaitUntil(func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				done = true
				return nil
			})
		})
	})
	if !done {
		t.Fatal("Register returned before install task")
	}
}

func TestPanicsFailInstall(t *testing.T) {
	ctx := context.Background()
	for name, script := range map[string]Script{
		"script":  func(s *Scope) { panic("boom") },
		"handler": func(s *Scope) { s.OnInstall(func(e *ExtendableEvent) { panic("boom") }) },
		"task": func(s *Scope) {
			s.OnInstall(func(e *ExtendableEvent) {
				e.WaitUntil(func(ctx context.Context) error { panic("boom") })
			})
		},
	} {
		t.Run(name, func(t *testing.T) {
			r := newTestRegistration(newNetwork())
			if err := r.Register(ctx, "v1", script); err == nil {
				t.Fatal("Expected install to fail")
			}
			if stateOf(r, "v1") != StateRedundant {
				t.Fatalf("State is %s", stateOf(r, "v1"))
			}
		})
	}
}

func TestFetchHandlerPanicGoesToNetwork(t *testing.T) {
	r := newTestRegistration(newNetwork())
	r.Register(context.Background(), "v1", func(s *Scope) {
		s.OnFetch(func(e *FetchEvent) { panic("boom") })
	})
	if body := fetchBody(t, r, request("GET", "/")); body != "<html>shell</html>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestActivateFailureStillActivates(t *testing.T) {
	failed := errors.New("cleanup failed")
	r := newTestRegistration(newNetwork())
	err := r.Register(context.Background(), "v1", func(s *Scope) {
		s.OnActivate(func(e *ExtendableEvent) {
			e.WaitUntil(func(ctx context.Context) error { return failed })
		})
		echo("v1")(s)
	})
	if !errors.Is(err, failed) {
		t.Fatalf("Error is %v", err)
	}
	if stateOf(r, "v1") != StateActive {
		t.Fatalf("State is %s", stateOf(r, "v1"))
	}
	if body := fetchBody(t, r, request("GET", "/")); body != "v1" {
		t.Fatalf("Body is %s", body)
	}
}

func TestNewGenerationWaitsWhileInUse(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration(newNetwork())
	r.Register(ctx, "v1", echo("v1"))

	// a v1 fetch is kept in flight by its background task
	release := make(chan struct{})
	r.mu.Lock()
	v1 := r.controller
	r.mu.Unlock()
	v1.scope.OnFetch(func(e *FetchEvent) {
		e.WaitUntil(func(ctx context.Context) error {
			<-release
			return nil
		})
	})
	fetchBody(t, r, request("GET", "/"))

	if err := r.Register(ctx, "v2", echo("v2")); err != nil {
		t.Fatal(err)
	}
	if stateOf(r, "v2") != StateInstalled {
		t.Fatalf("v2 is %s", stateOf(r, "v2"))
	}

	close(release)
	r.Wait()
	if stateOf(r, "v2") != StateActive || stateOf(r, "v1") != StateRedundant {
		t.Fatalf("Status is %+v", r.Status())
	}
	// v2 did not claim, so v1 keeps control until the next navigation
	if tag, _ := r.Controller(); tag != "v1" {
		t.Fatalf("Controller is %s", tag)
	}

	nav := request("GET", "/")
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	if body := fetchBody(t, r, nav); body != "v2" {
		t.Fatalf("Body is %s", body)
	}
	if tag, _ := r.Controller(); tag != "v2" {
		t.Fatalf("Controller is %s", tag)
	}
	r.Wait()
}

func TestWaitingGenerationIsReplaced(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration(newNetwork())
	r.Register(ctx, "v1", echo("v1"))

	release := make(chan struct{})
	r.mu.Lock()
	v1 := r.controller
	r.mu.Unlock()
	v1.scope.OnFetch(func(e *FetchEvent) {
		e.WaitUntil(func(ctx context.Context) error {
			<-release
			return nil
		})
	})
	fetchBody(t, r, request("GET", "/"))

	r.Register(ctx, "v2", echo("v2"))
	r.Register(ctx, "v3", echo("v3"))
	if stateOf(r, "v2") != StateRedundant || stateOf(r, "v3") != StateInstalled {
		t.Fatalf("Status is %+v", r.Status())
	}
	close(release)
	r.Wait()
	if stateOf(r, "v3") != StateActive {
		t.Fatalf("Status is %+v", r.Status())
	}
}

func TestSkipWaitingAndClaim(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistration(newNetwork())
	r.Register(ctx, "v1", echo("v1"))

	release := make(chan struct{})
	r.mu.Lock()
	v1 := r.controller
	r.mu.Unlock()
	v1.scope.OnFetch(func(e *FetchEvent) {
		e.WaitUntil(func(ctx context.Context) error {
			<-release
			return nil
		})
	})
	fetchBody(t, r, request("GET", "/"))
	defer func() {
		close(release)
		r.Wait()
	}()

	err := r.Register(ctx, "v2", func(s *Scope) {
		s.OnInstall(func(e *ExtendableEvent) { s.SkipWaiting() })
		s.OnActivate(func(e *ExtendableEvent) { s.Claim() })
		echo("v2")(s)
	})
	if err != nil {
		t.Fatal(err)
	}
	if tag, _ := r.Controller(); tag != "v2" {
		t.Fatalf("Controller is %s", tag)
	}
	if stateOf(r, "v1") != StateRedundant {
		t.Fatalf("v1 is %s", stateOf(r, "v1"))
	}
	if body := fetchBody(t, r, request("GET", "/")); body != "v2" {
		t.Fatalf("Body is %s", body)
	}
}

func TestFetchTasksOutliveRequest(t *testing.T) {
	r := newTestRegistration(newNetwork())
	done := make(chan error, 1)
	r.Register(context.Background(), "v1", func(s *Scope) {
		s.OnFetch(func(e *FetchEvent) {
			e.WaitUntil(func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				done <- ctx.Err()
				return nil
			})
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := request("GET", "/").WithContext(ctx)
	res, err := r.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	cancel()
	r.Wait()
	if err := <-done; err != nil {
		t.Fatalf("Task context: %v", err)
	}
}

func TestUnregister(t *testing.T) {
	n := newNetwork()
	r := newTestRegistration(n)
	r.Register(context.Background(), "v1", echo("v1"))
	r.Unregister()

	if _, ok := r.Controller(); ok {
		t.Fatal("Generation in control after unregister")
	}
	if stateOf(r, "v1") != StateRedundant {
		t.Fatalf("v1 is %s", stateOf(r, "v1"))
	}
	if body := fetchBody(t, r, request("GET", "/")); body != "<html>shell</html>" {
		t.Fatalf("Body is %s", body)
	}
	// the same tag can be registered again
	if err := r.Register(context.Background(), "v1", echo("v1")); err != nil {
		t.Fatal(err)
	}
	if body := fetchBody(t, r, request("GET", "/")); body != "v1" {
		t.Fatalf("Body is %s", body)
	}
}

func TestCloseStopsIntercepting(t *testing.T) {
	n := newNetwork()
	r := newTestRegistration(n)
	r.Register(context.Background(), "v1", echo("v1"))

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := r.RoundTrip(request("GET", "/")); err == nil {
				res.Body.Close()
			}
		}()
	}
	r.Close()
	wg.Wait()
	r.Wait()

	if body := fetchBody(t, r, request("GET", "/")); body != "<html>shell</html>" {
		t.Fatalf("Body after close is %s", body)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controller.inflight != 0 {
		t.Fatalf("%d fetches in flight", r.controller.inflight)
	}
}
