package offlinecache

import (
	"context"
	"fmt"
	"net/http"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// handlerTransport uses an http.Handler as the network.
// A panicking handler is a failed request.
type handlerTransport struct {
	handler http.Handler
}

// remoteAddr is reported to the handler for every request.
const remoteAddr = "192.0.2.1:1234"

func (t handlerTransport) RoundTrip(req *http.Request) (res *http.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("handler failed: %v", p)
		}
	}()
	rw := tee.NewResponseSaver()
	t.handler.ServeHTTP(rw, serverRequest(req))
	return rw.HTTPResponse(req)
}

// serverRequest turns an outgoing client request into what a handler expects from net/http.
func serverRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())
	if r.Body == nil {
		r.Body = http.NoBody
	}
	if r.Host == "" {
		r.Host = r.URL.Host
	}
	r.RequestURI = r.URL.RequestURI()
	r.RemoteAddr = remoteAddr
	if r.Proto == "" {
		r.Proto, r.ProtoMajor, r.ProtoMinor = "HTTP/1.1", 1, 1
	}
	return r
}

// Middleware creates an installed offline cache in front of next, which serves as the network.
// Relative core assets and requests resolve against config.BaseURL.
func Middleware(ctx context.Context, config Config, next http.Handler) (*OfflineCache, error) {
	config.Transport = handlerTransport{handler: next}
	o, err := New(config)
	if err != nil {
		return nil, err
	}
	if err := o.Install(ctx); err != nil {
		return o, err
	}
	return o, nil
}
