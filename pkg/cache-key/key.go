package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = " "

// GetKey returns the cache key for a request, i.e. its identity as far as the cache is concerned.
// The key consists of the request method and the absolute request URL without fragment.
// Requests that only carry a path (e.g. incoming server requests) take scheme and host from r.Host.
func GetKey(r *http.Request) string {
	return r.Method + methodSeparator + RequestURL(r).String()
}

// VaryFields returns the canonical names of the request header fields listed in the Vary
// header of a response. A "*" member is returned as is.
func VaryFields(h http.Header) []string {
	fields := make([]string, 0)
	for _, v := range h.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name != "*" {
				name = http.CanonicalHeaderKey(name)
			}
			fields = append(fields, name)
		}
	}
	return fields
}

// RequestURL returns the absolute URL of the request, as used in cache keys.
func RequestURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" && u.Host != "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return &u
}

// GetRequestFromKey generates a request that is caching-wise equal to the request that resulted in
// the provided key.
// It returns an error if the key cannot be parsed.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || uri == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}
