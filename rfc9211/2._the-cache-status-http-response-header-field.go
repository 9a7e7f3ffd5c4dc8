package rfc9211

import (
	"fmt"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches'
// §     handling of the request corresponding to the response it occurs
// §     within.
// §
// §     Its value is a List (Section 3.1 of [STRUCTURED-FIELDS]):
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member of the list represents the cache closest
// §     to the origin server, and the last member of the list represents the
// §     cache closest to the user (possibly including the user agent's cache
// §     itself, if it appends a value).

// Name identifies this cache in Cache-Status members.
const Name = "OfflineCache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin and
// §     why.
type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"
	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// §  2.3.  The fwd-status Parameter
	FwdStatus int
	// §  2.5.  The stored Parameter
	Stored bool
	// §  2.8.  The detail Parameter
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the list member for this cache, e.g. `OfflineCache; fwd=uri-miss; stored`.
func (cs CacheStatus) String() string {
	b := &strings.Builder{}
	b.WriteString(Name)
	switch cs.Status {
	case StatusHit:
		b.WriteString("; hit")
	case StatusFwd:
		reason := cs.FwdReason
		if reason == "" {
			reason = FwdReasonMiss
		}
		fmt.Fprintf(b, "; fwd=%s", reason)
	}
	if cs.FwdStatus != 0 {
		fmt.Fprintf(b, "; fwd-status=%d", cs.FwdStatus)
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Detail != "" {
		fmt.Fprintf(b, "; detail=%s", cs.Detail)
	}
	return b.String()
}
