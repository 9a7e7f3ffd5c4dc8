package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	storedAtHeaderName     = "Ocache-Stored-At"
	requestHeaderKeyPrefix = "Ocache-Request-"
)

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was put into the cache.
	StoredAt time.Time
	// Request header fields the response varies on, as sent with the request that was stored.
	RequestHeader http.Header
}

// BytesToStoredResponse reads a response previously serialized with StoredResponseToBytes.
// The given request (which may be nil) is attached to the response.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("Stored response has bad %s header: %w", storedAtHeaderName, err)
	}
	sRes.StoredAt = time.Unix(storedAt, 0)
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	sRes.RequestHeader = http.Header{}
	for key, values := range res.Header {
		if name, found := strings.CutPrefix(key, requestHeaderKeyPrefix); found {
			sRes.RequestHeader[name] = values
			res.Header.Del(key)
		}
	}
	return sRes, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the stored response.
// The response body is consumed and replaced with an equal, unread body.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	for name := range sRes.RequestHeader {
		res.Header.Set(requestHeaderKeyPrefix+name, strings.Join(sRes.RequestHeader.Values(name), ", "))
	}
	bts, err := responseToBytes(res)
	// remove the extra headers just in case
	res.Header.Del(storedAtHeaderName)
	for name := range sRes.RequestHeader {
		res.Header.Del(requestHeaderKeyPrefix + name)
	}
	return bts, err
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}
	// write a copy with a known length so that the body is never chunked
	out := *res
	out.ProtoMajor, out.ProtoMinor = 1, 1
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.TransferEncoding = nil
	out.Close = false
	buf := &bytes.Buffer{}
	if err := out.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	return buf.Bytes(), nil
}
