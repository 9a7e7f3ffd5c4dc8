package tee

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	// only the first call counts, as with net/http
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// write http status, headers, and separator to buffer
	// this uses HTTP 1.1 format only
	t.b.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode)))
	t.header.Write(t.b)
	t.b.WriteString("\r\n")
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Response returns the recorded response as a byte slice.
// If nothing was written, an empty 200 response is recorded first.
func (t *ResponseSaver) Response() []byte {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Bytes()
}

// HTTPResponse parses the recorded response.
// The request is attached to the response and decides e.g. whether a body is expected.
func (t *ResponseSaver) HTTPResponse(req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(t.Response())), req)
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
