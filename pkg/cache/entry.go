// Package cache stores CI API responses in Redis so requests can be
// revalidated with If-None-Match / If-Modified-Since. A 304 answer does not
// count against the API rate budget, which makes re-fetching an unchanged
// run almost free.
package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Entry is a cached API response.
type Entry struct {
	Body         []byte      `json:"body"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"last_modified,omitempty"`
	StatusCode   int         `json:"status_code"`
	Header       http.Header `json:"header"`
	StoredAt     time.Time   `json:"stored_at"`
}

// Revalidatable reports whether a conditional request can be built from the entry.
func (e *Entry) Revalidatable() bool {
	return e != nil && (e.ETag != "" || e.LastModified != "")
}

// FromResponse reads resp into an Entry. The body is restored so the caller
// can still consume it.
func FromResponse(resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		StatusCode:   resp.StatusCode,
		Header:       resp.Header.Clone(),
		StoredAt:     time.Now(),
	}, nil
}

// Response rebuilds an HTTP response from the entry.
func (e *Entry) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        http.StatusText(e.StatusCode),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// AddConditionalHeaders makes req a conditional request against e.
// ETag wins over Last-Modified.
func AddConditionalHeaders(req *http.Request, e *Entry) {
	if req == nil || !e.Revalidatable() {
		return
	}
	if e.ETag != "" {
		req.Header.Set("If-None-Match", e.ETag)
		return
	}
	req.Header.Set("If-Modified-Since", e.LastModified)
}
