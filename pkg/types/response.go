package types

import (
	"errors"
	"net/http"
	"net/url"
	"time"
)

// Response is the outcome of one dispatched fetch. It is short-lived: the
// page callback consumes it and the engine discards it.
type Response struct {
	Request    *Request
	StatusCode int
	Header     http.Header
	Body       []byte
	Encoding   string

	// Flags are free-form observability markers ("cached", "dataloss");
	// they never drive control flow.
	Flags []string

	Latency time.Duration
}

// HasFlag reports whether the response carries the named flag.
func (r *Response) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsRedirect reports whether the status code is a redirect the core follows.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Location resolves the Location header against the request URL.
func (r *Response) Location() (*url.URL, error) {
	loc := r.Header.Get("Location")
	if loc == "" {
		return nil, errors.New("response has no Location header")
	}
	if r.Request == nil || r.Request.URL == nil {
		return url.Parse(loc)
	}
	return r.Request.URL.Parse(loc)
}

func (r *Response) String() string {
	if r == nil {
		return "<nil response>"
	}
	u := ""
	if r.Request != nil && r.Request.URL != nil {
		u = r.Request.URL.String()
	}
	return http.StatusText(r.StatusCode) + " " + u
}
