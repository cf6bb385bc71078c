package types

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// FingerprintOpts carries per-request overrides for request fingerprinting.
// A non-nil IncludeHeaders list takes precedence over ExcludeHeaders; an empty
// (but non-nil) IncludeHeaders forces a URL/method/body-only fingerprint.
// Canonicalize, when set, receives the normalized request copy last and may
// rewrite it (for example to strip volatile query parameters) before hashing.
type FingerprintOpts struct {
	IncludeHeaders []string
	ExcludeHeaders []string
	Canonicalize   func(*Request)
}

// Request models a work item submitted to the crawl frontier.
type Request struct {
	URL      *url.URL
	Method   string
	Header   http.Header
	Body     []byte
	Priority int
	Depth    int
	Retries  int

	// Meta is carried through scheduling, fetching, and the page callback
	// untouched by the core except for documented well-known keys
	// (redirect_urls, redirect_times, download_slot).
	Meta map[string]any

	// DontFilter exempts the request from duplicate filtering.
	DontFilter bool

	Fingerprinting FingerprintOpts
}

// NewRequest validates and builds a Request. Malformed URLs are rejected here
// so malformed requests can never reach the scheduler.
func NewRequest(rawurl, method string) (*Request, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse request url %q: %w", rawurl, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request url %q is not absolute", rawurl)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported request scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("request url %q missing host", rawurl)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		URL:    u,
		Method: strings.ToUpper(method),
		Header: make(http.Header),
		Meta:   make(map[string]any),
	}, nil
}

// MustNewRequest is a test and seed-list convenience that panics on bad input.
func MustNewRequest(rawurl, method string) *Request {
	req, err := NewRequest(rawurl, method)
	if err != nil {
		panic(err)
	}
	return req
}

// Clone deep-copies the request so retry and redirect copies can be mutated
// without aliasing the original's headers or metadata.
func (r *Request) Clone() *Request {
	clone := *r
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = make(http.Header)
	}
	clone.Meta = make(map[string]any, len(r.Meta))
	for k, v := range r.Meta {
		clone.Meta[k] = v
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

// SlotKey returns the downloader slot this request is throttled under: the
// request origin, unless Meta["download_slot"] overrides it.
func (r *Request) SlotKey() string {
	if v, ok := r.Meta["download_slot"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return Origin(r.URL)
}

// Origin renders scheme://host:port with the scheme's default port made
// explicit, so "http://example.com" and "http://example.com:80" share a slot.
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	if port == "" {
		return scheme + "://" + host
	}
	return scheme + "://" + host + ":" + port
}

// SameOrigin reports whether two URLs share scheme, host, and port.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return Origin(a) == Origin(b)
}

func (r *Request) String() string {
	if r == nil || r.URL == nil {
		return "<nil request>"
	}
	return r.Method + " " + r.URL.String()
}
