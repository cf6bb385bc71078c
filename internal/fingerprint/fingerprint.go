package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"crawlcore/pkg/types"
)

// Policy sets the crawl-wide fingerprinting defaults. Per-request
// FingerprintOpts override header selection and add a canonicalization hook.
type Policy struct {
	// SortQuery sorts query parameters before hashing. Off by default: the
	// default canonical form preserves parameter order and only normalizes
	// percent-encoding case.
	SortQuery bool

	IncludeHeaders []string
	ExcludeHeaders []string
}

// Fingerprinter maps requests to stable hex digests. Fingerprint equality
// means "same logical resource request" under the crawl's dedup policy.
type Fingerprinter struct {
	policy Policy
}

func New(policy Policy) *Fingerprinter {
	return &Fingerprinter{policy: policy}
}

// bodylessMethods are methods whose body is not semantically significant and
// therefore excluded from the digest.
var bodylessMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodDelete:  {},
	http.MethodTrace:   {},
	http.MethodOptions: {},
	http.MethodConnect: {},
}

// Fingerprint computes the request digest. It is deterministic across process
// restarts: no map iteration order, object identity, or wall clock leaks into
// the hash. Pure except for the request's optional Canonicalize hook.
func (f *Fingerprinter) Fingerprint(req *types.Request) string {
	norm := req.Clone()
	norm.Method = strings.ToUpper(norm.Method)
	norm.URL = canonicalURL(norm.URL, f.policy.SortQuery)

	if hook := req.Fingerprinting.Canonicalize; hook != nil {
		hook(norm)
	}

	include, exclude := f.headerPolicy(req)

	h := sha1.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(norm.Method)
	write(norm.URL.String())

	for _, name := range selectHeaders(norm.Header, include, exclude) {
		write(name)
		for _, v := range norm.Header.Values(name) {
			write(v)
		}
	}

	if _, bodyless := bodylessMethods[norm.Method]; !bodyless {
		// nil and empty bodies hash identically.
		h.Write(norm.Body)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (f *Fingerprinter) headerPolicy(req *types.Request) (include, exclude []string) {
	include = f.policy.IncludeHeaders
	exclude = f.policy.ExcludeHeaders
	if req.Fingerprinting.IncludeHeaders != nil {
		include = req.Fingerprinting.IncludeHeaders
	}
	if req.Fingerprinting.ExcludeHeaders != nil {
		exclude = req.Fingerprinting.ExcludeHeaders
	}
	return include, exclude
}

// selectHeaders returns the canonical header names participating in the
// digest, lower-cased and sorted. An inclusion list wins over exclusion; with
// neither, no headers participate.
func selectHeaders(header http.Header, include, exclude []string) []string {
	if include != nil {
		selected := make([]string, 0, len(include))
		seen := make(map[string]struct{}, len(include))
		for _, name := range include {
			name = strings.ToLower(name)
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			if header.Get(name) != "" || len(header.Values(name)) > 0 {
				selected = append(selected, name)
			}
		}
		sort.Strings(selected)
		return selected
	}
	if len(exclude) == 0 {
		return nil
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		excluded[strings.ToLower(name)] = struct{}{}
	}
	selected := make([]string, 0, len(header))
	for name := range header {
		lower := strings.ToLower(name)
		if _, skip := excluded[lower]; skip {
			continue
		}
		selected = append(selected, lower)
	}
	sort.Strings(selected)
	return selected
}

// canonicalURL lower-cases scheme and host, strips the scheme's default port,
// and normalizes percent-encoding hex case in path and query. Path and query
// case is otherwise preserved; only scheme and host are case-insensitive.
func canonicalURL(u *url.URL, sortQuery bool) *url.URL {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	host := strings.ToLower(c.Hostname())
	if port := c.Port(); port != "" && port != defaultPort(c.Scheme) {
		host += ":" + port
	}
	c.Host = host
	c.Fragment = ""
	c.RawFragment = ""

	// Escape hex case is normalized without re-decoding, so %2f and %2F
	// collapse to one form while an encoded slash stays distinct from a
	// literal one.
	c.RawPath = normalizeEscapes(u.EscapedPath())
	if c.Path == "" {
		c.Path = "/"
		c.RawPath = ""
	}

	if sortQuery {
		c.RawQuery = sortedQuery(c.RawQuery)
	} else {
		c.RawQuery = normalizeEscapes(c.RawQuery)
	}
	c.ForceQuery = false
	return &c
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

func sortedQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil || len(values) == 0 {
		return normalizeEscapes(rawQuery)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// normalizeEscapes upper-cases the hex digits of every %XX escape while
// leaving everything else, including parameter order, untouched.
func normalizeEscapes(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	b := []byte(s)
	for i := 0; i+2 < len(b); i++ {
		if b[i] != '%' {
			continue
		}
		if isHex(b[i+1]) && isHex(b[i+2]) {
			b[i+1] = upperHex(b[i+1])
			b[i+2] = upperHex(b[i+2])
			i += 2
		}
	}
	return string(b)
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func upperHex(c byte) byte {
	if c >= 'a' && c <= 'f' {
		return c - ('a' - 'A')
	}
	return c
}
