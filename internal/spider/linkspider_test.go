package spider

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlcore/pkg/types"
)

func pageResponse(t *testing.T, rawurl string, depth int, body string) *types.Response {
	t.Helper()
	req, err := types.NewRequest(rawurl, "GET")
	require.NoError(t, err)
	req.Depth = depth
	return &types.Response{
		Request:    req,
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       []byte(body),
	}
}

func requestURLs(result *ParseResult) []string {
	urls := make([]string, 0, len(result.Requests))
	for _, r := range result.Requests {
		urls = append(urls, r.URL.String())
	}
	return urls
}

func TestStartRequestsCarryPriority(t *testing.T) {
	s, err := NewLinkSpider("test", []Seed{
		{URL: "https://a.example/", Priority: 1},
		{URL: "https://b.example/", Priority: 5},
	}, LinkOptions{})
	require.NoError(t, err)

	reqs, err := s.StartRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, 1, reqs[0].Priority)
	assert.Equal(t, 5, reqs[1].Priority)
	assert.Equal(t, 0, reqs[0].Depth)
}

func TestStartRequestsRejectsBadSeed(t *testing.T) {
	s, err := NewLinkSpider("test", []Seed{{URL: "not a url"}}, LinkOptions{})
	require.NoError(t, err)

	_, err = s.StartRequests()
	require.Error(t, err)
}

func TestProcessExtractsSameDomainLinks(t *testing.T) {
	s, err := NewLinkSpider("test", []Seed{{URL: "https://example.com/"}}, LinkOptions{MaxDepth: 2})
	require.NoError(t, err)

	body := `<html><head><title>Index</title></head><body>
		<a href="/a">a</a>
		<a href="https://example.com/b">b</a>
		<a href="https://other.example/c">external</a>
		<a href="mailto:x@example.com">mail</a>
		<a href="/a#frag">dup of a</a>
	</body></html>`

	result, err := s.Process(pageResponse(t, "https://example.com/", 0, body))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, requestURLs(result))
	for _, req := range result.Requests {
		assert.Equal(t, 1, req.Depth)
	}

	require.Len(t, result.Items, 1)
	assert.Equal(t, "Index", result.Items[0].Fields["title"])
}

func TestProcessStopsAtMaxDepth(t *testing.T) {
	s, err := NewLinkSpider("test", []Seed{{URL: "https://example.com/"}}, LinkOptions{MaxDepth: 1})
	require.NoError(t, err)

	body := `<a href="/deeper">x</a>`
	result, err := s.Process(pageResponse(t, "https://example.com/page", 1, body))
	require.NoError(t, err)
	assert.Empty(t, result.Requests)
	assert.Len(t, result.Items, 1)
}

func TestProcessHonoursDomainLists(t *testing.T) {
	s, err := NewLinkSpider("test", []Seed{{URL: "https://a.example/"}}, LinkOptions{
		MaxDepth:        3,
		FollowExternal:  true,
		AllowedDomains:  []string{"a.example", "b.example"},
		ExcludedDomains: []string{"b.example"},
	})
	require.NoError(t, err)

	body := `<a href="https://a.example/x">in</a>
		<a href="https://b.example/y">excluded</a>
		<a href="https://c.example/z">unlisted</a>`

	result, err := s.Process(pageResponse(t, "https://a.example/", 0, body))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/x"}, requestURLs(result))
}

func TestProcessAppliesPatterns(t *testing.T) {
	s, err := NewLinkSpider("test", []Seed{{URL: "https://example.com/"}}, LinkOptions{
		MaxDepth:        3,
		IncludePatterns: []string{`/articles/`},
		ExcludePatterns: []string{`\.pdf$`},
	})
	require.NoError(t, err)

	body := `<a href="/articles/one">keep</a>
		<a href="/articles/two.pdf">drop</a>
		<a href="/about">drop</a>`

	result, err := s.Process(pageResponse(t, "https://example.com/", 0, body))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/articles/one"}, requestURLs(result))
}

func TestProcessRespectsNofollow(t *testing.T) {
	s, err := NewLinkSpider("test", []Seed{{URL: "https://example.com/"}}, LinkOptions{
		MaxDepth:        3,
		RespectNofollow: true,
	})
	require.NoError(t, err)

	body := `<a href="/follow">yes</a><a href="/skip" rel="nofollow">no</a>`
	result, err := s.Process(pageResponse(t, "https://example.com/", 0, body))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/follow"}, requestURLs(result))
}

func TestProcessCapsLinksPerPage(t *testing.T) {
	s, err := NewLinkSpider("test", []Seed{{URL: "https://example.com/"}}, LinkOptions{
		MaxDepth:        3,
		MaxLinksPerPage: 2,
	})
	require.NoError(t, err)

	body := `<a href="/1">1</a><a href="/2">2</a><a href="/3">3</a>`
	result, err := s.Process(pageResponse(t, "https://example.com/", 0, body))
	require.NoError(t, err)
	assert.Len(t, result.Requests, 2)
}
