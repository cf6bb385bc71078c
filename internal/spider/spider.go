package spider

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"crawlcore/pkg/types"
)

// ParseResult carries what a spider produced from one response: follow-up
// requests for the frontier and scraped items for downstream consumers.
type ParseResult struct {
	Requests []*types.Request
	Items    []*types.Item
}

// Spider turns responses into follow-up requests and items. Process errors are
// processing failures: the engine reports them and never retries the response.
type Spider interface {
	// Name identifies the spider in logs and events.
	Name() string
	// StartRequests yields the seed requests that open the crawl.
	StartRequests() ([]*types.Request, error)
	// Process parses one downloaded response.
	Process(resp *types.Response) (*ParseResult, error)
}

// Seed pairs a start URL with its initial priority.
type Seed struct {
	URL      string
	Priority int
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		pat, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", raw, err)
		}
		compiled = append(compiled, pat)
	}
	return compiled, nil
}

func sameDomain(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname())
}
