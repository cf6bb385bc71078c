package spider

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"crawlcore/pkg/types"
)

// LinkOptions tunes which anchors a LinkSpider follows.
type LinkOptions struct {
	MaxDepth        int
	AllowedDomains  []string
	ExcludedDomains []string
	IncludePatterns []string
	ExcludePatterns []string
	MaxLinksPerPage int
	FollowExternal  bool
	RespectNofollow bool
}

// LinkSpider is the default spider: it follows in-page anchors up to a depth
// limit and emits one item per page with the title and raw body.
type LinkSpider struct {
	name  string
	seeds []Seed
	opts  LinkOptions

	allowed  map[string]struct{}
	excluded map[string]struct{}

	includePatterns []*regexp.Regexp
	excludePatterns []*regexp.Regexp
}

// NewLinkSpider builds a link-following spider from seeds and options.
func NewLinkSpider(name string, seeds []Seed, opts LinkOptions) (*LinkSpider, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("spider %q needs at least one seed", name)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.MaxLinksPerPage <= 0 {
		opts.MaxLinksPerPage = 200
	}

	allowed := make(map[string]struct{}, len(opts.AllowedDomains))
	for _, v := range opts.AllowedDomains {
		allowed[strings.ToLower(v)] = struct{}{}
	}
	excluded := make(map[string]struct{}, len(opts.ExcludedDomains))
	for _, v := range opts.ExcludedDomains {
		excluded[strings.ToLower(v)] = struct{}{}
	}

	include, err := compilePatterns(opts.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}

	return &LinkSpider{
		name:            name,
		seeds:           seeds,
		opts:            opts,
		allowed:         allowed,
		excluded:        excluded,
		includePatterns: include,
		excludePatterns: exclude,
	}, nil
}

func (s *LinkSpider) Name() string { return s.name }

// StartRequests builds one request per seed at depth zero.
func (s *LinkSpider) StartRequests() ([]*types.Request, error) {
	reqs := make([]*types.Request, 0, len(s.seeds))
	for _, seed := range s.seeds {
		req, err := types.NewRequest(seed.URL, "GET")
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", seed.URL, err)
		}
		req.Priority = seed.Priority
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Process extracts followable links and emits a page item.
func (s *LinkSpider) Process(resp *types.Response) (*ParseResult, error) {
	if resp == nil || resp.Request == nil {
		return nil, fmt.Errorf("response without request")
	}

	result := &ParseResult{}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html for %s: %w", resp.Request.URL, err)
	}

	item := &types.Item{
		Source: resp.Request.URL.String(),
		Fields: map[string]any{
			"title":  strings.TrimSpace(doc.Find("title").First().Text()),
			"status": resp.StatusCode,
			"bytes":  len(resp.Body),
		},
	}
	result.Items = append(result.Items, item)

	depth := resp.Request.Depth
	if depth >= s.opts.MaxDepth {
		return result, nil
	}

	base := resp.Request.URL
	seen := make(map[string]struct{})

	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return true
		}
		if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return true
		}
		if s.opts.RespectNofollow {
			if rel, _ := sel.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
				return true
			}
		}

		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		if !s.acceptLink(base, u) {
			return true
		}
		key := u.String()
		if _, exists := seen[key]; exists {
			return true
		}
		seen[key] = struct{}{}

		child, err := types.NewRequest(u.String(), "GET")
		if err != nil {
			return true
		}
		child.Depth = depth + 1
		result.Requests = append(result.Requests, child)
		return len(result.Requests) < s.opts.MaxLinksPerPage
	})

	return result, nil
}

func (s *LinkSpider) acceptLink(base, target *url.URL) bool {
	if target == nil {
		return false
	}
	scheme := strings.ToLower(target.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}

	host := strings.ToLower(target.Hostname())
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[host]; !ok {
			return false
		}
	}
	if _, denied := s.excluded[host]; denied {
		return false
	}

	if !s.opts.FollowExternal && !sameDomain(base, target) {
		return false
	}

	if len(s.includePatterns) > 0 {
		matched := false
		for _, pat := range s.includePatterns {
			if pat.MatchString(target.String()) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pat := range s.excludePatterns {
		if pat.MatchString(target.String()) {
			return false
		}
	}
	return true
}
