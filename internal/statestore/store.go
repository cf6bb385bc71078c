// Package statestore persists a scope's pending requests so a stopped crawl
// can resume where it left off.
package statestore

import (
	"context"
	"fmt"
	"net/http"

	"crawlcore/pkg/types"
)

// PendingRequest is the serialized form of a queued request. It round-trips
// priority, URL, method, headers, and metadata exactly.
type PendingRequest struct {
	URL        string         `json:"url"`
	Method     string         `json:"method"`
	Header     http.Header    `json:"header,omitempty"`
	Body       []byte         `json:"body,omitempty"`
	Priority   int            `json:"priority"`
	Depth      int            `json:"depth"`
	Retries    int            `json:"retries"`
	Meta       map[string]any `json:"meta,omitempty"`
	DontFilter bool           `json:"dont_filter,omitempty"`
}

// FromRequest captures a request for persistence.
func FromRequest(req *types.Request) PendingRequest {
	return PendingRequest{
		URL:        req.URL.String(),
		Method:     req.Method,
		Header:     req.Header.Clone(),
		Body:       req.Body,
		Priority:   req.Priority,
		Depth:      req.Depth,
		Retries:    req.Retries,
		Meta:       req.Meta,
		DontFilter: req.DontFilter,
	}
}

// ToRequest rebuilds the request, re-validating the URL.
func (p PendingRequest) ToRequest() (*types.Request, error) {
	req, err := types.NewRequest(p.URL, p.Method)
	if err != nil {
		return nil, fmt.Errorf("statestore: restore request: %w", err)
	}
	if p.Header != nil {
		req.Header = p.Header.Clone()
	}
	req.Body = p.Body
	req.Priority = p.Priority
	req.Depth = p.Depth
	req.Retries = p.Retries
	if p.Meta != nil {
		req.Meta = p.Meta
	}
	req.DontFilter = p.DontFilter
	return req, nil
}

// PendingStore persists and restores a scope's queued requests. Used only at
// scope close and open.
type PendingStore interface {
	SavePending(ctx context.Context, scopeID string, pending []PendingRequest) error
	LoadPending(ctx context.Context, scopeID string) ([]PendingRequest, error)
	Clear(ctx context.Context, scopeID string) error
	Close() error
}
