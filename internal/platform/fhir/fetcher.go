package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ehr/harvester/internal/platform/httpclient"
	"github.com/ehr/harvester/pkg/fhirmodels"
)

// Requester is the subset of *httpclient.Client the fetcher needs.
type Requester interface {
	Request(ctx context.Context, url string, opts httpclient.RequestOptions) (*httpclient.Response, error)
	Resolve(ref string) (string, error)
}

// Visitor receives each resource in page order. Returning an error stops the
// walk.
type Visitor func(ctx context.Context, r Resource) error

// Fetcher walks search results across linked Bundle pages.
type Fetcher struct {
	client   Requester
	throttle time.Duration
}

// NewFetcher creates a Fetcher that waits throttle before every page after
// the first.
func NewFetcher(client Requester, throttle time.Duration) *Fetcher {
	return &Fetcher{client: client, throttle: throttle}
}

// VisitAll fetches url and calls visit for every resource it yields. Bundles
// are unwrapped (nested bundles in place) and their "next" links followed
// until a page has none. Any resource whose type is empty or differs from
// expectedType aborts the walk with a *ProtocolError.
func (f *Fetcher) VisitAll(ctx context.Context, url, expectedType string, visit Visitor) error {
	for page := 0; url != ""; page++ {
		if page > 0 {
			if err := f.wait(ctx); err != nil {
				return err
			}
		}

		resolved, err := f.client.Resolve(url)
		if err != nil {
			return err
		}
		url = resolved

		payload, err := f.fetch(ctx, url)
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}

		var h resourceHeader
		if err := json.Unmarshal(payload, &h); err != nil {
			return &ProtocolError{URL: url, Msg: fmt.Sprintf("decoding payload: %v", err), Body: Excerpt(string(payload))}
		}

		if !isBundle(h.ResourceType) {
			return f.visitItem(ctx, url, expectedType, payload, visit)
		}

		for _, e := range h.Entry {
			if err := f.visitItem(ctx, url, expectedType, e.Resource, visit); err != nil {
				return err
			}
		}
		url = linkURL(h.Link, fhirmodels.LinkRelationNext)
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) (json.RawMessage, error) {
	h := http.Header{}
	h.Set("Accept", fhirmodels.MediaTypeFHIRJSON)
	resp, err := f.client.Request(ctx, url, httpclient.RequestOptions{Headers: h})
	if err != nil {
		return nil, err
	}
	if resp.NotModified() {
		return nil, nil
	}
	if resp.JSON == nil {
		return nil, &ProtocolError{
			URL:  url,
			Msg:  fmt.Sprintf("expected a JSON payload, got %q", resp.Header.Get("Content-Type")),
			Body: Excerpt(resp.Text()),
		}
	}
	return resp.JSON, nil
}

// isBundle reports whether t names a Bundle, ignoring case.
func isBundle(t string) bool {
	return strings.EqualFold(t, fhirmodels.ResourceTypeBundle)
}

// visitItem checks one resource and hands it to visit. A nested Bundle is
// flattened into its entries; its own links are not followed.
func (f *Fetcher) visitItem(ctx context.Context, url, expectedType string, raw json.RawMessage, visit Visitor) error {
	var h resourceHeader
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &h); err != nil {
			return &ProtocolError{URL: url, Msg: fmt.Sprintf("decoding entry: %v", err), Body: Excerpt(string(raw))}
		}
	}

	if isBundle(h.ResourceType) && !isBundle(expectedType) {
		for _, e := range h.Entry {
			if err := f.visitItem(ctx, url, expectedType, e.Resource, visit); err != nil {
				return err
			}
		}
		return nil
	}

	if h.ResourceType == "" || h.ResourceType != expectedType {
		return &ProtocolError{
			URL:      url,
			Expected: expectedType,
			Actual:   h.ResourceType,
			Body:     Excerpt(string(raw)),
		}
	}
	return visit(ctx, Resource{ResourceType: h.ResourceType, ID: h.ID, Raw: raw})
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.throttle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(f.throttle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func linkURL(links []BundleLink, relation string) string {
	b := Bundle{Link: links}
	return b.LinkURL(relation)
}
