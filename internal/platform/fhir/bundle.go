package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/harvester/pkg/fhirmodels"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// LinkURL returns the URL of the first link with the given relation, or "".
func (b *Bundle) LinkURL(relation string) string {
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL  string
	QueryStr string
	Count    int
	Offset   int
	Total    int
}

// NewSearchBundleWithLinks creates a searchset Bundle with self/next/previous
// links built from params.
func NewSearchBundleWithLinks(resources []json.RawMessage, params SearchBundleParams) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, raw := range resources {
		entries[i] = BundleEntry{
			FullURL:  extractFullURL(raw),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
	}

	return &Bundle{
		ResourceType: fhirmodels.ResourceTypeBundle,
		Type:         "searchset",
		Total:        &params.Total,
		Timestamp:    &now,
		Link:         buildPaginationLinks(params),
		Entry:        entries,
	}
}

// extractFullURL builds a relative fullUrl from a resource's type and id.
func extractFullURL(raw json.RawMessage) string {
	var h struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return ""
	}
	if h.ResourceType != "" && h.ID != "" {
		return fmt.Sprintf("%s/%s", h.ResourceType, h.ID)
	}
	return ""
}

// buildPaginationLinks creates self, next, and previous links for searchset bundles.
func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	page := func(offset int) string {
		return fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, conditionalAmpersand(params.QueryStr), params.Count, offset)
	}

	links := []BundleLink{{Relation: fhirmodels.LinkRelationSelf, URL: page(params.Offset)}}

	// Next link: only if there are more results
	if nextOffset := params.Offset + params.Count; nextOffset < params.Total {
		links = append(links, BundleLink{Relation: fhirmodels.LinkRelationNext, URL: page(nextOffset)})
	}

	// Previous link: only if not at the first page
	if params.Offset > 0 {
		prevOffset := params.Offset - params.Count
		if prevOffset < 0 {
			prevOffset = 0
		}
		links = append(links, BundleLink{Relation: fhirmodels.LinkRelationPrevious, URL: page(prevOffset)})
	}

	return links
}

// conditionalAmpersand returns the query string with a trailing & if non-empty.
func conditionalAmpersand(qs string) string {
	if qs == "" {
		return ""
	}
	return qs + "&"
}
