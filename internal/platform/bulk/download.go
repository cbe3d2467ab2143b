package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ehr/harvester/internal/platform/fhir"
	"github.com/ehr/harvester/internal/platform/httpclient"
	"github.com/ehr/harvester/internal/platform/ndjson"
	"github.com/ehr/harvester/pkg/fhirmodels"
)

// Download streams every output file of m into sink, one resource per line,
// and returns the number of resources written per type. Authorization is
// omitted when the manifest does not require an access token.
func (c *Client) Download(ctx context.Context, m *Manifest, sink ndjson.Sink) (map[string]int, error) {
	counts := make(map[string]int)
	for _, ref := range m.Output {
		n, err := c.DownloadFile(ctx, ref, m.RequiresAccessToken, sink)
		counts[ref.Type] += n
		if err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// DownloadFile streams one output file into sink. Every line must be a
// resource of ref.Type.
func (c *Client) DownloadFile(ctx context.Context, ref FileRef, requiresAccessToken bool, sink ndjson.Sink) (int, error) {
	h := http.Header{}
	h.Set("Accept", fhirmodels.MediaTypeNDJSON)
	opts := httpclient.RequestOptions{Headers: h, Raw: true}
	if !requiresAccessToken {
		opts.Authorization = httpclient.NoAuthorization()
	}

	resp, err := c.http.Request(ctx, ref.URL, opts)
	if err != nil {
		return 0, fmt.Errorf("downloading %s: %w", ref.URL, err)
	}
	if resp.HTTP == nil || resp.HTTP.Body == nil || resp.NotModified() {
		return 0, nil
	}
	body := resp.HTTP.Body
	defer body.Close()

	return copyResources(ref, body, sink)
}

func copyResources(ref FileRef, body io.Reader, sink ndjson.Sink) (int, error) {
	n := 0
	err := ndjson.Entries(body, func(line int, item json.RawMessage) error {
		var h struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(item, &h); err != nil {
			return fmt.Errorf("%s line %d: %w", ref.URL, line, err)
		}
		if h.ResourceType == "" || (ref.Type != "" && h.ResourceType != ref.Type) {
			return &fhir.ProtocolError{
				URL:      fmt.Sprintf("%s#L%d", ref.URL, line),
				Expected: ref.Type,
				Actual:   h.ResourceType,
				Body:     fhir.Excerpt(string(item)),
			}
		}
		if err := sink.Append(h.ResourceType, item); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("reading %s: %w", ref.URL, err)
	}
	return n, nil
}
