package mockserver

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/ehr/harvester/internal/platform/fhir"
	"github.com/ehr/harvester/pkg/fhirmodels"
	"github.com/ehr/harvester/pkg/pagination"
)

// search handles GET /fhir/:type. Supported parameters are _id, patient,
// subject, _count and _offset.
func (s *Server) search(c echo.Context) error {
	resourceType := c.Param("type")

	q := Query{ID: c.QueryParam("_id")}
	filters := url.Values{}
	if q.ID != "" {
		filters.Set("_id", q.ID)
	}
	for _, name := range []string{"patient", "subject"} {
		if v := c.QueryParam(name); v != "" {
			q.Patient = patientID(v)
			filters.Set(name, v)
		}
	}

	page := pagination.FromContext(c)
	if s.cfg.PageSize > 0 {
		page = pagination.Parse(c.QueryParam("_count"), c.QueryParam("_offset"), s.cfg.PageSize)
	}

	matches := s.cfg.Dataset.Search(resourceType, q)
	start, end := page.Window(len(matches))

	bundle := fhir.NewSearchBundleWithLinks(matches[start:end], fhir.SearchBundleParams{
		BaseURL:  s.baseURL(c) + "/fhir/" + resourceType,
		QueryStr: filters.Encode(),
		Count:    page.Limit,
		Offset:   page.Offset,
		Total:    len(matches),
	})

	if len(matches) == 0 && s.cfg.OutcomeOnEmpty {
		outcome, err := json.Marshal(fhir.NewOperationOutcome("information", "not-found", "no "+resourceType+" resources match the search"))
		if err != nil {
			return err
		}
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			Resource: outcome,
			Search:   &fhir.BundleSearch{Mode: "outcome"},
		})
	}

	return c.JSON(http.StatusOK, bundle)
}

// read handles GET /fhir/:type/:id.
func (s *Server) read(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	raw, ok := s.cfg.Dataset.Read(resourceType, id)
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id))
	}
	return c.Blob(http.StatusOK, fhirmodels.MediaTypeFHIRJSON, raw)
}
