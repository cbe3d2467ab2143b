package fhir

import (
	"encoding/json"

	"github.com/ehr/harvester/pkg/fhirmodels"
)

// Resource is one item visited during a fetch. Raw is the resource exactly
// as the server sent it.
type Resource struct {
	ResourceType string
	ID           string
	Raw          json.RawMessage
}

// resourceHeader is the part of any resource the fetcher inspects.
type resourceHeader struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	Entry        []BundleEntry `json:"entry"`
	Link         []BundleLink  `json:"link"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: fhirmodels.ResourceTypeOperationOutcome,
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}
