package fhirmodels

// Common FHIR and Bulk Data constants used across the application.

// Resource types the harvester treats specially.
const (
	ResourceTypePatient          = "Patient"
	ResourceTypeBundle           = "Bundle"
	ResourceTypeOperationOutcome = "OperationOutcome"
	ResourceTypeGroup            = "Group"
)

// Media types per FHIR R4 and Bulk Data Access v2.
const (
	MediaTypeFHIRJSON = "application/fhir+json"
	MediaTypeNDJSON   = "application/fhir+ndjson"
	MediaTypeJSON     = "application/json"
	MediaTypeForm     = "application/x-www-form-urlencoded"
)

// Bulk Data request/response header values.
const (
	HeaderPrefer          = "Prefer"
	HeaderContentLocation = "Content-Location"
	HeaderRetryAfter      = "Retry-After"
	HeaderProgress        = "X-Progress"
	PreferRespondAsync    = "respond-async"
)

// SMART Backend Services (client_credentials with JWT assertion).
const (
	GrantTypeClientCredentials = "client_credentials"
	ClientAssertionTypeJWT     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// BundleLink relations.
const (
	LinkRelationSelf     = "self"
	LinkRelationNext     = "next"
	LinkRelationPrevious = "previous"
)

// SystemReadScope returns the SMART v1 system-level read scope for a type,
// e.g. "system/Observation.read".
func SystemReadScope(resourceType string) string {
	return "system/" + resourceType + ".read"
}
