package mockserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ehr/harvester/internal/platform/ndjson"
	"github.com/ehr/harvester/pkg/fhirmodels"
)

// ErrMissingType is returned when a resource has no resourceType.
var ErrMissingType = errors.New("resource has no resourceType")

// record is one stored resource with the fields search filters on.
type record struct {
	id      string
	patient string
	raw     json.RawMessage
}

// Dataset is the in-memory content a Server exposes. It is safe for
// concurrent use.
type Dataset struct {
	mu      sync.RWMutex
	groupID string
	byType  map[string][]record
}

// NewDataset creates an empty dataset whose patients all belong to groupID.
func NewDataset(groupID string) *Dataset {
	return &Dataset{groupID: groupID, byType: make(map[string][]record)}
}

// GroupID returns the id of the group the dataset exports.
func (d *Dataset) GroupID() string { return d.groupID }

// Add stores one resource. Patient links are read from subject or patient
// references; a Patient is linked to itself.
func (d *Dataset) Add(raw json.RawMessage) error {
	var h struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		Subject      *struct {
			Reference string `json:"reference"`
		} `json:"subject"`
		Patient *struct {
			Reference string `json:"reference"`
		} `json:"patient"`
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Errorf("decoding resource: %w", err)
	}
	if h.ResourceType == "" {
		return ErrMissingType
	}

	rec := record{id: h.ID, raw: append(json.RawMessage(nil), raw...)}
	switch {
	case h.ResourceType == fhirmodels.ResourceTypePatient:
		rec.patient = h.ID
	case h.Subject != nil:
		rec.patient = patientID(h.Subject.Reference)
	case h.Patient != nil:
		rec.patient = patientID(h.Patient.Reference)
	}

	d.mu.Lock()
	d.byType[h.ResourceType] = append(d.byType[h.ResourceType], rec)
	d.mu.Unlock()
	return nil
}

// Types returns the stored resource types, sorted.
func (d *Dataset) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.byType))
	for t := range d.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count returns the number of stored resources of one type.
func (d *Dataset) Count(resourceType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byType[resourceType])
}

// NDJSON renders every resource of a type, one per line.
func (d *Dataset) NDJSON(resourceType string) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var buf bytes.Buffer
	for i, r := range d.byType[resourceType] {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(r.raw)
	}
	return buf.Bytes()
}

// Query selects resources for a search. Empty fields match everything.
type Query struct {
	ID      string
	Patient string
}

// Search returns the resources of a type matching q, in insertion order.
func (d *Dataset) Search(resourceType string, q Query) []json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []json.RawMessage
	for _, r := range d.byType[resourceType] {
		if q.ID != "" && r.id != q.ID {
			continue
		}
		if q.Patient != "" && r.patient != q.Patient {
			continue
		}
		out = append(out, r.raw)
	}
	return out
}

// Read returns one resource by id.
func (d *Dataset) Read(resourceType, id string) (json.RawMessage, bool) {
	found := d.Search(resourceType, Query{ID: id})
	if len(found) == 0 {
		return nil, false
	}
	return found[0], true
}

// LoadDataset reads every *.ndjson file in dir into a new dataset.
func LoadDataset(groupID, dir string) (*Dataset, error) {
	d := NewDataset(groupID)
	paths, err := filepath.Glob(filepath.Join(dir, "*"+ndjson.Extension))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	for _, p := range paths {
		err := ndjson.FileEntries(p, func(line int, item json.RawMessage) error {
			if err := d.Add(item); err != nil {
				return fmt.Errorf("%s line %d: %w", p, line, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// SampleDataset generates n patients, each with two Observations, one
// Condition and one Encounter.
func SampleDataset(groupID string, n int) *Dataset {
	d := NewDataset(groupID)
	for i := 1; i <= n; i++ {
		pid := fmt.Sprintf("p%d", i)
		ref := "Patient/" + pid
		d.mustAdd(map[string]interface{}{
			"resourceType": fhirmodels.ResourceTypePatient,
			"id":           pid,
			"name":         []map[string]interface{}{{"family": fmt.Sprintf("Test%d", i), "given": []string{"Sample"}}},
			"gender":       []string{"female", "male"}[i%2],
			"birthDate":    fmt.Sprintf("19%02d-01-01", 50+i%50),
		})
		for j := 1; j <= 2; j++ {
			d.mustAdd(map[string]interface{}{
				"resourceType": "Observation",
				"id":           fmt.Sprintf("obs-%s-%d", pid, j),
				"status":       "final",
				"code":         map[string]interface{}{"text": "Body weight"},
				"subject":      map[string]string{"reference": ref},
				"valueQuantity": map[string]interface{}{
					"value": 60 + i + j,
					"unit":  "kg",
				},
			})
		}
		d.mustAdd(map[string]interface{}{
			"resourceType": "Condition",
			"id":           "cond-" + pid,
			"code":         map[string]interface{}{"text": "Hypertension"},
			"subject":      map[string]string{"reference": ref},
		})
		d.mustAdd(map[string]interface{}{
			"resourceType": "Encounter",
			"id":           "enc-" + pid,
			"status":       "finished",
			"subject":      map[string]string{"reference": ref},
		})
	}
	return d
}

func (d *Dataset) mustAdd(v map[string]interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	if err := d.Add(raw); err != nil {
		panic(err)
	}
}

// patientID accepts "Patient/<id>", an absolute URL ending in it, or a bare id.
func patientID(ref string) string {
	if i := strings.LastIndex(ref, fhirmodels.ResourceTypePatient+"/"); i >= 0 {
		return ref[i+len(fhirmodels.ResourceTypePatient)+1:]
	}
	if strings.Contains(ref, "/") {
		return ""
	}
	return ref
}
