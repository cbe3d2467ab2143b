package bulk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FileRef points at one export output file.
type FileRef struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count *int   `json:"count,omitempty"`
}

// Manifest is the body of the final 200 status response.
type Manifest struct {
	TransactionTime     string    `json:"transactionTime"`
	Request             string    `json:"request"`
	RequiresAccessToken bool      `json:"requiresAccessToken"`
	Output              []FileRef `json:"output"`
	Error               []FileRef `json:"error,omitempty"`
	Deleted             []FileRef `json:"deleted,omitempty"`
}

// Types returns the distinct output resource types in manifest order.
func (m *Manifest) Types() []string {
	seen := map[string]bool{}
	var types []string
	for _, f := range m.Output {
		if !seen[f.Type] {
			seen[f.Type] = true
			types = append(types, f.Type)
		}
	}
	return types
}

// FilesOfType returns the output files declared for a resource type.
func (m *Manifest) FilesOfType(resourceType string) []FileRef {
	var out []FileRef
	for _, f := range m.Output {
		if f.Type == resourceType {
			out = append(out, f)
		}
	}
	return out
}

const manifestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["transactionTime", "request", "requiresAccessToken", "output"],
  "properties": {
    "transactionTime": {"type": "string", "minLength": 1},
    "request": {"type": "string", "minLength": 1},
    "requiresAccessToken": {"type": "boolean"},
    "output": {"type": "array", "items": {"$ref": "#/definitions/fileRef"}},
    "error": {"type": "array", "items": {"$ref": "#/definitions/fileRef"}},
    "deleted": {"type": "array", "items": {"$ref": "#/definitions/fileRef"}}
  },
  "definitions": {
    "fileRef": {
      "type": "object",
      "required": ["type", "url"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "url": {"type": "string", "minLength": 1},
        "count": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.json", strings.NewReader(manifestSchemaJSON)); err != nil {
			manifestSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		manifestSchema, manifestSchemaErr = compiler.Compile("manifest.json")
		if manifestSchemaErr != nil {
			manifestSchemaErr = fmt.Errorf("compile schema: %w", manifestSchemaErr)
		}
	})
	return manifestSchema, manifestSchemaErr
}

// ParseManifest validates data against the manifest schema and decodes it.
func ParseManifest(data []byte) (*Manifest, error) {
	schema, err := compiledManifestSchema()
	if err != nil {
		return nil, err
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("manifest does not match schema: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}
