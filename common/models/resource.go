package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MetadataValue is one value of a metadata key on a repository resource
type MetadataValue struct {
	Value      string `json:"value"`
	Language   string `json:"language,omitempty"`
	Authority  string `json:"authority,omitempty"`
	Confidence int    `json:"confidence,omitempty"`
	Place      int    `json:"place,omitempty"`
}

// Resource is the remote entity whose fields are being edited.
// Properties hold top-level scalars (name, handle...), Metadata holds the
// multi-valued metadata map.
type Resource struct {
	Type       string                     `json:"type"`
	ID         string                     `json:"id"`
	Self       string                     `json:"-"`
	Properties map[string]any             `json:"-"`
	Metadata   map[string][]MetadataValue `json:"metadata,omitempty"`
}

// Path returns the canonical REST path /<type>/<id>
func (r *Resource) Path() string {
	return fmt.Sprintf("/%s/%s", r.Type, r.ID)
}

// HasMetadata reports whether the resource carries a non-blank value for key
func (r *Resource) HasMetadata(key string) bool {
	for _, v := range r.Metadata[key] {
		if strings.TrimSpace(v.Value) != "" {
			return true
		}
	}
	return false
}

// FirstMetadataValue returns the first value for key or ""
func (r *Resource) FirstMetadataValue(key string) string {
	if vals := r.Metadata[key]; len(vals) > 0 {
		return vals[0].Value
	}
	return ""
}

// Property returns a top-level property value
func (r *Resource) Property(key string) (any, bool) {
	v, ok := r.Properties[key]
	return v, ok
}

// MarshalJSON flattens Properties next to type, id and metadata
func (r Resource) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Properties)+4)
	for k, v := range r.Properties {
		out[k] = v
	}
	out["type"] = r.Type
	out["id"] = r.ID
	if r.Metadata != nil {
		out["metadata"] = r.Metadata
	}
	if r.Self != "" {
		out["_links"] = map[string]any{"self": map[string]string{"href": r.Self}}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the REST representation (uuid is accepted as id)
func (r *Resource) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	res := Resource{Properties: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "type":
			if err := json.Unmarshal(v, &res.Type); err != nil {
				return fmt.Errorf("decode type: %w", err)
			}
		case "id", "uuid":
			var id string
			if err := json.Unmarshal(v, &id); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			if res.ID == "" || k == "id" {
				res.ID = id
			}
		case "metadata":
			if err := json.Unmarshal(v, &res.Metadata); err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
		case "_links":
			var links struct {
				Self struct {
					Href string `json:"href"`
				} `json:"self"`
			}
			if err := json.Unmarshal(v, &links); err == nil {
				res.Self = links.Self.Href
			}
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("decode property %s: %w", k, err)
			}
			res.Properties[k] = val
		}
	}

	*r = res
	return nil
}
