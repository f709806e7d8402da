package models

import (
	"reflect"
	"strings"
	"time"
)

// ChangeType is the patch intent recorded for a pending field update
type ChangeType string

const (
	ChangeNone   ChangeType = ""
	ChangeAdd    ChangeType = "ADD"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	ChangeRemove ChangeType = "REMOVE"
)

// IsRemoval reports whether the change type asks for the field to go away
func (c ChangeType) IsRemoval() bool {
	return c == ChangeDelete || c == ChangeRemove
}

// Valid reports whether c is one of the known change types
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeNone, ChangeAdd, ChangeUpdate, ChangeDelete, ChangeRemove:
		return true
	}
	return false
}

// ParseChangeType accepts upper or lower case names
func ParseChangeType(s string) (ChangeType, bool) {
	c := ChangeType(strings.ToUpper(strings.TrimSpace(s)))
	return c, c.Valid()
}

// FieldKind tells the patch builder where a field lives on the resource
type FieldKind string

const (
	// KindMetadata fields live under /metadata/<key> and may be absent
	KindMetadata FieldKind = "metadata"
	// KindProperty fields are top-level scalars that always exist on the resource
	KindProperty FieldKind = "property"
)

// Field is a single editable value of a resource, identified by its own UUID
type Field struct {
	UUID     string    `json:"uuid" yaml:"uuid"`
	Key      string    `json:"key" yaml:"key"`
	Path     string    `json:"path" yaml:"path"`
	Kind     FieldKind `json:"kind" yaml:"kind"`
	Required bool      `json:"required,omitempty" yaml:"required"`
	Value    any       `json:"value,omitempty" yaml:"-"`
}

// WithValue returns a copy of the field carrying v
func (f Field) WithValue(v any) Field {
	f.Value = v
	return f
}

// IsEmpty reports whether the field carries no usable value
func (f Field) IsEmpty() bool {
	return IsEmptyValue(f.Value)
}

// FieldUpdate is a pending, not yet persisted change to one field
type FieldUpdate struct {
	Field      Field      `json:"field"`
	ChangeType ChangeType `json:"changeType"`
}

// FieldUpdates maps field UUID to its live update
type FieldUpdates map[string]FieldUpdate

// ResourceUpdateSet is the state tracked for one resource URL
type ResourceUpdateSet struct {
	FieldUpdates   FieldUpdates `json:"fieldUpdates"`
	Order          []string     `json:"order"`
	LastModified   time.Time    `json:"lastModified"`
	IsReinstatable bool         `json:"isReinstatable"`
}

// Ordered returns the updates following field declaration order
func (s *ResourceUpdateSet) Ordered() []FieldUpdate {
	out := make([]FieldUpdate, 0, len(s.Order))
	for _, id := range s.Order {
		if u, ok := s.FieldUpdates[id]; ok {
			out = append(out, u)
		}
	}
	return out
}

// Pending returns only the updates that carry a change type
func (s *ResourceUpdateSet) Pending() []FieldUpdate {
	out := make([]FieldUpdate, 0)
	for _, u := range s.Ordered() {
		if u.ChangeType != ChangeNone {
			out = append(out, u)
		}
	}
	return out
}

// IsEmptyValue treats nil, blank strings and empty collections as empty
func IsEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []MetadataValue:
		for _, m := range t {
			if strings.TrimSpace(m.Value) != "" {
				return false
			}
		}
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
