package schema

import (
	"fmt"
	"sort"
)

// Capability is one thing a variant allows editors to do
type Capability uint8

const (
	CapEditMetadata Capability = 1 << iota
	CapEditProperties
	CapRemove

	capAll = CapEditMetadata | CapEditProperties | CapRemove
)

// BaseVariant is selected when no variant is configured or a type defines none by that name
const BaseVariant = "base"

var capabilityNames = map[string]Capability{
	"edit-metadata":   CapEditMetadata,
	"edit-properties": CapEditProperties,
	"remove":          CapRemove,
}

// VariantDef is the YAML form of a variant
type VariantDef struct {
	// Capabilities replaces the full capability set when present; an empty list makes the type read-only
	Capabilities *[]string  `yaml:"capabilities"`
	Hide         []string   `yaml:"hide"`
	Extra        []FieldDef `yaml:"extra"`
}

// Variant parameterises a resource type for one deployment flavour
type Variant struct {
	Name         string
	Capabilities Capability
	hide         map[string]bool
	extra        []FieldDef
}

// Allows reports whether every capability in c is granted
func (v Variant) Allows(c Capability) bool {
	return v.Capabilities&c == c
}

// CapabilityNames lists the granted capabilities in a stable order
func (v Variant) CapabilityNames() []string {
	out := make([]string, 0, len(capabilityNames))
	for name, c := range capabilityNames {
		if v.Allows(c) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (v Variant) apply(fields []FieldDef) []FieldDef {
	out := make([]FieldDef, 0, len(fields)+len(v.extra))
	for _, f := range fields {
		if !v.hide[f.Key] {
			out = append(out, f)
		}
	}
	return append(out, v.extra...)
}

func resolveVariant(name string, defs map[string]VariantDef) (Variant, error) {
	if name == "" {
		name = BaseVariant
	}
	def, ok := defs[name]
	if !ok {
		return Variant{Name: BaseVariant, Capabilities: capAll}, nil
	}

	v := Variant{Name: name, Capabilities: capAll, hide: make(map[string]bool), extra: def.Extra}
	if def.Capabilities != nil {
		v.Capabilities = 0
		for _, n := range *def.Capabilities {
			c, ok := capabilityNames[n]
			if !ok {
				return Variant{}, fmt.Errorf("variant %s: unknown capability %q", name, n)
			}
			v.Capabilities |= c
		}
	}
	for _, key := range def.Hide {
		v.hide[key] = true
	}
	return v, nil
}
