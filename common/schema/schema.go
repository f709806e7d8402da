// Package schema declares which fields of each repository resource type are
// editable, where they live in the resource document and which validators apply.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/validation"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultDefinitions []byte

// fieldNamespace scopes the deterministic field UUIDs
var fieldNamespace = uuid.MustParse("6f6c1a8e-3f51-4f0e-9a57-1f0d2b4c9e11")

var (
	// ErrUnknownType is returned for resource types without a definition
	ErrUnknownType = errors.New("unknown resource type")
	// ErrUnknownField is returned for field ids or keys not declared on a type
	ErrUnknownField = errors.New("unknown field")
)

// File is the on-disk layout of a schema document
type File struct {
	Resources map[string]ResourceDef `yaml:"resources"`
}

// ResourceDef declares one resource type
type ResourceDef struct {
	Endpoint string                `yaml:"endpoint"`
	Fields   []FieldDef            `yaml:"fields"`
	Variants map[string]VariantDef `yaml:"variants"`
}

// FieldDef declares one editable field
type FieldDef struct {
	Key      string            `yaml:"key"`
	Kind     models.FieldKind  `yaml:"kind"`
	Path     string            `yaml:"path"`
	Required bool              `yaml:"required"`
	Rules    []validation.Rule `yaml:"rules"`
}

// Resource is the compiled, variant-applied view of one resource type
type Resource struct {
	Type     string
	Endpoint string
	Fields   []models.Field
	Variant  Variant

	policy *validation.RulePolicy
}

// Schema holds every compiled resource type. It is safe for concurrent use and
// can be swapped atomically by Reload.
type Schema struct {
	mu        sync.RWMutex
	resources map[string]*Resource
	byID      map[string]*Resource
	variant   string
	registry  *validation.Registry
	log       *logger.Logger
}

// New creates a schema from the built-in definitions
func New(registry *validation.Registry, variant string, log *logger.Logger) (*Schema, error) {
	s := &Schema{registry: registry, variant: variant, log: log}
	if err := s.Reload(defaultDefinitions); err != nil {
		return nil, fmt.Errorf("built-in schema: %w", err)
	}
	return s, nil
}

// Load creates a schema from the built-in definitions overlaid with the file at path
func Load(path string, registry *validation.Registry, variant string, log *logger.Logger) (*Schema, error) {
	s, err := New(registry, variant, log)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return s, nil
	}
	if err := s.ReloadFile(path); err != nil {
		return nil, err
	}
	return s, nil
}

// ReloadFile re-reads path and replaces the compiled schema
func (s *Schema) ReloadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", path, err)
	}
	return s.Reload(data)
}

// Reload parses data, overlays it on the built-in definitions and swaps the
// compiled result in. On error the previous schema stays active.
func (s *Schema) Reload(data []byte) error {
	var base File
	if err := yaml.Unmarshal(defaultDefinitions, &base); err != nil {
		return fmt.Errorf("parse built-in schema: %w", err)
	}

	var overlay File
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	for typ, def := range overlay.Resources {
		base.Resources[typ] = def
	}

	resources := make(map[string]*Resource, len(base.Resources))
	byID := make(map[string]*Resource)
	for typ, def := range base.Resources {
		res, err := s.compile(typ, def)
		if err != nil {
			return err
		}
		resources[typ] = res
		for _, f := range res.Fields {
			byID[f.UUID] = res
		}
	}

	s.mu.Lock()
	s.resources = resources
	s.byID = byID
	s.mu.Unlock()

	s.log.Info("resource schema loaded", "types", len(resources), "variant", s.variant)
	return nil
}

func (s *Schema) compile(typ string, def ResourceDef) (*Resource, error) {
	if def.Endpoint == "" {
		return nil, fmt.Errorf("resource %s: endpoint is required", typ)
	}

	variant, err := resolveVariant(s.variant, def.Variants)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", typ, err)
	}

	defs := variant.apply(def.Fields)
	res := &Resource{
		Type:     typ,
		Endpoint: strings.Trim(def.Endpoint, "/"),
		Fields:   make([]models.Field, 0, len(defs)),
		Variant:  variant,
		policy:   validation.NewRulePolicy(s.registry),
	}

	seen := make(map[string]bool, len(defs))
	for _, fd := range defs {
		if fd.Key == "" {
			return nil, fmt.Errorf("resource %s: field without key", typ)
		}
		if seen[fd.Key] {
			return nil, fmt.Errorf("resource %s: duplicate field %s", typ, fd.Key)
		}
		seen[fd.Key] = true

		field, err := compileField(typ, fd)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", typ, err)
		}

		rules := fd.Rules
		if fd.Required && !hasRule(rules, validation.KeyRequired) {
			rules = append([]validation.Rule{{Key: validation.KeyRequired}}, rules...)
		}
		if err := res.policy.Bind(field.Key, rules); err != nil {
			return nil, fmt.Errorf("resource %s: %w", typ, err)
		}

		res.Fields = append(res.Fields, field)
	}
	return res, nil
}

func compileField(typ string, fd FieldDef) (models.Field, error) {
	kind := fd.Kind
	if kind == "" {
		kind = models.KindMetadata
	}
	if kind != models.KindMetadata && kind != models.KindProperty {
		return models.Field{}, fmt.Errorf("field %s: unknown kind %q", fd.Key, kind)
	}

	path := fd.Path
	if path == "" {
		if kind == models.KindMetadata {
			path = "/metadata/" + fd.Key
		} else {
			path = "/" + fd.Key
		}
	}
	if !strings.HasPrefix(path, "/") {
		return models.Field{}, fmt.Errorf("field %s: path must start with /", fd.Key)
	}

	return models.Field{
		UUID:     FieldID(typ, fd.Key),
		Key:      fd.Key,
		Path:     path,
		Kind:     kind,
		Required: fd.Required,
	}, nil
}

func hasRule(rules []validation.Rule, key validation.ValidatorKey) bool {
	for _, r := range rules {
		if r.Key == key {
			return true
		}
	}
	return false
}

// FieldID is the stable identifier of a field key on a resource type
func FieldID(typ, key string) string {
	return uuid.NewSHA1(fieldNamespace, []byte(typ+"/"+key)).String()
}

// Types lists the known resource types
func (s *Schema) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.resources))
	for typ := range s.resources {
		out = append(out, typ)
	}
	return out
}

// Resource returns the compiled definition of typ
func (s *Schema) Resource(typ string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.resources[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return res, nil
}

// Validate implements validation.Policy by dispatching on the field's UUID to the
// rules of the resource type that declares it. Undeclared fields are accepted.
func (s *Schema) Validate(field models.Field) error {
	s.mu.RLock()
	res, ok := s.byID[field.UUID]
	s.mu.RUnlock()

	if !ok {
		return nil
	}
	return res.policy.Validate(field)
}

// Path returns the store and REST path of resource id, e.g. /eperson/groups/<id>
func (r *Resource) Path(id string) string {
	if strings.Contains(r.Endpoint, "{id}") {
		return "/" + strings.ReplaceAll(r.Endpoint, "{id}", id)
	}
	return "/" + r.Endpoint + "/" + id
}

// Field looks a field up by UUID or key
func (r *Resource) Field(idOrKey string) (models.Field, error) {
	for _, f := range r.Fields {
		if f.UUID == idOrKey || f.Key == idOrKey {
			return f, nil
		}
	}
	return models.Field{}, fmt.Errorf("%w: %s on %s", ErrUnknownField, idOrKey, r.Type)
}

// FieldsFrom returns the declared fields carrying the values found on doc.
// Metadata fields take the first value of their key.
func (r *Resource) FieldsFrom(doc *models.Resource) []models.Field {
	out := make([]models.Field, 0, len(r.Fields))
	for _, f := range r.Fields {
		if doc == nil {
			out = append(out, f)
			continue
		}
		switch f.Kind {
		case models.KindMetadata:
			if doc.HasMetadata(f.Key) {
				f = f.WithValue(doc.FirstMetadataValue(f.Key))
			}
		case models.KindProperty:
			if v, ok := doc.Property(strings.TrimPrefix(f.Path, "/")); ok {
				f = f.WithValue(v)
			}
		}
		out = append(out, f)
	}
	return out
}
