package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openrepo/editsync/cmd/editsync/models"
	"github.com/openrepo/editsync/common/gateway"
	"github.com/openrepo/editsync/common/jsonpatch"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/metrics"
	cmodels "github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/notify"
	"github.com/openrepo/editsync/common/objectupdates"
	"github.com/openrepo/editsync/common/schema"
	"github.com/openrepo/editsync/common/validation"
)

var (
	// ErrNotPermitted is returned when the active variant does not allow the edit
	ErrNotPermitted = errors.New("edit not permitted")
	// ErrInvalidChange is returned for an unknown or empty change type
	ErrInvalidChange = errors.New("invalid change type")
	// ErrNothingToReinstate is returned when no discard can be undone
	ErrNothingToReinstate = errors.New("nothing to reinstate")
)

// Journal records submit attempts
type Journal interface {
	Record(ctx context.Context, entry *models.JournalEntry) error
	ListByResource(ctx context.Context, resourceURL string, limit int) ([]*models.JournalEntry, error)
}

// Deps are the collaborators of an EditSessionService. Metrics may be nil.
type Deps struct {
	Store     *objectupdates.Store
	Schema    *schema.Schema
	Builder   *jsonpatch.Builder
	Validator *validation.PatchValidator
	Gateway   *gateway.Gateway
	Notifier  *notify.Notifier
	Journal   Journal
	Metrics   *metrics.Metrics
}

// EditSessionService drives the edit flow of one resource at a time: it loads
// the original from the backend, records field edits in the store and submits
// them as a single JSON Patch.
type EditSessionService struct {
	store     *objectupdates.Store
	schema    *schema.Schema
	builder   *jsonpatch.Builder
	validator *validation.PatchValidator
	gateway   *gateway.Gateway
	notifier  *notify.Notifier
	journal   Journal
	metrics   *metrics.Metrics
	log       *logger.Logger

	mu        sync.Mutex
	originals map[string]*cmodels.Resource
}

// NewEditSessionService creates a new edit session service
func NewEditSessionService(deps Deps, log *logger.Logger) *EditSessionService {
	return &EditSessionService{
		store:     deps.Store,
		schema:    deps.Schema,
		builder:   deps.Builder,
		validator: deps.Validator,
		gateway:   deps.Gateway,
		notifier:  deps.Notifier,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		log:       log,
		originals: make(map[string]*cmodels.Resource),
	}
}

// Target is a resolved resource: its type definition and store URL
type Target struct {
	Def *schema.Resource
	ID  string
	URL string
}

// Status summarises the edit state of a resource
type Status struct {
	URL           string              `json:"url"`
	State         objectupdates.State `json:"state"`
	HasUpdates    bool                `json:"has_updates"`
	IsValidPage   bool                `json:"is_valid_page"`
	Reinstatable  bool                `json:"reinstatable"`
	Submitting    bool                `json:"submitting"`
	InvalidFields map[string]string   `json:"invalid_fields,omitempty"`
	Capabilities  []string            `json:"capabilities"`
}

// Preview is what a submit would send and the document it would produce
type Preview struct {
	Operations []cmodels.Operation `json:"operations"`
	Document   json.RawMessage     `json:"document"`
}

// Resolve maps a resource type and id to its store URL
func (s *EditSessionService) Resolve(typ, id string) (Target, error) {
	def, err := s.schema.Resource(typ)
	if err != nil {
		return Target{}, err
	}
	if id == "" {
		return Target{}, fmt.Errorf("%w: empty id", schema.ErrUnknownType)
	}
	return Target{Def: def, ID: id, URL: def.Path(id)}, nil
}

// open makes sure the original of t is loaded and its fields are tracked
func (s *EditSessionService) open(ctx context.Context, t Target) (*cmodels.Resource, error) {
	if orig, ok := s.original(t.URL); ok {
		if _, tracked := s.store.UpdateSet(t.URL); tracked {
			return orig, nil
		}
	}

	doc, _, err := s.gateway.Fetch(ctx, t.URL, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", t.URL, err)
	}
	s.setOriginal(t.URL, doc)

	fields := t.Def.FieldsFrom(doc)
	if _, tracked := s.store.UpdateSet(t.URL); tracked {
		// a subscriber got here first; adopt values without touching pending edits
		s.store.GetFieldUpdates(t.URL, fields)
	} else {
		s.store.Initialize(t.URL, fields, lastModified(doc))
	}
	return doc, nil
}

// Fields returns the merged view of the resource's fields
func (s *EditSessionService) Fields(ctx context.Context, typ, id string) (objectupdates.Snapshot, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	orig, err := s.open(ctx, t)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	return s.store.GetFieldUpdates(t.URL, t.Def.FieldsFrom(orig)), nil
}

// SaveField records a pending change of one field
func (s *EditSessionService) SaveField(ctx context.Context, typ, id, fieldID string, changeType cmodels.ChangeType, value any) (objectupdates.Snapshot, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	if !changeType.Valid() || changeType == cmodels.ChangeNone {
		return objectupdates.Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidChange, changeType)
	}
	field, err := t.Def.Field(fieldID)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	if err := permitted(t.Def.Variant, field, changeType); err != nil {
		return objectupdates.Snapshot{}, err
	}
	if _, err := s.open(ctx, t); err != nil {
		return objectupdates.Snapshot{}, err
	}

	if err := s.store.SaveFieldUpdate(t.URL, field.WithValue(value), changeType); err != nil {
		return objectupdates.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	s.metrics.FieldEdit(string(changeType))

	s.log.WithContext(ctx).WithResource(t.URL).Debug("field edited",
		"field_id", field.UUID,
		"key", field.Key,
		"change_type", changeType,
	)
	return s.store.Snapshot(t.URL), nil
}

// RemoveField marks a field for removal, keeping its current value for undo
func (s *EditSessionService) RemoveField(ctx context.Context, typ, id, fieldID string) (objectupdates.Snapshot, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	field, err := t.Def.Field(fieldID)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	if _, err := s.open(ctx, t); err != nil {
		return objectupdates.Snapshot{}, err
	}

	var current any
	if u, ok := s.store.Snapshot(t.URL).Field(field.UUID); ok {
		current = u.Field.Value
	}
	return s.SaveField(ctx, typ, id, field.UUID, cmodels.ChangeRemove, current)
}

// UndoField drops the pending change of one field
func (s *EditSessionService) UndoField(ctx context.Context, typ, id, fieldID string) (objectupdates.Snapshot, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	field, err := t.Def.Field(fieldID)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	s.store.RemoveSingleFieldUpdate(t.URL, field.UUID)
	return s.store.Snapshot(t.URL), nil
}

// Discard drops every pending change, keeping them for Reinstate.
// It is refused while a submit is in flight.
func (s *EditSessionService) Discard(ctx context.Context, typ, id string) (objectupdates.Snapshot, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	if s.store.State(t.URL) == objectupdates.StateSubmitting {
		return objectupdates.Snapshot{}, fmt.Errorf("%s: %w", t.URL, gateway.ErrConcurrentSubmit)
	}
	if !s.store.HasUpdates(t.URL) {
		return s.store.Snapshot(t.URL), nil
	}

	var originals []cmodels.Field
	if orig, ok := s.original(t.URL); ok {
		originals = t.Def.FieldsFrom(orig)
	}
	s.store.DiscardFieldUpdates(t.URL, originals)
	s.notifier.Info(ctx, t.URL, "Changes discarded", "Your changes were discarded and can be reinstated")
	return s.store.Snapshot(t.URL), nil
}

// Reinstate restores the most recently discarded changes.
// It is refused while a submit is in flight.
func (s *EditSessionService) Reinstate(ctx context.Context, typ, id string) (objectupdates.Snapshot, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	if s.store.State(t.URL) == objectupdates.StateSubmitting {
		return objectupdates.Snapshot{}, fmt.Errorf("%s: %w", t.URL, gateway.ErrConcurrentSubmit)
	}
	if !s.store.ReinstateFieldUpdates(t.URL) {
		return objectupdates.Snapshot{}, fmt.Errorf("%s: %w", t.URL, ErrNothingToReinstate)
	}
	s.log.WithContext(ctx).Info("changes reinstated", "resource_url", t.URL)
	return s.store.Snapshot(t.URL), nil
}

// Reinitialize refetches the resource and resets its update set to the server values
func (s *EditSessionService) Reinitialize(ctx context.Context, typ, id string) (objectupdates.Snapshot, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return objectupdates.Snapshot{}, err
	}
	doc, _, err := s.gateway.Fetch(ctx, t.URL, true)
	if err != nil {
		return objectupdates.Snapshot{}, fmt.Errorf("failed to load %s: %w", t.URL, err)
	}
	s.setOriginal(t.URL, doc)
	s.store.Initialize(t.URL, t.Def.FieldsFrom(doc), lastModified(doc))
	return s.store.Snapshot(t.URL), nil
}

// Status reports pending state and page validity
func (s *EditSessionService) Status(ctx context.Context, typ, id string) (*Status, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.open(ctx, t); err != nil {
		return nil, err
	}

	invalid := s.store.InvalidFields(t.URL)
	status := &Status{
		URL:          t.URL,
		State:        s.store.State(t.URL),
		HasUpdates:   s.store.HasUpdates(t.URL),
		IsValidPage:  len(invalid) == 0,
		Reinstatable: s.store.IsReinstatable(t.URL),
		Submitting:   s.gateway.Busy(t.URL),
		Capabilities: t.Def.Variant.CapabilityNames(),
	}
	if len(invalid) > 0 {
		status.InvalidFields = make(map[string]string, len(invalid))
		for id, err := range invalid {
			status.InvalidFields[id] = err.Error()
		}
	}
	return status, nil
}

// Preview builds the patch a submit would send and applies it to the original
func (s *EditSessionService) Preview(ctx context.Context, typ, id string) (*Preview, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return nil, err
	}
	orig, err := s.open(ctx, t)
	if err != nil {
		return nil, err
	}

	set, _ := s.store.UpdateSet(t.URL)
	ops := s.builder.Build(orig, t.Def.Fields, set)
	doc, err := jsonpatch.Preview(orig, ops)
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops = []cmodels.Operation{}
	}
	return &Preview{Operations: ops, Document: doc}, nil
}

// Journal lists recent submits of a resource, newest first
func (s *EditSessionService) Journal(ctx context.Context, typ, id string, limit int) ([]*models.JournalEntry, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	entries, err := s.journal.ListByResource(ctx, t.URL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	return entries, nil
}

// Teardown stops tracking a resource
func (s *EditSessionService) Teardown(ctx context.Context, typ, id string) error {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return err
	}
	s.store.Teardown(t.URL)
	s.forgetOriginal(t.URL)
	s.log.WithContext(ctx).Info("edit session closed", "resource_url", t.URL)
	return nil
}

// Subscribe streams the merged view of a resource
func (s *EditSessionService) Subscribe(ctx context.Context, typ, id string) (Target, *objectupdates.Subscription, error) {
	t, err := s.Resolve(typ, id)
	if err != nil {
		return Target{}, nil, err
	}
	orig, err := s.open(ctx, t)
	if err != nil {
		return Target{}, nil, err
	}
	return t, s.store.Subscribe(t.URL, t.Def.FieldsFrom(orig)), nil
}

// Run sweeps idle update sets and the originals they held until ctx is done
func (s *EditSessionService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *EditSessionService) sweep() {
	s.store.Sweep()

	s.mu.Lock()
	for url := range s.originals {
		if _, tracked := s.store.UpdateSet(url); !tracked {
			delete(s.originals, url)
		}
	}
	s.mu.Unlock()

	s.metrics.TrackedResources(s.store.Len())
}

func (s *EditSessionService) original(url string) (*cmodels.Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orig, ok := s.originals[url]
	return orig, ok
}

func (s *EditSessionService) setOriginal(url string, doc *cmodels.Resource) {
	s.mu.Lock()
	s.originals[url] = doc
	n := len(s.originals)
	s.mu.Unlock()
	s.metrics.TrackedResources(n)
}

func (s *EditSessionService) forgetOriginal(url string) {
	s.mu.Lock()
	delete(s.originals, url)
	s.mu.Unlock()
}

// permitted checks a change against the capabilities of the variant
func permitted(v schema.Variant, field cmodels.Field, changeType cmodels.ChangeType) error {
	need := schema.CapEditMetadata
	if field.Kind == cmodels.KindProperty {
		need = schema.CapEditProperties
	}
	if changeType.IsRemoval() {
		need |= schema.CapRemove
	}
	if !v.Allows(need) {
		return fmt.Errorf("%w: %s %s in variant %s", ErrNotPermitted, changeType, field.Key, v.Name)
	}
	return nil
}

// lastModified reads the backend's lastModified property, falling back to now
func lastModified(doc *cmodels.Resource) time.Time {
	if doc != nil {
		if v, ok := doc.Property("lastModified"); ok {
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					return t
				}
			}
		}
	}
	return time.Now().UTC()
}
