package objectupdates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/validation"
)

var (
	// ErrSubmitInFlight is returned when a submit is already outstanding for a resource
	ErrSubmitInFlight = errors.New("submit already in flight")
	// ErrStaleTicket is returned when a submit result arrives for a reset update set
	ErrStaleTicket = errors.New("update set was reset while submit was in flight")
)

// Options tunes store behaviour
type Options struct {
	// Policy validates pending values for IsValidPage; nil accepts everything
	Policy validation.Policy
	// IdleTTL drops update sets untouched for this long (0 disables)
	IdleTTL time.Duration
	// ReinstateWindow bounds how long a discard can be undone (0 = until the next edit)
	ReinstateWindow time.Duration
	// SubscriberBuffer is the channel size of each subscription
	SubscriberBuffer int
}

// Store holds the pending field updates of every resource being edited.
// A single Store is shared by all consumers of the same resource URLs.
type Store struct {
	sets map[string]*updateSet
	mu   sync.Mutex
	opts Options
	log  *logger.Logger
	now  func() time.Time
}

type updateSet struct {
	url          string
	updates      models.FieldUpdates
	order        []string
	initial      map[string]models.Field
	seqs         map[string]uint64
	seq          uint64
	lastModified time.Time
	touched      time.Time
	reinstate    *discarded
	machine      *fsm.FSM
	generation   uint64
	submitSeq    uint64
	subscribers  map[int]chan Snapshot
	nextSub      int
}

// NewStore creates an empty store
func NewStore(log *logger.Logger, opts Options) *Store {
	if opts.Policy == nil {
		opts.Policy = validation.AllowAll
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 16
	}
	return &Store{
		sets: make(map[string]*updateSet),
		opts: opts,
		log:  log,
		now:  time.Now,
	}
}

// get returns the update set for url, creating it on first use. Caller holds s.mu.
func (s *Store) get(url string) *updateSet {
	set, ok := s.sets[url]
	if !ok {
		now := s.now()
		set = &updateSet{
			url:          url,
			updates:      make(models.FieldUpdates),
			initial:      make(map[string]models.Field),
			seqs:         make(map[string]uint64),
			lastModified: now,
			touched:      now,
			machine:      newLifecycle(),
			subscribers:  make(map[int]chan Snapshot),
		}
		s.sets[url] = set
	}
	return set
}

// Initialize resets the update set of url to match a freshly fetched snapshot
func (s *Store) Initialize(url string, fields []models.Field, lastModified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.get(url)
	s.reset(set, fields, lastModified)
	fire(set.machine, eventInitialize)

	s.log.Debug("field updates initialized", "resource_url", url, "fields", len(fields))
	s.publish(set)
}

// reset replaces every entry of set with fields carrying no change. Caller holds s.mu.
func (s *Store) reset(set *updateSet, fields []models.Field, lastModified time.Time) {
	set.updates = make(models.FieldUpdates, len(fields))
	set.initial = make(map[string]models.Field, len(fields))
	set.seqs = make(map[string]uint64)
	set.order = set.order[:0]
	for _, f := range fields {
		if _, dup := set.initial[f.UUID]; !dup {
			set.order = append(set.order, f.UUID)
		}
		set.initial[f.UUID] = f
		set.updates[f.UUID] = models.FieldUpdate{Field: f, ChangeType: models.ChangeNone}
	}
	set.reinstate = nil
	set.generation++
	if lastModified.IsZero() {
		lastModified = s.now()
	}
	set.lastModified = lastModified
	set.touched = s.now()
}

// SaveAddFieldUpdate records field as added
func (s *Store) SaveAddFieldUpdate(url string, field models.Field) {
	s.save(url, field, models.ChangeAdd)
}

// SaveChangeFieldUpdate records field as changed
func (s *Store) SaveChangeFieldUpdate(url string, field models.Field) {
	s.save(url, field, models.ChangeUpdate)
}

// SaveRemoveFieldUpdate marks field as removed, keeping its last value for undo
func (s *Store) SaveRemoveFieldUpdate(url string, field models.Field) {
	s.save(url, field, models.ChangeRemove)
}

// SaveFieldUpdate records a change of any type
func (s *Store) SaveFieldUpdate(url string, field models.Field, changeType models.ChangeType) error {
	if !changeType.Valid() || changeType == models.ChangeNone {
		return fmt.Errorf("invalid change type %q", changeType)
	}
	s.save(url, field, changeType)
	return nil
}

func (s *Store) save(url string, field models.Field, changeType models.ChangeType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.get(url)
	existing, had := set.updates[field.UUID]
	_, existedInitially := set.initial[field.UUID]

	switch {
	case changeType.IsRemoval() && had && existing.ChangeType == models.ChangeAdd && !existedInitially:
		// added and removed in the same session: nothing left to submit
		delete(set.updates, field.UUID)
		delete(set.seqs, field.UUID)
		set.order = removeID(set.order, field.UUID)
	case changeType == models.ChangeUpdate && had && existing.ChangeType == models.ChangeAdd:
		// still a new field from the server's point of view
		set.updates[field.UUID] = models.FieldUpdate{Field: field, ChangeType: models.ChangeAdd}
	default:
		if !had {
			set.order = append(set.order, field.UUID)
		}
		set.updates[field.UUID] = models.FieldUpdate{Field: field, ChangeType: changeType}
	}

	set.seq++
	if _, still := set.updates[field.UUID]; still {
		set.seqs[field.UUID] = set.seq
	}
	set.lastModified = s.now()
	set.touched = set.lastModified
	set.reinstate = nil

	if hasPending(set) {
		fire(set.machine, eventEdit)
	} else {
		fire(set.machine, eventSettle)
	}

	s.log.Debug("field update saved",
		"resource_url", url,
		"field_id", field.UUID,
		"change_type", changeType)
	s.publish(set)
}

// RemoveSingleFieldUpdate drops the pending change of one field, restoring its initial value
func (s *Store) RemoveSingleFieldUpdate(url, fieldID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	if !ok {
		return
	}
	if f, initial := set.initial[fieldID]; initial {
		set.updates[fieldID] = models.FieldUpdate{Field: f, ChangeType: models.ChangeNone}
	} else {
		delete(set.updates, fieldID)
		set.order = removeID(set.order, fieldID)
	}
	delete(set.seqs, fieldID)
	set.touched = s.now()

	if !hasPending(set) {
		fire(set.machine, eventSettle)
	}
	s.publish(set)
}

// DiscardFieldUpdates clears pending updates for url, keeping them for ReinstateFieldUpdates.
// It is a no-op when nothing is pending or a submit is in flight.
func (s *Store) DiscardFieldUpdates(url string, originalFields []models.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	if !ok || !hasPending(set) || submitting(set) {
		return
	}

	saved, err := copyUpdates(set.updates)
	if err != nil {
		s.log.Warn("could not snapshot field updates, discard is not reinstatable", "resource_url", url, "error", err)
	}
	snap := &discarded{
		updates: saved,
		order:   append([]string(nil), set.order...),
		seqs:    make(map[string]uint64, len(set.seqs)),
		at:      s.now(),
	}
	for k, v := range set.seqs {
		snap.seqs[k] = v
	}

	if originalFields == nil {
		originalFields = initialFields(set)
	}
	s.reset(set, originalFields, set.lastModified)
	if err == nil {
		set.reinstate = snap
	}
	fire(set.machine, eventDiscard)

	s.log.Info("field updates discarded", "resource_url", url, "reinstatable", set.reinstate != nil)
	s.publish(set)
}

// ReinstateFieldUpdates restores the most recently discarded updates.
// It returns false when there is nothing to reinstate or a submit is in flight.
func (s *Store) ReinstateFieldUpdates(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	if !ok || !s.reinstatable(set) || submitting(set) {
		return false
	}

	snap := set.reinstate
	set.reinstate = nil
	set.updates = snap.updates
	set.order = snap.order
	set.seqs = snap.seqs
	set.touched = s.now()
	fire(set.machine, eventReinstate)

	s.log.Info("field updates reinstated", "resource_url", url)
	s.publish(set)
	return true
}

// IsReinstatable reports whether a discard of url can still be undone
func (s *Store) IsReinstatable(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	return ok && s.reinstatable(set)
}

func (s *Store) reinstatable(set *updateSet) bool {
	if set.reinstate == nil {
		return false
	}
	if s.opts.ReinstateWindow > 0 && s.now().Sub(set.reinstate.at) > s.opts.ReinstateWindow {
		return false
	}
	return true
}

// GetFieldUpdates returns the merged view of initialFields overridden by pending updates.
// initialFields are adopted as the set's initial values when it has none yet.
func (s *Store) GetFieldUpdates(url string, initialFields []models.Field) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.get(url)
	s.adopt(set, initialFields)
	return s.snapshot(set)
}

// adopt fills in initial fields the set does not know yet. Caller holds s.mu.
func (s *Store) adopt(set *updateSet, fields []models.Field) {
	for _, f := range fields {
		if _, known := set.initial[f.UUID]; known {
			continue
		}
		set.initial[f.UUID] = f
		if _, pending := set.updates[f.UUID]; !pending {
			set.updates[f.UUID] = models.FieldUpdate{Field: f, ChangeType: models.ChangeNone}
			set.order = append(set.order, f.UUID)
		}
	}
}

// Snapshot returns the current merged view without adopting fields
func (s *Store) Snapshot(url string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	if !ok {
		return Snapshot{URL: url, State: StateClean, Updates: []models.FieldUpdate{}}
	}
	return s.snapshot(set)
}

// UpdateSet returns a copy of the raw update set for url
func (s *Store) UpdateSet(url string) (models.ResourceUpdateSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	if !ok {
		return models.ResourceUpdateSet{}, false
	}
	return s.updateSetOf(set), true
}

// updateSetOf copies set. Caller holds s.mu.
func (s *Store) updateSetOf(set *updateSet) models.ResourceUpdateSet {
	updates := make(models.FieldUpdates, len(set.updates))
	for k, v := range set.updates {
		updates[k] = v
	}
	return models.ResourceUpdateSet{
		FieldUpdates:   updates,
		Order:          append([]string(nil), set.order...),
		LastModified:   set.lastModified,
		IsReinstatable: s.reinstatable(set),
	}
}

// InitialFields returns the fields the update set was initialized with
func (s *Store) InitialFields(url string) []models.Field {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	if !ok {
		return nil
	}
	return initialFields(set)
}

// HasUpdates reports whether any field of url carries a pending change
func (s *Store) HasUpdates(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	return ok && hasPending(set)
}

// IsValidPage is false when any pending added or changed value fails the policy
func (s *Store) IsValidPage(url string) bool {
	return len(s.InvalidFields(url)) == 0
}

// InvalidFields returns the validation error of every failing pending field
func (s *Store) InvalidFields(url string) map[string]error {
	s.mu.Lock()
	set, ok := s.sets[url]
	var pending []models.FieldUpdate
	if ok {
		for _, id := range set.order {
			if u, ok := set.updates[id]; ok && u.ChangeType != models.ChangeNone && !u.ChangeType.IsRemoval() {
				pending = append(pending, u)
			}
		}
	}
	s.mu.Unlock()

	invalid := make(map[string]error)
	for _, u := range pending {
		if err := s.opts.Policy.Validate(u.Field); err != nil {
			invalid[u.Field.UUID] = err
		}
	}
	return invalid
}

// State returns the lifecycle state of url
func (s *Store) State(url string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	if !ok {
		return StateClean
	}
	return State(set.machine.Current())
}

// SubmitTicket identifies one in-flight submit of an update set
type SubmitTicket struct {
	URL string
	// Set is the update set as it stood when the submit began. Edits saved
	// later are not part of it and stay pending after CompleteSubmit.
	Set        models.ResourceUpdateSet
	generation uint64
	seq        uint64
}

// BeginSubmit moves url into the submitting state. Only one submit per url may be outstanding.
func (s *Store) BeginSubmit(url string) (SubmitTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.get(url)
	if submitting(set) {
		return SubmitTicket{}, fmt.Errorf("%s: %w", url, ErrSubmitInFlight)
	}
	fire(set.machine, eventSubmit)
	set.submitSeq = set.seq
	set.touched = s.now()

	s.publish(set)
	return SubmitTicket{URL: url, Set: s.updateSetOf(set), generation: set.generation, seq: set.seq}, nil
}

// CompleteSubmit adopts the server's fields after a successful submit. Edits saved
// while the submit was in flight are replayed on top. A ticket whose update set was
// reset or torn down in the meantime is ignored and ErrStaleTicket returned.
func (s *Store) CompleteSubmit(ticket SubmitTicket, fields []models.Field, lastModified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[ticket.URL]
	if !ok || set.generation != ticket.generation {
		return ErrStaleTicket
	}

	var replay []models.FieldUpdate
	for _, id := range set.order {
		if set.seqs[id] > ticket.seq {
			replay = append(replay, set.updates[id])
		}
	}

	s.reset(set, fields, lastModified)
	fire(set.machine, eventSucceed)

	for _, u := range replay {
		if _, known := set.initial[u.Field.UUID]; !known {
			set.order = append(set.order, u.Field.UUID)
		}
		set.updates[u.Field.UUID] = u
		set.seq++
		set.seqs[u.Field.UUID] = set.seq
	}
	if len(replay) > 0 {
		fire(set.machine, eventEdit)
	}

	s.publish(set)
	return nil
}

// AbortSubmit moves url out of submitting after a failed submit, keeping every pending edit
func (s *Store) AbortSubmit(ticket SubmitTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[ticket.URL]
	if !ok || set.generation != ticket.generation {
		return ErrStaleTicket
	}
	s.leaveSubmitting(set)

	s.publish(set)
	return nil
}

// leaveSubmitting moves set out of submitting without touching its entries.
// A set left with nothing pending returns to discarded when the last discard
// can still be undone, otherwise to clean. Caller holds s.mu.
func (s *Store) leaveSubmitting(set *updateSet) {
	fire(set.machine, eventFail)
	if hasPending(set) {
		return
	}
	if s.reinstatable(set) {
		fire(set.machine, eventDiscard)
		return
	}
	fire(set.machine, eventSettle)
}

// Teardown drops the update set of url and closes its subscriptions
func (s *Store) Teardown(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[url]
	if !ok {
		return
	}
	s.closeSubscribers(set)
	delete(s.sets, url)
	s.log.Debug("field updates torn down", "resource_url", url)
}

// Close tears down every update set
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for url, set := range s.sets {
		s.closeSubscribers(set)
		delete(s.sets, url)
	}
	return nil
}

// Sweep drops update sets idle for longer than IdleTTL. Sets that are submitting
// or still have subscribers are kept. It returns the number of sets removed.
func (s *Store) Sweep() int {
	if s.opts.IdleTTL <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for url, set := range s.sets {
		if submitting(set) || len(set.subscribers) > 0 {
			continue
		}
		if now.Sub(set.touched) > s.opts.IdleTTL {
			s.closeSubscribers(set)
			delete(s.sets, url)
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("swept idle field updates", "removed", removed)
	}
	return removed
}

// Run sweeps idle update sets periodically until ctx is done
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of tracked update sets
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets)
}

func (s *Store) snapshot(set *updateSet) Snapshot {
	updates := make([]models.FieldUpdate, 0, len(set.order))
	for _, id := range set.order {
		if u, ok := set.updates[id]; ok {
			updates = append(updates, u)
		}
	}
	return Snapshot{
		URL:            set.url,
		Updates:        updates,
		LastModified:   set.lastModified,
		State:          State(set.machine.Current()),
		HasUpdates:     hasPending(set),
		IsReinstatable: s.reinstatable(set),
	}
}

func submitting(set *updateSet) bool {
	return State(set.machine.Current()) == StateSubmitting
}

func hasPending(set *updateSet) bool {
	for _, u := range set.updates {
		if u.ChangeType != models.ChangeNone {
			return true
		}
	}
	return false
}

func initialFields(set *updateSet) []models.Field {
	out := make([]models.Field, 0, len(set.initial))
	for _, id := range set.order {
		if f, ok := set.initial[id]; ok {
			out = append(out, f)
		}
	}
	// initial fields whose id dropped out of order (removed entries) keep their place at the end
	if len(out) < len(set.initial) {
		seen := make(map[string]bool, len(out))
		for _, f := range out {
			seen[f.UUID] = true
		}
		for id, f := range set.initial {
			if !seen[id] {
				out = append(out, f)
			}
		}
	}
	return out
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i:i], order[i+1:]...)
		}
	}
	return order
}
