package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openrepo/editsync/cmd/editsync/models"
	"github.com/openrepo/editsync/common/clients"
	"github.com/openrepo/editsync/common/gateway"
	"github.com/openrepo/editsync/common/jsonpatch"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/metrics"
	cmodels "github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/objectupdates"
)

// ValidationError is returned when a submit is refused before anything is sent.
// It matches gateway.ErrLocalValidation with errors.Is.
type ValidationError struct {
	// Fields maps field UUID to the failing rule, empty when the patch itself was invalid
	Fields map[string]error
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", gateway.ErrLocalValidation, e.Err)
	}
	ids := make([]string, 0, len(e.Fields))
	for id := range e.Fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("%v: invalid fields %s", gateway.ErrLocalValidation, strings.Join(ids, ", "))
}

func (e *ValidationError) Unwrap() error {
	return gateway.ErrLocalValidation
}

// SubmitResult describes a finished submit
type SubmitResult struct {
	URL          string                `json:"url"`
	NoOp         bool                  `json:"no_op"`
	Stale        bool                  `json:"stale,omitempty"`
	Status       int                   `json:"status,omitempty"`
	Operations   []cmodels.Operation   `json:"operations"`
	Resource     *cmodels.Resource     `json:"resource,omitempty"`
	Drift        []jsonpatch.Drift     `json:"drift,omitempty"`
	Notification *cmodels.Notification `json:"notification,omitempty"`
}

// Submit sends the pending changes of a resource as one JSON Patch.
//
// The page must be valid and no other submit may be in flight. On success the
// update set is reinitialized from the server's response; on failure every
// pending edit is kept and one error notification is published. A response
// arriving after the set was reset or torn down is dropped.
func (s *EditSessionService) Submit(ctx context.Context, typ, id string) (*SubmitResult, error) {
	started := time.Now()

	t, err := s.Resolve(typ, id)
	if err != nil {
		return nil, err
	}
	orig, err := s.open(ctx, t)
	if err != nil {
		return nil, err
	}
	log := s.log.WithContext(ctx).WithResource(t.URL)

	if invalid := s.store.InvalidFields(t.URL); len(invalid) > 0 {
		s.metrics.ObserveSubmit(t.Def.Type, metrics.OutcomeInvalid, 0, started)
		log.Info("submit refused, page is invalid", "invalid_fields", len(invalid))
		return nil, &ValidationError{Fields: invalid}
	}

	ticket, err := s.store.BeginSubmit(t.URL)
	if err != nil {
		if errors.Is(err, objectupdates.ErrSubmitInFlight) {
			s.metrics.ObserveSubmit(t.Def.Type, metrics.OutcomeConcurrent, 0, started)
			return nil, fmt.Errorf("%s: %w", t.URL, gateway.ErrConcurrentSubmit)
		}
		return nil, err
	}

	set := ticket.Set
	ops := s.builder.Build(orig, t.Def.Fields, set)
	if ops == nil {
		ops = []cmodels.Operation{}
	}

	if err := s.validator.ValidateOperations(ops); err != nil {
		s.abort(ticket, log)
		s.metrics.ObserveSubmit(t.Def.Type, metrics.OutcomeInvalid, len(ops), started)
		log.Warn("submit refused, patch is invalid", "error", err)
		return nil, &ValidationError{Err: err}
	}

	if len(ops) == 0 {
		if len(set.Pending()) == 0 {
			// nothing to settle, a discard stays reinstatable
			s.abort(ticket, log)
			s.metrics.ObserveSubmit(t.Def.Type, metrics.OutcomeNoOp, 0, started)
			return &SubmitResult{URL: t.URL, NoOp: true, Operations: ops}, nil
		}
		// pending edits that produce no operation settle on the current values
		if err := s.store.CompleteSubmit(ticket, s.store.InitialFields(t.URL), set.LastModified); err != nil {
			return s.stale(t, ops, started, log), nil
		}
		s.metrics.ObserveSubmit(t.Def.Type, metrics.OutcomeNoOp, 0, started)
		return &SubmitResult{URL: t.URL, NoOp: true, Operations: ops}, nil
	}

	// the patch is sent even when the caller goes away mid-request
	sendCtx := context.WithoutCancel(ctx)
	result, err := s.gateway.Submit(sendCtx, t.URL, ops)
	if err != nil {
		return nil, s.failed(ctx, t, ticket, ops, err, started, log)
	}

	doc := result.Resource
	if doc == nil {
		if doc, _, err = s.gateway.Fetch(sendCtx, t.URL, true); err != nil {
			log.Warn("refetch after submit failed, assuming the patch applied as sent", "error", err)
		}
	}

	expected := expectedFields(t.Def.FieldsFrom(orig), ops)
	fields := expected
	if doc != nil {
		fields = t.Def.FieldsFrom(doc)
	}

	if err := s.store.CompleteSubmit(ticket, fields, lastModified(doc)); err != nil {
		if errors.Is(err, objectupdates.ErrStaleTicket) {
			return s.stale(t, ops, started, log), nil
		}
		return nil, err
	}

	var drift []jsonpatch.Drift
	if doc != nil {
		s.setOriginal(t.URL, doc)
		drift = s.drift(expected, fields, log)
	} else {
		// reloaded on next access
		s.forgetOriginal(t.URL)
	}

	s.record(ctx, t, ops, metrics.OutcomeSuccess, result.Status, "", drift, log)

	note := s.notifier.Success(ctx, t.URL, "Changes saved", fmt.Sprintf("%d change(s) were saved", len(ops)))
	s.metrics.ObserveSubmit(t.Def.Type, metrics.OutcomeSuccess, len(ops), started)

	log.Info("submit succeeded", "operations", len(ops), "status", result.Status, "drift", len(drift))
	return &SubmitResult{
		URL:          t.URL,
		Status:       result.Status,
		Operations:   ops,
		Resource:     doc,
		Drift:        drift,
		Notification: &note,
	}, nil
}

// failed handles a gateway error: the set goes back to dirty with its edits intact
func (s *EditSessionService) failed(ctx context.Context, t Target, ticket objectupdates.SubmitTicket, ops []cmodels.Operation, err error, started time.Time, log *logger.Logger) error {
	s.abort(ticket, log)

	if errors.Is(err, gateway.ErrConcurrentSubmit) {
		s.metrics.ObserveSubmit(t.Def.Type, metrics.OutcomeConcurrent, len(ops), started)
		return err
	}

	outcome := metrics.OutcomeInternalError
	status := 0
	var submitErr *gateway.SubmitError
	if errors.As(err, &submitErr) {
		status = submitErr.Status
		if submitErr.Kind == gateway.RemoteRejection {
			outcome = metrics.OutcomeRejected
		} else {
			outcome = metrics.OutcomeNetwork
		}
	}

	s.record(ctx, t, ops, outcome, status, err.Error(), nil, log)
	s.notifier.Error(ctx, t.URL, "Changes not saved", submitFailureMessage(err))
	s.metrics.ObserveSubmit(t.Def.Type, outcome, len(ops), started)

	log.Warn("submit failed", "outcome", outcome, "status", status, "error", err)
	return err
}

func (s *EditSessionService) abort(ticket objectupdates.SubmitTicket, log *logger.Logger) {
	if err := s.store.AbortSubmit(ticket); err != nil {
		log.Debug("abort ignored", "error", err)
	}
}

func (s *EditSessionService) stale(t Target, ops []cmodels.Operation, started time.Time, log *logger.Logger) *SubmitResult {
	s.metrics.ObserveSubmit(t.Def.Type, metrics.OutcomeStaleDiscard, len(ops), started)
	log.Info("submit outcome discarded, update set was reset meanwhile")
	return &SubmitResult{URL: t.URL, Stale: true, Operations: ops}
}

// expectedFields applies ops to the original field values
func expectedFields(original []cmodels.Field, ops []cmodels.Operation) []cmodels.Field {
	byPath := make(map[string]int, len(original))
	for i, f := range original {
		byPath[f.Path] = i
	}

	out := append([]cmodels.Field(nil), original...)
	for _, op := range ops {
		i, ok := byPath[op.Path()]
		if !ok {
			continue
		}
		if op.Op() == cmodels.OpRemove {
			out[i] = out[i].WithValue(nil)
		} else {
			out[i] = out[i].WithValue(op.Value())
		}
	}
	return out
}

// drift compares the field values the patch should have produced with the
// values the server returned
func (s *EditSessionService) drift(expected, actual []cmodels.Field, log *logger.Logger) []jsonpatch.Drift {
	want, err := json.Marshal(fieldValues(expected))
	if err != nil {
		return nil
	}
	got, err := json.Marshal(fieldValues(actual))
	if err != nil {
		return nil
	}

	drift, err := jsonpatch.Diff(want, got)
	if err != nil {
		log.Debug("drift check failed", "error", err)
		return nil
	}
	if len(drift) > 0 {
		s.metrics.Drift(len(drift))
		log.Warn("server state differs from submitted patch", "differences", len(drift))
	}
	return drift
}

func (s *EditSessionService) record(ctx context.Context, t Target, ops []cmodels.Operation, outcome string, status int, message string, drift []jsonpatch.Drift, log *logger.Logger) {
	if s.journal == nil {
		return
	}

	payload, err := jsonpatch.Encode(ops)
	if err != nil {
		log.Warn("journal entry skipped", "error", err)
		return
	}
	entry := &models.JournalEntry{
		ID:           uuid.New(),
		ResourceURL:  t.URL,
		ResourceType: t.Def.Type,
		Operations:   payload,
		OpCount:      len(ops),
		Outcome:      outcome,
		StatusCode:   status,
		ErrorMessage: message,
	}
	if user, ok := clients.GetUserID(ctx); ok {
		entry.SubmittedBy = user
	}
	if len(drift) > 0 {
		if entry.Drift, err = json.Marshal(drift); err != nil {
			entry.Drift = nil
		}
	}

	if err := s.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		log.Warn("failed to record journal entry", "error", err)
	}
}

func fieldValues(fields []cmodels.Field) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if !f.IsEmpty() {
			out[f.Key] = f.Value
		}
	}
	return out
}

func submitFailureMessage(err error) string {
	var submitErr *gateway.SubmitError
	if errors.As(err, &submitErr) {
		if submitErr.Kind == gateway.NetworkFailure {
			return "The repository could not be reached, your changes are kept"
		}
		return fmt.Sprintf("The repository rejected the changes (status %d), your changes are kept", submitErr.Status)
	}
	return "Your changes are kept"
}
