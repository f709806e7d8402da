package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/openrepo/editsync/cmd/editsync/repository"
	"github.com/openrepo/editsync/common/clients"
	"github.com/openrepo/editsync/common/gateway"
	"github.com/openrepo/editsync/common/jsonpatch"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/metrics"
	cmodels "github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/notify"
	"github.com/openrepo/editsync/common/objectupdates"
	"github.com/openrepo/editsync/common/queue"
	"github.com/openrepo/editsync/common/schema"
	"github.com/openrepo/editsync/common/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	backend   = "http://repo.test"
	groupPath = "/server/api/eperson/groups/g1"
	groupURL  = "/eperson/groups/g1"
)

type harness struct {
	svc     *EditSessionService
	store   *objectupdates.Store
	journal *repository.MemoryJournal

	mu    sync.Mutex
	notes []cmodels.Notification
}

func (h *harness) notifications() []cmodels.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]cmodels.Notification(nil), h.notes...)
}

func newHarness(t *testing.T, variant string) *harness {
	t.Helper()
	t.Cleanup(gock.Off)

	log := logger.Discard()
	evaluator, err := validation.NewExprEvaluator()
	require.NoError(t, err)
	sch, err := schema.New(validation.NewRegistry(evaluator), variant, log)
	require.NoError(t, err)

	store := objectupdates.NewStore(log, objectupdates.Options{Policy: sch})
	t.Cleanup(func() { _ = store.Close() })

	q := queue.NewMemoryQueue(log)
	t.Cleanup(func() { _ = q.Close() })

	h := &harness{store: store, journal: repository.NewMemoryJournal(10)}
	require.NoError(t, q.Subscribe(context.Background(), notify.Topic, func(_ context.Context, _ string, value []byte) error {
		note, err := notify.Decode(value)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.notes = append(h.notes, note)
		h.mu.Unlock()
		return nil
	}))

	h.svc = NewEditSessionService(Deps{
		Store:     store,
		Schema:    sch,
		Builder:   jsonpatch.NewBuilder(jsonpatch.PathCombiner{}),
		Validator: validation.NewPatchValidator(),
		Gateway:   gateway.New(gateway.Options{BaseURL: backend + "/server/api", Timeout: 2 * time.Second}, log),
		Notifier:  notify.New(q, log, nil),
		Journal:   h.journal,
		Metrics:   metrics.New(),
	}, log)
	return h
}

func mockEmptyGroup() {
	gock.New(backend).Get(groupPath).Persist().Reply(200).JSON(map[string]any{
		"id":       "g1",
		"type":     "group",
		"name":     "",
		"metadata": map[string]any{},
	})
}

func fieldID(key string) string {
	return schema.FieldID("group", key)
}

func TestSubmit_SendsOrderedPatchAndReinitializes(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()

	var body string
	gock.New(backend).
		Patch(groupPath).
		MatchHeader("Content-Type", `application/json-patch\+json`).
		AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
			b, err := io.ReadAll(req.Body)
			body = string(b)
			return true, err
		}).
		Reply(200).
		JSON(map[string]any{
			"id":   "g1",
			"type": "group",
			"name": "testGroupName",
			"metadata": map[string]any{
				"dc.description": []map[string]any{{"value": "testDescription"}},
			},
		})

	ctx := clients.WithUserID(context.Background(), "alice")
	_, err := h.svc.SaveField(ctx, "group", "g1", "name", cmodels.ChangeUpdate, "testGroupName")
	require.NoError(t, err)
	_, err = h.svc.SaveField(ctx, "group", "g1", "dc.description", cmodels.ChangeUpdate, "testDescription")
	require.NoError(t, err)

	res, err := h.svc.Submit(ctx, "group", "g1")
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"op":"add","path":"/metadata/dc.description","value":"testDescription"},
		{"op":"replace","path":"/name","value":"testGroupName"}
	]`, body)
	assert.False(t, res.NoOp)
	assert.Equal(t, 200, res.Status)
	assert.Empty(t, res.Drift)
	require.NotNil(t, res.Notification)
	assert.Equal(t, cmodels.NotificationSuccess, res.Notification.Type)

	assert.False(t, h.store.HasUpdates(groupURL))
	assert.Equal(t, objectupdates.StateClean, h.store.State(groupURL))

	snap := h.store.Snapshot(groupURL)
	name, ok := snap.Field(fieldID("name"))
	require.True(t, ok)
	assert.Equal(t, "testGroupName", name.Field.Value)

	entries, err := h.svc.Journal(ctx, "group", "g1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, metrics.OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, 2, entries[0].OpCount)
	assert.Equal(t, "alice", entries[0].SubmittedBy)
}

func TestSubmit_InvalidPageSendsNothing(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	gock.New(backend).Patch(groupPath).Reply(200)

	_, err := h.svc.SaveField(context.Background(), "group", "g1", "name", cmodels.ChangeUpdate, "")
	require.NoError(t, err)

	_, err = h.svc.Submit(context.Background(), "group", "g1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrLocalValidation))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, fieldID("name"))

	assert.True(t, gock.IsPending(), "patch must not be sent")
	assert.True(t, h.store.HasUpdates(groupURL))
}

func TestSubmit_RejectionKeepsEditsAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	gock.New(backend).Patch(groupPath).Reply(422).BodyString(`{"message":"name taken"}`)

	_, err := h.svc.SaveField(context.Background(), "group", "g1", "name", cmodels.ChangeUpdate, "taken")
	require.NoError(t, err)

	_, err = h.svc.Submit(context.Background(), "group", "g1")
	require.Error(t, err)
	assert.True(t, gateway.IsRemoteRejection(err))

	assert.True(t, h.store.HasUpdates(groupURL))
	assert.Equal(t, objectupdates.StateDirty, h.store.State(groupURL))

	assert.Eventually(t, func() bool { return len(h.notifications()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, cmodels.NotificationError, h.notifications()[0].Type)

	entries, err := h.svc.Journal(context.Background(), "group", "g1", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, metrics.OutcomeRejected, entries[0].Outcome)
	assert.Equal(t, 422, entries[0].StatusCode)
}

func TestSubmit_NothingPendingIsNoOp(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	gock.New(backend).Patch(groupPath).Reply(200)

	res, err := h.svc.Submit(context.Background(), "group", "g1")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Empty(t, res.Operations)
	assert.True(t, gock.IsPending())
	assert.Equal(t, objectupdates.StateClean, h.store.State(groupURL))
}

func TestSubmit_ResetDuringSubmitDropsOutcome(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	gock.New(backend).
		Patch(groupPath).
		AddMatcher(func(*http.Request, *gock.Request) (bool, error) {
			// the resource is reloaded while the patch is in flight
			h.store.Initialize(groupURL, nil, time.Now())
			return true, nil
		}).
		Reply(200).
		JSON(map[string]any{"id": "g1", "type": "group", "name": "fresh"})

	_, err := h.svc.SaveField(context.Background(), "group", "g1", "name", cmodels.ChangeUpdate, "fresh")
	require.NoError(t, err)

	res, err := h.svc.Submit(context.Background(), "group", "g1")
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Nil(t, res.Notification)
}

func TestSubmit_EmptyResponseRefetches(t *testing.T) {
	h := newHarness(t, "")
	gock.New(backend).Get(groupPath).Times(1).Reply(200).JSON(map[string]any{"id": "g1", "type": "group", "name": "old"})
	gock.New(backend).Patch(groupPath).Reply(204)
	gock.New(backend).Get(groupPath).Times(1).Reply(200).JSON(map[string]any{"id": "g1", "type": "group", "name": "NEW"})

	_, err := h.svc.SaveField(context.Background(), "group", "g1", "name", cmodels.ChangeUpdate, "new")
	require.NoError(t, err)

	res, err := h.svc.Submit(context.Background(), "group", "g1")
	require.NoError(t, err)
	require.NotNil(t, res.Resource)
	assert.Equal(t, "NEW", res.Resource.Properties["name"])
	require.Len(t, res.Drift, 1, "server normalised the name")
	assert.Equal(t, "/name", res.Drift[0].Path)
}

func TestSaveField_Errors(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	ctx := context.Background()

	_, err := h.svc.SaveField(ctx, "widget", "w1", "name", cmodels.ChangeUpdate, "x")
	assert.ErrorIs(t, err, schema.ErrUnknownType)

	_, err = h.svc.SaveField(ctx, "group", "g1", "dc.nope", cmodels.ChangeUpdate, "x")
	assert.ErrorIs(t, err, schema.ErrUnknownField)

	_, err = h.svc.SaveField(ctx, "group", "g1", "name", cmodels.ChangeType("MOVE"), "x")
	assert.ErrorIs(t, err, ErrInvalidChange)
}

func TestSaveField_ReadonlyVariant(t *testing.T) {
	h := newHarness(t, "readonly")

	_, err := h.svc.SaveField(context.Background(), "group", "g1", "name", cmodels.ChangeUpdate, "x")
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestDiscardAndReinstate(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	ctx := context.Background()

	_, err := h.svc.SaveField(ctx, "group", "g1", "dc.description", cmodels.ChangeAdd, "draft")
	require.NoError(t, err)

	snap, err := h.svc.Discard(ctx, "group", "g1")
	require.NoError(t, err)
	assert.False(t, snap.HasUpdates)
	assert.True(t, snap.IsReinstatable)

	snap, err = h.svc.Reinstate(ctx, "group", "g1")
	require.NoError(t, err)
	assert.True(t, snap.HasUpdates)
	u, ok := snap.Field(fieldID("dc.description"))
	require.True(t, ok)
	assert.Equal(t, "draft", u.Field.Value)

	_, err = h.svc.Reinstate(ctx, "group", "g1")
	assert.ErrorIs(t, err, ErrNothingToReinstate)
}

func TestDiscardAndReinstate_RefusedWhileSubmitting(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	ctx := context.Background()

	var discardErr, reinstateErr error
	gock.New(backend).
		Patch(groupPath).
		AddMatcher(func(*http.Request, *gock.Request) (bool, error) {
			_, discardErr = h.svc.Discard(ctx, "group", "g1")
			_, reinstateErr = h.svc.Reinstate(ctx, "group", "g1")
			return true, nil
		}).
		Reply(200).
		JSON(map[string]any{"id": "g1", "type": "group", "name": "staff"})

	_, err := h.svc.SaveField(ctx, "group", "g1", "name", cmodels.ChangeUpdate, "staff")
	require.NoError(t, err)

	res, err := h.svc.Submit(ctx, "group", "g1")
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.ErrorIs(t, discardErr, gateway.ErrConcurrentSubmit)
	assert.ErrorIs(t, reinstateErr, gateway.ErrConcurrentSubmit)
	assert.Equal(t, objectupdates.StateClean, h.store.State(groupURL))

	// the set accepts a new submit afterwards
	_, err = h.store.BeginSubmit(groupURL)
	assert.NoError(t, err)
}

func TestSubmit_AfterDiscardStaysReinstatable(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	ctx := context.Background()
	gock.New(backend).Patch(groupPath).Reply(200)

	_, err := h.svc.SaveField(ctx, "group", "g1", "dc.description", cmodels.ChangeAdd, "draft")
	require.NoError(t, err)
	_, err = h.svc.Discard(ctx, "group", "g1")
	require.NoError(t, err)

	res, err := h.svc.Submit(ctx, "group", "g1")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.True(t, gock.IsPending(), "nothing is sent")
	assert.Equal(t, objectupdates.StateDiscarded, h.store.State(groupURL))

	snap, err := h.svc.Reinstate(ctx, "group", "g1")
	require.NoError(t, err)
	assert.True(t, snap.HasUpdates)
}

func TestRemoveAndUndoField(t *testing.T) {
	h := newHarness(t, "")
	gock.New(backend).Get(groupPath).Persist().Reply(200).JSON(map[string]any{
		"id":   "g1",
		"type": "group",
		"name": "Admins",
		"metadata": map[string]any{
			"dc.description": []map[string]any{{"value": "old"}},
		},
	})
	ctx := context.Background()

	snap, err := h.svc.RemoveField(ctx, "group", "g1", "dc.description")
	require.NoError(t, err)
	u, ok := snap.Field(fieldID("dc.description"))
	require.True(t, ok)
	assert.Equal(t, cmodels.ChangeRemove, u.ChangeType)
	assert.Equal(t, "old", u.Field.Value)

	preview, err := h.svc.Preview(ctx, "group", "g1")
	require.NoError(t, err)
	assert.Equal(t, []cmodels.Operation{cmodels.NewRemove("/metadata/dc.description")}, preview.Operations)
	assert.NotContains(t, string(preview.Document), "dc.description")

	snap, err = h.svc.UndoField(ctx, "group", "g1", "dc.description")
	require.NoError(t, err)
	assert.False(t, snap.HasUpdates)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	ctx := context.Background()

	_, err := h.svc.SaveField(ctx, "group", "g1", "name", cmodels.ChangeUpdate, "")
	require.NoError(t, err)

	status, err := h.svc.Status(ctx, "group", "g1")
	require.NoError(t, err)
	assert.True(t, status.HasUpdates)
	assert.False(t, status.IsValidPage)
	assert.Contains(t, status.InvalidFields, fieldID("name"))
	assert.Equal(t, objectupdates.StateDirty, status.State)
	assert.False(t, status.Submitting)
}

func TestTeardownForgetsResource(t *testing.T) {
	h := newHarness(t, "")
	mockEmptyGroup()
	ctx := context.Background()

	_, err := h.svc.SaveField(ctx, "group", "g1", "name", cmodels.ChangeUpdate, "x")
	require.NoError(t, err)
	require.NoError(t, h.svc.Teardown(ctx, "group", "g1"))

	assert.Equal(t, 0, h.store.Len())
	_, ok := h.svc.original(groupURL)
	assert.False(t, ok)
}
