package jsonpatch

import (
	"testing"
	"time"

	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/models"
	"github.com/openrepo/editsync/common/objectupdates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const groupURL = "/eperson/groups/g1"

var (
	descField = models.Field{UUID: "desc", Key: "dc.description", Path: "/metadata/dc.description", Kind: models.KindMetadata}
	nameField = models.Field{UUID: "name", Key: "name", Path: "/name", Kind: models.KindProperty, Required: true}
	declared  = []models.Field{descField, nameField}
)

func emptyGroup() *models.Resource {
	return &models.Resource{Type: "groups", ID: "g1", Properties: map[string]any{}}
}

func describedGroup() *models.Resource {
	return &models.Resource{
		Type:       "groups",
		ID:         "g1",
		Properties: map[string]any{"name": "oldName"},
		Metadata: map[string][]models.MetadataValue{
			"dc.description": {{Value: "oldDescription"}},
		},
	}
}

func buildFromStore(t *testing.T, original *models.Resource, edit func(s *objectupdates.Store)) []models.Operation {
	t.Helper()
	s := objectupdates.NewStore(logger.Discard(), objectupdates.Options{})
	s.Initialize(groupURL, []models.Field{descField, nameField}, time.Time{})
	edit(s)
	set, ok := s.UpdateSet(groupURL)
	require.True(t, ok)
	return NewBuilder(PathCombiner{}).Build(original, declared, set)
}

func TestBuild_GroupFormNameAndDescription(t *testing.T) {
	ops := buildFromStore(t, emptyGroup(), func(s *objectupdates.Store) {
		s.SaveChangeFieldUpdate(groupURL, nameField.WithValue("testGroupName"))
		s.SaveChangeFieldUpdate(groupURL, descField.WithValue("testDescription"))
	})

	assert.Equal(t, []models.Operation{
		models.NewAdd("/metadata/dc.description", "testDescription"),
		models.NewReplace("/name", "testGroupName"),
	}, ops)
}

func TestBuild_GroupFormNameCleared(t *testing.T) {
	ops := buildFromStore(t, emptyGroup(), func(s *objectupdates.Store) {
		s.SaveChangeFieldUpdate(groupURL, nameField.WithValue(nil))
		s.SaveChangeFieldUpdate(groupURL, descField.WithValue("testDescription"))
	})

	assert.Equal(t, []models.Operation{
		models.NewAdd("/metadata/dc.description", "testDescription"),
	}, ops)
}

func TestBuild_GroupFormDescriptionCleared(t *testing.T) {
	ops := buildFromStore(t, emptyGroup(), func(s *objectupdates.Store) {
		s.SaveChangeFieldUpdate(groupURL, nameField.WithValue("testGroupName"))
		s.SaveChangeFieldUpdate(groupURL, descField.WithValue(nil))
	})

	assert.Equal(t, []models.Operation{
		models.NewReplace("/name", "testGroupName"),
	}, ops)
}

func TestBuild_DescriptionPrecedesNameWhenBothExisted(t *testing.T) {
	ops := buildFromStore(t, describedGroup(), func(s *objectupdates.Store) {
		// saved name first: declaration order, not save order, decides
		s.SaveChangeFieldUpdate(groupURL, nameField.WithValue("newName"))
		s.SaveChangeFieldUpdate(groupURL, descField.WithValue("newDescription"))
	})

	require.Len(t, ops, 2)
	assert.Equal(t, "/metadata/dc.description", ops[0].Path())
	assert.Equal(t, models.OpReplace, ops[0].Op())
	assert.Equal(t, models.NewReplace("/name", "newName"), ops[1])
}

func TestBuild_EmptyPendingSet(t *testing.T) {
	ops := buildFromStore(t, describedGroup(), func(*objectupdates.Store) {})
	assert.Empty(t, ops)
}

func TestBuild_AddThenDeleteCancels(t *testing.T) {
	extra := models.Field{UUID: "subject", Key: "dc.subject", Kind: models.KindMetadata}
	ops := buildFromStore(t, describedGroup(), func(s *objectupdates.Store) {
		s.SaveAddFieldUpdate(groupURL, extra.WithValue("maths"))
		s.SaveFieldUpdate(groupURL, extra.WithValue("maths"), models.ChangeDelete)
	})
	assert.Empty(t, ops)
}

func TestBuild_RemovesComeLast(t *testing.T) {
	title := models.Field{UUID: "title", Key: "dc.title", Kind: models.KindMetadata}
	original := describedGroup()
	original.Metadata["dc.title"] = []models.MetadataValue{{Value: "t"}}

	ops := NewBuilder(PathCombiner{}).Build(original, []models.Field{descField, title, nameField}, models.ResourceUpdateSet{
		FieldUpdates: models.FieldUpdates{
			"desc":  {Field: descField.WithValue(""), ChangeType: models.ChangeUpdate},
			"title": {Field: title.WithValue("new title"), ChangeType: models.ChangeUpdate},
			"name":  {Field: nameField.WithValue("n"), ChangeType: models.ChangeUpdate},
		},
		Order: []string{"desc", "title", "name"},
	})

	assert.Equal(t, []models.Operation{
		models.NewReplace("/metadata/dc.title", "new title"),
		models.NewReplace("/name", "n"),
		models.NewRemove("/metadata/dc.description"),
	}, ops)
}

func TestBuild_RemoveOfAbsentFieldIsDropped(t *testing.T) {
	ops := NewBuilder(PathCombiner{}).Build(emptyGroup(), declared, models.ResourceUpdateSet{
		FieldUpdates: models.FieldUpdates{
			"desc": {Field: descField.WithValue("x"), ChangeType: models.ChangeRemove},
			"name": {Field: nameField.WithValue("x"), ChangeType: models.ChangeRemove},
		},
		Order: []string{"desc", "name"},
	})
	assert.Empty(t, ops, "absent metadata and required properties are never removed")
}

func TestBuild_ValueWinsOverStaleRemoveOnSamePath(t *testing.T) {
	alias := models.Field{UUID: "desc-alias", Key: "dc.description", Path: "/metadata/dc.description", Kind: models.KindMetadata}

	ops := NewBuilder(PathCombiner{}).Build(describedGroup(), declared, models.ResourceUpdateSet{
		FieldUpdates: models.FieldUpdates{
			"desc":       {Field: descField.WithValue("keep me"), ChangeType: models.ChangeUpdate},
			"desc-alias": {Field: alias.WithValue("old"), ChangeType: models.ChangeRemove},
		},
		Order: []string{"desc-alias", "desc"},
	})

	assert.Equal(t, []models.Operation{
		models.NewReplace("/metadata/dc.description", "keep me"),
	}, ops)
}

func TestBuild_UsesPathCombiner(t *testing.T) {
	title := models.Field{UUID: "title", Key: "dc.title", Path: "files/0/metadata/dc.title", Kind: models.KindMetadata}
	b := NewBuilder(PathCombiner{Root: "sections", SubRoot: "upload"})

	ops := b.Build(nil, nil, models.ResourceUpdateSet{
		FieldUpdates: models.FieldUpdates{"title": {Field: title.WithValue("scan.pdf"), ChangeType: models.ChangeAdd}},
		Order:        []string{"title"},
	})

	assert.Equal(t, []models.Operation{
		models.NewAdd("/sections/upload/files/0/metadata/dc.title", "scan.pdf"),
	}, ops)
}
