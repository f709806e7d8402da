package jsonpatch

import (
	"encoding/json"
	"testing"

	"github.com/openrepo/editsync/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_RFC6902(t *testing.T) {
	data, err := Encode([]models.Operation{
		models.NewAdd("/metadata/dc.description", "testDescription"),
		models.NewReplace("/name", "testGroupName"),
		models.NewRemove("/metadata/dc.title"),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"op":"add","path":"/metadata/dc.description","value":"testDescription"},
		{"op":"replace","path":"/name","value":"testGroupName"},
		{"op":"remove","path":"/metadata/dc.title"}
	]`, string(data))

	empty, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestDecode_RejectsUnsupportedOps(t *testing.T) {
	ops, err := Decode([]byte(`[{"op":"replace","path":"/name","value":"x"}]`))
	require.NoError(t, err)
	assert.Equal(t, []models.Operation{models.NewReplace("/name", "x")}, ops)

	_, err = Decode([]byte(`[{"op":"move","from":"/a","path":"/b"}]`))
	assert.Error(t, err)
}

func TestPreview_AppliesOperations(t *testing.T) {
	out, err := Preview(describedGroup(), []models.Operation{
		models.NewReplace("/metadata/dc.description", []models.MetadataValue{{Value: "new"}}),
		models.NewReplace("/name", "newName"),
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "newName", doc["name"])
	assert.Equal(t, "new", doc["metadata"].(map[string]any)["dc.description"].([]any)[0].(map[string]any)["value"])
}

func TestPreview_AddsMissingMetadataParent(t *testing.T) {
	out, err := Preview(emptyGroup(), []models.Operation{
		models.NewAdd("/metadata/dc.description", "testDescription"),
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"dc.description":"testDescription"`)
}

func TestApply_FailsOnMissingRemoveTarget(t *testing.T) {
	_, err := Apply([]byte(`{"name":"x"}`), []models.Operation{models.NewRemove("/metadata/dc.title")})
	assert.Error(t, err)
}

func TestDiff_ReportsServerNormalisation(t *testing.T) {
	drift, err := Diff(
		[]byte(`{"name":"  Group A ","metadata":{"dc.description":[{"value":"d"}]}}`),
		[]byte(`{"name":"Group A","metadata":{"dc.description":[{"value":"d"}]},"_links":{"self":{"href":"x"}}}`),
	)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, "replace", drift[0].Op)
	assert.Equal(t, "/name", drift[0].Path)
	assert.Equal(t, "Group A", drift[0].Value)

	none, err := Diff([]byte(`{"a":1}`), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Empty(t, none)
}
