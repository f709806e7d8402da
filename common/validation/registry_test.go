package validation

import (
	"testing"

	"github.com/openrepo/editsync/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	eval, err := NewExprEvaluator()
	require.NoError(t, err)
	return NewRegistry(eval)
}

func field(key string, v any) models.Field {
	return models.Field{UUID: key, Key: key, Kind: models.KindMetadata, Value: v}
}

func TestRegistry_ResolveUnknownFailsFast(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Resolve(Rule{Key: "isbn"})
	assert.ErrorIs(t, err, ErrUnknownValidator)
}

func TestRegistry_BuiltIns(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		rule  Rule
		value any
		ok    bool
	}{
		{Rule{Key: KeyRequired}, "x", true},
		{Rule{Key: KeyRequired}, "  ", false},
		{Rule{Key: KeyRequired}, []models.MetadataValue{{Value: ""}}, false},
		{Rule{Key: KeyMaxLength, Arg: "3"}, "abc", true},
		{Rule{Key: KeyMaxLength, Arg: "3"}, "abcd", false},
		{Rule{Key: KeyPattern, Arg: `^\d{4}$`}, "2024", true},
		{Rule{Key: KeyPattern, Arg: `^\d{4}$`}, "24", false},
		{Rule{Key: KeyEmail}, "admin@example.org", true},
		{Rule{Key: KeyEmail}, "not-an-email", false},
		{Rule{Key: KeyDateISO}, "2024-02-29", true},
		{Rule{Key: KeyDateISO}, "29/02/2024", false},
		{Rule{Key: KeyExpr, Arg: `size(value) >= 3`}, "abc", true},
		{Rule{Key: KeyExpr, Arg: `size(value) >= 3`}, "ab", false},
		{Rule{Key: KeyExpr, Arg: `value.all(v, v != "")`}, []models.MetadataValue{{Value: "a"}, {Value: "b"}}, true},
	}

	for _, tt := range tests {
		v, err := r.Resolve(tt.rule)
		require.NoError(t, err, tt.rule)
		err = v(field("dc.title", tt.value))
		if tt.ok {
			assert.NoError(t, err, "%v %v", tt.rule, tt.value)
		} else {
			assert.Error(t, err, "%v %v", tt.rule, tt.value)
		}
	}
}

func TestRegistry_BadArguments(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve(Rule{Key: KeyMaxLength, Arg: "many"})
	assert.Error(t, err)

	_, err = r.Resolve(Rule{Key: KeyPattern, Arg: "("})
	assert.Error(t, err)

	_, err = r.Resolve(Rule{Key: KeyExpr, Arg: "value +"})
	assert.Error(t, err)
}

func TestRulePolicy(t *testing.T) {
	r := newTestRegistry(t)
	p := NewRulePolicy(r)

	require.NoError(t, p.Bind("name", []Rule{{Key: KeyRequired}, {Key: KeyMaxLength, Arg: "10"}}))
	assert.ErrorIs(t, p.Bind("x", []Rule{{Key: "nope"}}), ErrUnknownValidator)

	assert.NoError(t, p.Validate(field("name", "group")))
	assert.Error(t, p.Validate(field("name", "")))
	assert.Error(t, p.Validate(field("name", "far too long a name")))
	assert.NoError(t, p.Validate(field("unbound", "")), "fields without rules are valid")
}

func TestExprEvaluator_CachesPrograms(t *testing.T) {
	eval, err := NewExprEvaluator()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := eval.Evaluate(`field.kind == "metadata"`, field("dc.title", "x"))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, eval.CacheSize())

	_, err = eval.Evaluate(`value`, field("dc.title", "x"))
	assert.ErrorContains(t, err, "did not return boolean")
}
