package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unmarshal(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestInfer_Primitives(t *testing.T) {
	assert.Equal(t, "null", Infer(unmarshal(t, `null`)).Type)
	assert.Equal(t, "boolean", Infer(unmarshal(t, `true`)).Type)
	assert.Equal(t, "number", Infer(unmarshal(t, `3.5`)).Type)
	assert.Equal(t, "string", Infer(unmarshal(t, `"hello"`)).Type)
}

func TestInfer_DetectsFormats(t *testing.T) {
	assert.Equal(t, "uuid", Infer(unmarshal(t, `"550e8400-e29b-41d4-a716-446655440000"`)).Format)
	assert.Equal(t, "email", Infer(unmarshal(t, `"a@example.com"`)).Format)
	assert.Equal(t, "date-time", Infer(unmarshal(t, `"2024-01-02T03:04:05Z"`)).Format)
	assert.Equal(t, "", Infer(unmarshal(t, `"plain"`)).Format)
}

func TestInfer_Object(t *testing.T) {
	s := Infer(unmarshal(t, `{"id": 1, "name": "a"}`))
	require.Equal(t, "object", s.Type)
	assert.ElementsMatch(t, []string{"id", "name"}, s.Required)
	assert.Equal(t, "number", s.Properties["id"].Type)
	assert.Equal(t, "string", s.Properties["name"].Type)
}

func TestInfer_EmptyObject(t *testing.T) {
	s := Infer(unmarshal(t, `{}`))
	assert.Equal(t, "object", s.Type)
	assert.Empty(t, s.Properties)
	assert.Empty(t, s.Required)
}

func TestInfer_ArrayMergesItemTypes(t *testing.T) {
	s := Infer(unmarshal(t, `[1, 2, 3]`))
	require.Equal(t, "array", s.Type)
	assert.Equal(t, "number", s.Items.Type)
}

func TestMerge_ObjectsUnionPropertiesIntersectRequired(t *testing.T) {
	a := Infer(unmarshal(t, `{"id": 1, "name": "a"}`))
	b := Infer(unmarshal(t, `{"id": 2, "email": "x@y.com"}`))
	merged := Merge(a, b)

	require.Equal(t, "object", merged.Type)
	assert.Contains(t, merged.Properties, "id")
	assert.Contains(t, merged.Properties, "name")
	assert.Contains(t, merged.Properties, "email")
	assert.Equal(t, []string{"id"}, merged.Required)
}

func TestMerge_ArraysRecurse(t *testing.T) {
	a := Infer(unmarshal(t, `{"items": [{"id": 1}]}`))
	b := Infer(unmarshal(t, `{"items": [{"id": 2, "tag": "x"}]}`))
	merged := Merge(a, b)

	items := merged.Properties["items"]
	require.Equal(t, "array", items.Type)
	assert.Contains(t, items.Items.Properties, "id")
	assert.Contains(t, items.Items.Properties, "tag")
}

func TestMerge_TypeMismatchProducesAnyOf(t *testing.T) {
	a := Infer(unmarshal(t, `"a string"`))
	b := Infer(unmarshal(t, `42`))
	merged := Merge(a, b)

	require.Len(t, merged.AnyOf, 2)
}

func TestMerge_NullNeverErasesObservedType(t *testing.T) {
	a := Infer(unmarshal(t, `{"id": 1}`))
	b := Infer(unmarshal(t, `null`))
	merged := Merge(a, b)

	assert.Equal(t, "object", merged.Type)
	assert.True(t, merged.Nullable)

	reversed := Merge(b, a)
	assert.Equal(t, "object", reversed.Type)
	assert.True(t, reversed.Nullable)
}

func TestMerge_EmptyObjectIsIdentity(t *testing.T) {
	empty := Infer(unmarshal(t, `{}`))
	other := Infer(unmarshal(t, `{"id": 1, "name": "a"}`))
	merged := Merge(empty, other)

	assert.Equal(t, other.Properties["id"].Type, merged.Properties["id"].Type)
	assert.Equal(t, other.Properties["name"].Type, merged.Properties["name"].Type)
	assert.Empty(t, merged.Required, "required is the intersection with the empty set")
}

// TestMerge_ValidatesBothSides is a lightweight stand-in for full schema
// validation: every property type present in either source sample must
// still be describable by the merged schema.
func TestMerge_ValidatesBothSides(t *testing.T) {
	a := Infer(unmarshal(t, `{"id": 1, "role": "admin"}`))
	b := Infer(unmarshal(t, `{"id": 2, "role": "user", "active": true}`))
	merged := Merge(a, b)

	for key, want := range map[string]string{"id": "number", "role": "string", "active": "boolean"} {
		got, ok := merged.Properties[key]
		require.Truef(t, ok, "merged schema missing property %q observed in a source sample", key)
		assert.Equal(t, want, got.Type)
	}
}

func TestMerger_MergeIntoTracksObservationCount(t *testing.T) {
	m := New()
	m.MergeInto("GET /api/users/{id}", unmarshal(t, `{"id": 1}`))
	m.MergeInto("GET /api/users/{id}", unmarshal(t, `{"id": 2, "name": "a"}`))

	assert.Equal(t, 2, m.ObservationCount("GET /api/users/{id}"))
	got, ok := m.Get("GET /api/users/{id}")
	require.True(t, ok)
	assert.Contains(t, got.Properties, "id")
	assert.Contains(t, got.Properties, "name")
}

func TestMerger_GetMissingPattern(t *testing.T) {
	m := New()
	_, ok := m.Get("GET /nope")
	assert.False(t, ok)
}

func TestSchema_ToMapFromMapRoundTrips(t *testing.T) {
	s := Infer(unmarshal(t, `{"id": 1, "name": "a", "tags": ["x"]}`))
	m := s.ToMap()
	require.NotNil(t, m)

	got := FromMap(m)
	require.NotNil(t, got)
	assert.Equal(t, s.Type, got.Type)
	assert.Contains(t, got.Properties, "id")
	assert.Contains(t, got.Properties, "tags")
}

func TestSchema_FromMapNil(t *testing.T) {
	assert.Nil(t, FromMap(nil))
}
