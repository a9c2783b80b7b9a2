package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeParamsHash_Deterministic(t *testing.T) {
	t.Parallel()
	inputs := map[string]any{
		"provider": "openai",
		"schema":   1,
		"nested":   map[string]any{"b": 2, "a": 1},
	}
	a := ComputeParamsHash("gpt-4o-mini", "v1", inputs)
	b := ComputeParamsHash("gpt-4o-mini", "v1", map[string]any{
		"nested":   map[string]any{"a": 1, "b": 2},
		"schema":   1,
		"provider": "openai",
	})
	assert.Equal(t, a, b, "map iteration order must not leak into the hash")
	assert.Len(t, a, 64)
}

func TestComputeParamsHash_SensitiveToEveryPart(t *testing.T) {
	t.Parallel()
	base := ComputeParamsHash("m", "v1", map[string]any{"k": "v"})

	assert.NotEqual(t, base, ComputeParamsHash("m2", "v1", map[string]any{"k": "v"}))
	assert.NotEqual(t, base, ComputeParamsHash("m", "v2", map[string]any{"k": "v"}))
	assert.NotEqual(t, base, ComputeParamsHash("m", "v1", map[string]any{"k": "w"}))
}

func TestCanonicalJSON(t *testing.T) {
	t.Parallel()
	got := canonicalJSON(map[string]any{
		"z": []any{1, "two"},
		"a": map[string]any{"y": nil, "x": true},
	})
	assert.Equal(t, `{"a":{"x":true,"y":null},"z":[1,"two"]}`, got)
}
