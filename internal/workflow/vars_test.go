package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveValueSubstitutesDollarPrefixedKey(t *testing.T) {
	ctx := map[string]any{"foo": 42}
	assert.Equal(t, 42, resolveValue("$foo", ctx))
}

func TestResolveValueLeavesUnknownKeyAsIs(t *testing.T) {
	ctx := map[string]any{}
	assert.Equal(t, "$foo", resolveValue("$foo", ctx))
}

func TestResolveValueDoesNotInterpolate(t *testing.T) {
	ctx := map[string]any{"foo": 42}
	assert.Equal(t, "a$foo", resolveValue("a$foo", ctx))
}

func TestResolveConfigTraversesNestedMapsAndLists(t *testing.T) {
	ctx := map[string]any{"url": "https://example", "count": 3}
	cfg := map[string]any{
		"target": "$url",
		"nested": map[string]any{"n": "$count"},
		"list":   []any{"$url", "literal"},
	}
	out := resolveConfig(cfg, ctx)
	assert.Equal(t, "https://example", out["target"])
	assert.Equal(t, 3, out["nested"].(map[string]any)["n"])
	assert.Equal(t, []any{"https://example", "literal"}, out["list"])
}

func TestResolveValuePassesNonStringScalarsThrough(t *testing.T) {
	ctx := map[string]any{}
	assert.Equal(t, 7, resolveValue(7, ctx))
	assert.Equal(t, true, resolveValue(true, ctx))
}
