package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "clk_live_abc_****cdef", MaskSecret("clk_live_abc_0123456789abcdef"))
	assert.Equal(t, "****", MaskSecret("abc"))
}

func TestMaskKeysOnlyTouchesListedKeys(t *testing.T) {
	out := MaskKeys(map[string]any{
		"name":   "ci",
		"Prefix": "clk_live_abc_0123",
		"nested": map[string]any{"token": "sk_test_123456789", "count": 3},
		"":       "dropped",
	}, "prefix", "token")

	assert.Equal(t, "ci", out["name"])
	assert.Equal(t, "clk_live_abc_****", out["Prefix"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "sk_test_****6789", nested["token"])
	assert.Equal(t, 3, nested["count"])
	assert.NotContains(t, out, "")
	assert.Nil(t, MaskKeys(nil, "token"))
}
