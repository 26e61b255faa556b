package secrets

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAIKey = "sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz"

var (
	sharedOnce sync.Once
	shared     *Redactor
	sharedErr  error
)

func testRedactor(t *testing.T) *Redactor {
	t.Helper()
	sharedOnce.Do(func() { shared, sharedErr = New(Options{}) })
	require.NoError(t, sharedErr)
	return shared
}

func TestRedactString_DetectsKnownKey(t *testing.T) {
	r := testRedactor(t)

	out, findings := r.RedactString(`const apiKey = "` + openAIKey + `"`)
	require.NotEmpty(t, findings)
	assert.NotContains(t, out, openAIKey)
	assert.Contains(t, out, "[REDACTED:")
	for _, f := range findings {
		assert.NotEmpty(t, f.RuleID)
		assert.Positive(t, f.Length)
	}
}

func TestRedactString_Clean(t *testing.T) {
	r := testRedactor(t)
	in := "Customer data must be retained for 5 years"
	out, findings := r.RedactString(in)
	assert.Equal(t, in, out)
	assert.Empty(t, findings)
}

func TestRedactValue_SensitiveKeys(t *testing.T) {
	r := testRedactor(t)

	in := map[string]any{
		"title":    "Review Q4 policy",
		"Password": "hunter2",
		"nested": map[string]any{
			"api-key": "abc",
			"count":   float64(3),
			"list":    []any{"plain", map[string]any{"token": "t0k"}},
		},
		"empty_secret": "",
	}
	out, findings := r.RedactMap(in)

	assert.Equal(t, "Review Q4 policy", out["title"])
	assert.Equal(t, Marker(KeyRuleID), out["Password"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, Marker(KeyRuleID), nested["api-key"])
	assert.Equal(t, float64(3), nested["count"])
	list := nested["list"].([]any)
	assert.Equal(t, "plain", list[0])
	assert.Equal(t, Marker(KeyRuleID), list[1].(map[string]any)["token"])

	paths := make([]string, 0, len(findings))
	for _, f := range findings {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{"Password", "nested.api-key", "nested.list[1].token"}, paths)

	assert.Equal(t, "hunter2", in["Password"], "input is not modified")
}

func TestRedactValue_SecretInsideFreeText(t *testing.T) {
	r := testRedactor(t)
	out, findings := r.RedactValue(map[string]any{"content": "key: " + openAIKey})
	require.NotEmpty(t, findings)
	assert.Equal(t, "content", findings[0].Path)
	assert.False(t, strings.Contains(out.(map[string]any)["content"].(string), openAIKey))
}

func TestNew_InvalidAllowPattern(t *testing.T) {
	_, err := New(Options{Allow: []string{"("}})
	assert.Error(t, err)
}
