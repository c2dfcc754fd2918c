package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteString(t *testing.T) {
	vars := map[string]interface{}{
		"name":       "Acme",
		"invoice_id": 42,
		"amount":     float64(99.5),
		"due":        time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		"a.b":        "dotted",
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "no placeholders", "no placeholders"},
		{"single", "Hello {{name}}", "Hello Acme"},
		{"spaces inside braces", "Hello {{ name }}", "Hello Acme"},
		{"number", "INV {{invoice_id}}", "INV 42"},
		{"float", "{{amount}} USD", "99.5 USD"},
		{"time", "due {{due}}", "due 2024-05-01T00:00:00Z"},
		{"dotted key", "{{a.b}}", "dotted"},
		{"unknown left literal", "Hi {{missing}}", "Hi {{missing}}"},
		{"mixed", "{{name}}/{{missing}}/{{invoice_id}}", "Acme/{{missing}}/42"},
		{"repeated", "{{name}}{{name}}", "AcmeAcme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SubstituteString(tt.in, vars))
		})
	}
}

func TestSubstituteString_NilVars(t *testing.T) {
	assert.Equal(t, "{{x}}", SubstituteString("{{x}}", nil))
}

func TestSubstituteConfig_NestedAndImmutable(t *testing.T) {
	cfg := map[string]interface{}{
		"to":      "{{email}}",
		"retries": 3,
		"headers": map[string]interface{}{"X-Invoice": "{{invoice_id}}"},
		"lines":   []interface{}{"{{email}}", 7, map[string]interface{}{"k": "{{invoice_id}}"}},
	}
	vars := map[string]interface{}{"email": "a@b.c", "invoice_id": "INV-9"}

	out := SubstituteConfig(cfg, vars)

	assert.Equal(t, "a@b.c", out["to"])
	assert.Equal(t, 3, out["retries"])
	assert.Equal(t, "INV-9", out["headers"].(map[string]interface{})["X-Invoice"])
	lines := out["lines"].([]interface{})
	assert.Equal(t, "a@b.c", lines[0])
	assert.Equal(t, 7, lines[1])
	assert.Equal(t, "INV-9", lines[2].(map[string]interface{})["k"])

	// source untouched
	assert.Equal(t, "{{email}}", cfg["to"])
	assert.Equal(t, "{{invoice_id}}", cfg["headers"].(map[string]interface{})["X-Invoice"])
}

func TestSubstituteConfig_Nil(t *testing.T) {
	out := SubstituteConfig(nil, map[string]interface{}{"a": 1})
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
