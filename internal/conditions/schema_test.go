package conditions

import (
	"net/http"
	"testing"
)

func chatSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"model", "messages"},
		"properties": map[string]interface{}{
			"model":    map[string]interface{}{"type": "string"},
			"messages": map[string]interface{}{"type": "array", "minItems": float64(1)},
		},
	}
}

func TestJSONSchemaCondition(t *testing.T) {
	e := NewEngine()
	pred := mustCompile(t, e, Spec{"name": "jsonSchema", "schema": chatSchema()})

	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "valid body",
			body: `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`,
			want: true,
		},
		{
			name: "missing required field",
			body: `{"model":"gpt-4"}`,
			want: false,
		},
		{
			name: "wrong type",
			body: `{"model":42,"messages":[]}`,
			want: false,
		},
		{
			name: "not json",
			body: `model=gpt-4`,
			want: false,
		},
		{
			name: "empty body",
			body: "",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newReq(t, http.MethodPost, "/v1/chat/completions", tt.body)
			if got := pred(req); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJSONSchemaRequiresSchema(t *testing.T) {
	e := NewEngine()
	if _, err := e.Compile(Spec{"name": "jsonSchema"}); err == nil {
		t.Error("jsonSchema without schema compiled")
	}
	if _, err := e.Compile(Spec{"name": "jsonSchema", "schema": map[string]interface{}{"type": "bogus"}}); err == nil {
		t.Error("invalid schema compiled")
	}
}
