package conditions

import (
	"net/http"
	"testing"
)

func TestExpressionCondition(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name   string
		expr   string
		method string
		target string
		header map[string]string
		want   bool
	}{
		{
			name:   "method and path",
			expr:   `method == "POST" && path == "/v1/chat/completions"`,
			method: http.MethodPost,
			target: "/v1/chat/completions",
			want:   true,
		},
		{
			name:   "method mismatch",
			expr:   `method == "POST"`,
			method: http.MethodGet,
			target: "/",
			want:   false,
		},
		{
			name:   "header lookup is lowercase",
			expr:   `headers["x-ai-provider"] == "anthropic"`,
			method: http.MethodPost,
			target: "/v1/messages",
			header: map[string]string{"X-AI-Provider": "anthropic"},
			want:   true,
		},
		{
			name:   "missing header",
			expr:   `headers["x-missing"] == "x"`,
			method: http.MethodGet,
			target: "/",
			want:   false,
		},
		{
			name:   "path prefix helper",
			expr:   `path startsWith "/v1/"`,
			method: http.MethodGet,
			target: "/v1/models",
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := mustCompile(t, e, Spec{"name": "expression", "expression": tt.expr})
			req := newReq(t, tt.method, tt.target, "")
			for k, v := range tt.header {
				req.r.Header.Set(k, v)
			}
			if got := pred(req); got != tt.want {
				t.Errorf("%q = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestExpressionCompileErrors(t *testing.T) {
	e := NewEngine()

	for _, src := range []string{
		`method ==`,          // syntax error
		`path + "x"`,         // not a boolean
		`os.Getenv("HOME")`,  // no such identifier in the sandbox
		`unknownVar == true`, // unknown identifier
	} {
		if _, err := e.Compile(Spec{"name": "expression", "expression": src}); err == nil {
			t.Errorf("expression %q compiled, want error", src)
		}
	}

	if _, err := e.Compile(Spec{"name": "expression"}); err == nil {
		t.Error("expression without source compiled")
	}
}
