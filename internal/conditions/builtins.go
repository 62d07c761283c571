package conditions

import (
	"fmt"
	"regexp"
	"strings"
)

func registerBuiltins(e *Engine) {
	e.Register("always", buildAlways)
	e.Register("never", buildNever)
	e.Register("allOf", buildAllOf)
	e.Register("oneOf", buildOneOf)
	e.Register("not", buildNot)
	e.Register("pathExact", buildPathExact)
	e.Register("pathMatch", buildPathMatch)
	e.Register("method", buildMethod)
	e.Register("tlsClientAuthenticated", buildTLSClientAuthenticated)
	e.Register("expression", buildExpression)
	e.Register("jsonSchema", e.buildJSONSchema)
}

func buildAlways(_ Spec, _ CompileFunc) (Predicate, error) {
	return func(*Request) bool { return true }, nil
}

func buildNever(_ Spec, _ CompileFunc) (Predicate, error) {
	return func(*Request) bool { return false }, nil
}

func buildAllOf(spec Spec, compileChild CompileFunc) (Predicate, error) {
	children, err := childList(spec, compileChild)
	if err != nil {
		return nil, err
	}
	// Vacuously true on an empty list; short-circuits on the first false.
	return func(req *Request) bool {
		for _, child := range children {
			if !child(req) {
				return false
			}
		}
		return true
	}, nil
}

func buildOneOf(spec Spec, compileChild CompileFunc) (Predicate, error) {
	children, err := childList(spec, compileChild)
	if err != nil {
		return nil, err
	}
	// Vacuously false on an empty list; short-circuits on the first true.
	return func(req *Request) bool {
		for _, child := range children {
			if child(req) {
				return true
			}
		}
		return false
	}, nil
}

func buildNot(spec Spec, compileChild CompileFunc) (Predicate, error) {
	raw, ok := spec["condition"]
	if !ok {
		return nil, fmt.Errorf("condition param is required")
	}
	childSpec, err := asSpec(raw)
	if err != nil {
		return nil, err
	}
	child, err := compileChild(childSpec)
	if err != nil {
		return nil, err
	}
	return func(req *Request) bool {
		return !child(req)
	}, nil
}

func buildPathExact(spec Spec, _ CompileFunc) (Predicate, error) {
	want, err := stringParam(spec, "path")
	if err != nil {
		return nil, err
	}
	return func(req *Request) bool {
		return req.Path() == want
	}, nil
}

func buildPathMatch(spec Spec, _ CompileFunc) (Predicate, error) {
	pattern, err := stringParam(spec, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return func(req *Request) bool {
		return re.MatchString(req.Path())
	}, nil
}

func buildMethod(spec Spec, _ CompileFunc) (Predicate, error) {
	raw, ok := spec["methods"]
	if !ok {
		return nil, fmt.Errorf("methods param is required")
	}

	allowed := make(map[string]bool)
	switch v := raw.(type) {
	case string:
		allowed[strings.ToUpper(v)] = true
	case []interface{}:
		if len(v) == 0 {
			return nil, fmt.Errorf("methods list must not be empty")
		}
		for _, item := range v {
			m, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("methods entries must be strings, got %T", item)
			}
			allowed[strings.ToUpper(m)] = true
		}
	default:
		return nil, fmt.Errorf("methods must be a string or list of strings, got %T", raw)
	}

	return func(req *Request) bool {
		return allowed[req.Method()]
	}, nil
}

func buildTLSClientAuthenticated(_ Spec, _ CompileFunc) (Predicate, error) {
	return func(req *Request) bool {
		return req.TLSClientAuthenticated()
	}, nil
}

// childList extracts and compiles the "conditions" param of a combinator.
func childList(spec Spec, compileChild CompileFunc) ([]Predicate, error) {
	raw, ok := spec["conditions"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("conditions must be a list, got %T", raw)
	}
	children := make([]Predicate, 0, len(list))
	for i, item := range list {
		childSpec, err := asSpec(item)
		if err != nil {
			return nil, fmt.Errorf("conditions[%d]: %w", i, err)
		}
		child, err := compileChild(childSpec)
		if err != nil {
			return nil, fmt.Errorf("conditions[%d]: %w", i, err)
		}
		children = append(children, child)
	}
	return children, nil
}

func asSpec(raw interface{}) (Spec, error) {
	switch v := raw.(type) {
	case Spec:
		return v, nil
	case map[string]interface{}:
		return Spec(v), nil
	default:
		return nil, fmt.Errorf("condition descriptor must be a mapping, got %T", raw)
	}
}

func stringParam(spec Spec, key string) (string, error) {
	raw, ok := spec[key]
	if !ok {
		return "", fmt.Errorf("%s param is required", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, raw)
	}
	if s == "" {
		return "", fmt.Errorf("%s must not be empty", key)
	}
	return s, nil
}
