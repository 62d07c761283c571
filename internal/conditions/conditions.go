package conditions

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/wudi/aigate/internal/logging"
)

// maxDepth bounds condition tree nesting. Combinator descriptors are finite
// YAML trees, so hitting this means a pathological or self-referencing config.
const maxDepth = 32

// maxBodyBytes caps how much request body a predicate will snapshot.
const maxBodyBytes = 10 * 1024 * 1024

// Spec is a raw condition descriptor from config: {"name": ..., params...}.
type Spec map[string]interface{}

// Predicate evaluates a request snapshot. Predicates never error at request
// time; anything that can fail does so during Compile.
type Predicate func(req *Request) bool

// CompileFunc compiles a child descriptor. Handed to builders so combinators
// can recurse with depth accounting.
type CompileFunc func(spec Spec) (Predicate, error)

// Builder constructs a predicate from its descriptor.
type Builder func(spec Spec, compileChild CompileFunc) (Predicate, error)

// Engine is a registry of named condition builders. Engines are cheap and
// instance-scoped: each config build gets a fresh one.
type Engine struct {
	builders     map[string]Builder
	schemaLoader jsonschema.URLLoader
}

// Option configures an Engine.
type Option func(*Engine)

// WithSchemaLoader installs a loader for jsonSchema remote references.
// Without one, descriptors using remote $refs fail compilation.
func WithSchemaLoader(l jsonschema.URLLoader) Option {
	return func(e *Engine) {
		e.schemaLoader = l
	}
}

// NewEngine creates an engine with all builtin conditions registered.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		builders: make(map[string]Builder),
	}
	for _, opt := range opts {
		opt(e)
	}
	registerBuiltins(e)
	return e
}

// Register adds a named condition builder. Registering an existing name is a
// no-op with a warning: first registration wins, so extensions cannot
// silently override builtins.
func (e *Engine) Register(name string, b Builder) {
	if _, exists := e.builders[name]; exists {
		logging.Warn("condition already registered, keeping first registration",
			zap.String("condition", name))
		return
	}
	e.builders[name] = b
}

// Names returns the registered condition names.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.builders))
	for name := range e.builders {
		names = append(names, name)
	}
	return names
}

// Compile resolves a descriptor into a predicate.
func (e *Engine) Compile(spec Spec) (Predicate, error) {
	return e.compile(spec, 0)
}

func (e *Engine) compile(spec Spec, depth int) (Predicate, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("condition tree exceeds maximum depth %d", maxDepth)
	}
	if len(spec) == 0 {
		return nil, fmt.Errorf("condition: descriptor is empty")
	}
	rawName, ok := spec["name"]
	if !ok {
		return nil, fmt.Errorf("condition: name is required")
	}
	name, ok := rawName.(string)
	if !ok {
		return nil, fmt.Errorf("condition: name must be a string, got %T", rawName)
	}
	builder, ok := e.builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown condition %q", name)
	}

	child := func(s Spec) (Predicate, error) {
		return e.compile(s, depth+1)
	}
	pred, err := builder(spec, child)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", name, err)
	}
	return pred, nil
}

// Request is an immutable view of one inbound request for predicate
// evaluation. The body is read lazily, capped, and the underlying request
// body is replaced so later stages still see the full payload.
type Request struct {
	r          *http.Request
	path       string
	body       []byte
	bodyLoaded bool
	bodyErr    error
}

// NewRequest snapshots the request for condition evaluation.
func NewRequest(r *http.Request) *Request {
	return &Request{r: r, path: normalizePath(r.URL.Path)}
}

// normalizePath cleans dot segments while keeping a trailing slash, so
// pathExact cannot be bypassed with "/x/../admin".
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// Method returns the request method.
func (s *Request) Method() string {
	return s.r.Method
}

// Path returns the normalized request path.
func (s *Request) Path() string {
	return s.path
}

// Host returns the request host with any port stripped.
func (s *Request) Host() string {
	host := s.r.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}
	return host
}

// Header returns the first value of the named header.
func (s *Request) Header(name string) string {
	return s.r.Header.Get(name)
}

// HeaderMap returns a lowercase-keyed copy of the headers, first value each.
func (s *Request) HeaderMap() map[string]string {
	out := make(map[string]string, len(s.r.Header))
	for name, values := range s.r.Header {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}

// TLSClientAuthenticated reports whether the connection presented a client
// certificate that the listener verified.
func (s *Request) TLSClientAuthenticated() bool {
	return s.r.TLS != nil && len(s.r.TLS.VerifiedChains) > 0
}

// Body returns the request body bytes, reading and caching them on first
// call. The request's body reader is restored so the proxy still sees it.
func (s *Request) Body() ([]byte, error) {
	if s.bodyLoaded {
		return s.body, s.bodyErr
	}
	s.bodyLoaded = true

	if s.r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(s.r.Body, maxBodyBytes+1))
	if err != nil {
		// Keep whatever was read in front of the unread remainder.
		s.r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), s.r.Body))
		s.bodyErr = fmt.Errorf("read body: %w", err)
		return nil, s.bodyErr
	}
	if len(data) > maxBodyBytes {
		s.r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), s.r.Body))
		s.bodyErr = fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
		return nil, s.bodyErr
	}
	s.body = data
	s.r.Body = io.NopCloser(bytes.NewReader(data))
	return s.body, nil
}
