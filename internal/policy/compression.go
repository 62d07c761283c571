package policy

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/aigate/internal/middleware"
)

type compressionConfig struct {
	Level        int      `param:"level"`
	MinSize      int      `param:"minSize"`
	Algorithms   []string `param:"algorithms"`
	ContentTypes []string `param:"contentTypes"`
}

func compressionFactory() Factory {
	return Factory{
		Name: "compression",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"level":   map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 11},
				"minSize": map[string]interface{}{"type": "integer", "minimum": 1},
				"algorithms": map[string]interface{}{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]interface{}{"enum": []interface{}{"gzip", "br", "zstd"}},
				},
				"contentTypes": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			},
			"additionalProperties": false,
		},
		Build: buildCompression,
	}
}

func buildCompression(params map[string]interface{}, _ *Env) (middleware.Middleware, error) {
	var cfg compressionConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	comp, err := newCompressor(cfg)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			algo := comp.negotiate(r)
			if algo == "" {
				next.ServeHTTP(w, r)
				return
			}
			cw := newCompressingWriter(w, comp, algo)
			next.ServeHTTP(cw, r)
			cw.Close()
		})
	}, nil
}

// serverAlgoOrder is the server-preferred algorithm order.
var serverAlgoOrder = []string{"br", "zstd", "gzip"}

// compressor holds the negotiated settings for one compression policy
// instance.
type compressor struct {
	level        int
	minSize      int
	contentTypes map[string]bool
	algoOrder    []string
	zstdPool     sync.Pool
}

var defaultCompressibleTypes = []string{
	"text/html", "text/css", "text/plain", "text/javascript",
	"application/javascript", "application/json", "application/xml",
	"text/xml", "image/svg+xml", "text/event-stream",
}

func newCompressor(cfg compressionConfig) (*compressor, error) {
	c := &compressor{
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
	}
	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	enabled := make(map[string]bool)
	if len(cfg.Algorithms) > 0 {
		for _, algo := range cfg.Algorithms {
			switch algo {
			case "gzip", "br", "zstd":
				enabled[algo] = true
			default:
				return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
			}
		}
	} else {
		enabled["gzip"] = true
		enabled["br"] = true
		enabled["zstd"] = true
	}
	for _, algo := range serverAlgoOrder {
		if enabled[algo] {
			c.algoOrder = append(c.algoOrder, algo)
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}
	for _, ct := range types {
		c.contentTypes[strings.ToLower(ct)] = true
	}

	zstdLevel := zstd.SpeedDefault
	if c.level > 0 {
		zstdLevel = zstd.EncoderLevelFromZstd(c.level)
	}
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}
	return c, nil
}

// encodingPref is a parsed Accept-Encoding entry.
type encodingPref struct {
	encoding string
	quality  float64
}

// parseAcceptEncoding parses the Accept-Encoding header per RFC 7231 §5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			rest := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(rest, "q=") {
				if v, err := strconv.ParseFloat(rest[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: strings.ToLower(enc), quality: q})
	}
	return prefs
}

// negotiate selects the best algorithm for the client's Accept-Encoding.
// Returns "" when nothing acceptable is offered.
func (c *compressor) negotiate(r *http.Request) string {
	ae := r.Header.Get("Accept-Encoding")
	if ae == "" {
		return ""
	}
	prefs := parseAcceptEncoding(ae)
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	// Higher quality wins; on a tie, earlier in server order wins.
	bestAlgo := ""
	bestQ := -1.0
	for _, algo := range c.algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue
		}
		if q > bestQ {
			bestQ = q
			bestAlgo = algo
		}
	}
	return bestAlgo
}

func (c *compressor) compressibleType(contentType string) bool {
	ct := strings.ToLower(contentType)
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return c.contentTypes[ct]
}

// encodingWriter is an io.Writer that must be closed to finish the stream.
type encodingWriter interface {
	io.Writer
	Close() error
}

type encodingFlusher interface {
	Flush() error
}

// pooledZstdWriter returns its encoder to the pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) { return pw.enc.Write(p) }

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

func (c *compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	default:
		level := c.level
		if level > gzip.BestCompression {
			level = gzip.BestCompression
		}
		gz, _ := gzip.NewWriterLevel(w, level)
		return gz
	}
}

// compressingWriter buffers the first bytes of a response until it can
// decide whether compressing is worthwhile, then either streams through
// an encoder or passes bytes along unchanged.
type compressingWriter struct {
	http.ResponseWriter
	comp          *compressor
	algorithm     string
	enc           encodingWriter
	statusCode    int
	buf           []byte
	decided       bool
	compressing   bool
	headerWritten bool
}

func newCompressingWriter(w http.ResponseWriter, c *compressor, algo string) *compressingWriter {
	return &compressingWriter{
		ResponseWriter: w,
		comp:           c,
		algorithm:      algo,
		statusCode:     http.StatusOK,
	}
}

// mustPassThrough reports whether the response headers rule out
// compression: upstream already encoded the body, or the content type
// is not compressible.
func (w *compressingWriter) mustPassThrough() bool {
	h := w.ResponseWriter.Header()
	if h.Get("Content-Encoding") != "" {
		return true
	}
	ct := h.Get("Content-Type")
	return ct != "" && !w.comp.compressibleType(ct)
}

func (w *compressingWriter) WriteHeader(code int) {
	if w.headerWritten {
		return
	}
	w.statusCode = code
	if w.decided {
		w.emitHeader()
		return
	}
	if w.mustPassThrough() {
		w.decided = true
		w.compressing = false
		w.emitHeader()
	}
	// Otherwise defer until enough body arrives to decide.
}

func (w *compressingWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.buf = append(w.buf, b...)
		if w.mustPassThrough() {
			w.decided = true
			w.compressing = false
			w.flushBuffer()
		} else if len(w.buf) >= w.comp.minSize {
			w.decided = true
			w.compressing = true
			w.flushBuffer()
		}
		return len(b), nil
	}
	if w.compressing && w.enc != nil {
		return w.enc.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *compressingWriter) emitHeader() {
	if w.headerWritten {
		return
	}
	w.headerWritten = true
	if w.compressing {
		h := w.ResponseWriter.Header()
		h.Del("Content-Length")
		h.Set("Content-Encoding", w.algorithm)
		h.Add("Vary", "Accept-Encoding")
		w.enc = w.comp.newEncodingWriter(w.ResponseWriter, w.algorithm)
	}
	w.ResponseWriter.WriteHeader(w.statusCode)
}

func (w *compressingWriter) flushBuffer() {
	w.emitHeader()
	if len(w.buf) == 0 {
		return
	}
	if w.compressing && w.enc != nil {
		w.enc.Write(w.buf)
	} else {
		w.ResponseWriter.Write(w.buf)
	}
	w.buf = nil
}

// Close finishes the encoded stream. Must be called once the handler
// returns.
func (w *compressingWriter) Close() {
	if !w.decided {
		w.decided = true
		w.compressing = false
		w.flushBuffer()
		return
	}
	if w.compressing && w.enc != nil {
		w.enc.Close()
	}
}

// Flush implements http.Flusher. An undecided stream that gets flushed
// commits to whatever the buffer size says right now, so event streams
// start moving instead of waiting for minSize.
func (w *compressingWriter) Flush() {
	if !w.decided {
		w.decided = true
		w.compressing = !w.mustPassThrough() && len(w.buf) >= w.comp.minSize
		w.flushBuffer()
	}
	if w.compressing && w.enc != nil {
		if f, ok := w.enc.(encodingFlusher); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (w *compressingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
