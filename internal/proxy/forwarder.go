package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultForwardTimeout = 60 * time.Second

// ForwarderConfig holds forwarder configuration
type ForwarderConfig struct {
	Transport       http.RoundTripper
	Timeout         time.Duration // upstream round-trip deadline, 0 = 60s
	BufferResponses bool          // disable per-write flushing
}

// Forwarder relays requests to upstream targets over a shared transport.
type Forwarder struct {
	transport http.RoundTripper
	timeout   time.Duration
	buffered  bool
}

// NewForwarder creates a new forwarder
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	transport := cfg.Transport
	if transport == nil {
		transport = DefaultTransport()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultForwardTimeout
	}

	return &Forwarder{
		transport: transport,
		timeout:   timeout,
		buffered:  cfg.BufferResponses,
	}
}

// DefaultTransport creates an HTTP transport with pooling defaults
// suitable for long-lived upstream connections.
func DefaultTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0, // completions can take minutes to start
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// Forward relays r to target and copies the upstream response to w.
// The returned status is the upstream status code, 0 when no response
// was received. Transport failures and deadline hits come back as the
// error so the caller can account them.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target *Target) (int, error) {
	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	upstream := f.buildRequest(ctx, r, target)

	resp, err := f.transport.RoundTrip(upstream)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	f.copyBody(w, resp.Body)

	return resp.StatusCode, nil
}

// buildRequest creates the request to send upstream. Constructed
// directly to avoid a URL.String() + url.Parse() round-trip.
func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, target *Target) *http.Request {
	targetURL := *target.URL
	targetURL.Path = singleJoiningSlash(target.URL.Path, r.URL.Path)
	targetURL.RawQuery = r.URL.RawQuery

	upstream := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.URL.Host,
	}).WithContext(ctx)

	// +3 for the X-Forwarded headers added below
	upstream.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		upstream.Header[k] = vv
	}

	if ip := clientIP(r); ip != "" {
		if prior := upstream.Header.Get("X-Forwarded-For"); prior != "" {
			upstream.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			upstream.Header.Set("X-Forwarded-For", ip)
		}
	}

	if r.TLS != nil {
		upstream.Header.Set("X-Forwarded-Proto", "https")
	} else {
		upstream.Header.Set("X-Forwarded-Proto", "http")
	}

	upstream.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(upstream.Header)

	return upstream
}

// copyBody copies the response body. Unless buffering was requested the
// copy goes through a writer that flushes after every write, so streamed
// completion events reach the client as they arrive.
func (f *Forwarder) copyBody(w http.ResponseWriter, body io.Reader) {
	if !f.buffered {
		if flusher, ok := w.(http.Flusher); ok {
			io.Copy(&flushWriter{w: w, flusher: flusher}, body)
			return
		}
	}

	io.Copy(w, body)
}

// flushWriter flushes the response after every write.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (fw *flushWriter) Write(b []byte) (int, error) {
	n, err := fw.w.Write(b)
	if n > 0 {
		fw.flusher.Flush()
	}
	return n, err
}

// IsTimeout reports whether a forward error was a deadline hit,
// unwrapping the transport's error chain.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}

	removeHopHeaders(dst)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
