package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/usage-proxy/internal/directory"
	"github.com/sdko-org/usage-proxy/internal/meter"
	"github.com/sdko-org/usage-proxy/internal/router"
)

// Policy decides which backend responses count as one served request for
// billing. The proxy is not the billing authority for HTTP semantics, so
// the default bills any status the backend chose to emit.
type Policy string

const (
	// PolicyAll counts every response the backend produced.
	PolicyAll Policy = "all"
	// PolicySuccess counts only 2xx/3xx responses.
	PolicySuccess Policy = "2xx-3xx"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyAll, PolicySuccess:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown count policy %q", s)
}

// BackendError wraps a failed backend exchange. Timeout decides between
// 502 and 504.
type BackendError struct {
	Timeout bool
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend exchange failed: %v", e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Engine streams authenticated, routed requests to backend services and
// the responses back, with bounded buffering, and records usage after the
// backend responds.
type Engine struct {
	transport      http.RoundTripper
	meter          *meter.Meter
	policy         Policy
	requestTimeout time.Duration
	log            *logrus.Entry
}

type Options struct {
	Policy                Policy
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	RequestTimeout        time.Duration
}

func New(logger *logrus.Logger, usage *meter.Meter, opts Options) *Engine {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &Engine{
		transport: &loggingTransport{
			next: transport,
			log:  logger.WithField("component", "backend_transport"),
		},
		meter:          usage,
		policy:         opts.Policy,
		requestTimeout: opts.RequestTimeout,
		log:            logger.WithField("component", "forwarding_engine"),
	}
}

// Forward proxies one exchange. The request body is streamed to the
// backend unread and the response body is streamed back; memory use is
// independent of payload size. The usage counter for (service, user,
// endpoint) is incremented exactly once, after backend response headers
// arrive, if the policy classifies the status as billable.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, m *router.Match, user *directory.User) {
	ctx := r.Context()
	if timeout := e.exchangeTimeout(m); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := r.Clone(ctx)
	out.URL = m.Target
	out.Host = m.Target.Host
	out.RequestURI = ""
	removeHopByHop(out.Header)
	setForwardedHeaders(out, r)

	resp, err := e.transport.RoundTrip(out)
	if err != nil {
		berr := &BackendError{Timeout: isTimeout(err), Err: err}
		status := http.StatusBadGateway
		if berr.Timeout {
			status = http.StatusGatewayTimeout
		}
		e.log.WithFields(logrus.Fields{
			"service": m.Service.Name,
			"backend": m.Target.Host,
			"timeout": berr.Timeout,
		}).WithError(err).Warn("Backend exchange failed")
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer resp.Body.Close()

	if e.countable(resp.StatusCode) {
		e.meter.Increment(m.Service.Name, user.ID, m.Endpoint)
	}

	removeHopByHop(resp.Header)
	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(flushWriter(w), resp.Body); err != nil {
		// Client gone or backend stream cut; nothing left to send.
		e.log.WithFields(logrus.Fields{
			"service": m.Service.Name,
			"backend": m.Target.Host,
		}).WithError(err).Debug("Response stream interrupted")
	}
}

func (e *Engine) exchangeTimeout(m *router.Match) time.Duration {
	if m.Service.RequestTimeout > 0 {
		return m.Service.RequestTimeout
	}
	return e.requestTimeout
}

func (e *Engine) countable(status int) bool {
	if e.policy == PolicySuccess {
		return status >= 200 && status < 400
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func setForwardedHeaders(out, in *http.Request) {
	clientIP := in.RemoteAddr
	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	out.Header.Set("X-Forwarded-For", clientIP)
	out.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
}

// Hop-by-hop headers per RFC 7230 §6.1; never forwarded.
var hopByHop = []string{
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

func removeHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

type loggingTransport struct {
	next http.RoundTripper
	log  *logrus.Entry
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := t.log.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL.String(),
	})

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		log.WithError(err).Debug("Backend request failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("Backend request completed")
	return resp, nil
}

type maxLatencyWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (m *maxLatencyWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	if m.f != nil {
		m.f.Flush()
	}
	return n, err
}

// flushWriter flushes after each write so streamed backend responses reach
// the client without waiting for the buffer to fill.
func flushWriter(w http.ResponseWriter) io.Writer {
	f, _ := w.(http.Flusher)
	return &maxLatencyWriter{w: w, f: f}
}
