package router

import (
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/sdko-org/usage-proxy/internal/registry"
)

// ErrNoService means no registered service matches the request. Mapped to
// HTTP 404 by the caller.
var ErrNoService = errors.New("no matching service")

// Match is a routed request: the selected service, the rewritten backend
// URL and the normalized endpoint path used as the usage-accounting key.
type Match struct {
	Service  *registry.VirtualService
	Target   *url.URL
	Endpoint string
}

// Route selects the service for a request arriving on the given bind
// address. Host matching is exact against the service's server names
// (ignoring any port in the Host header); among host matches, the longest
// `from` prefix wins. Prefixes match at path segment boundaries only.
func Route(snap *registry.Snapshot, bindAddr, host, path, rawQuery string) (*Match, error) {
	host = stripPort(host)

	var best *registry.VirtualService
	for _, v := range snap.ServicesForBind(bindAddr) {
		if !v.MatchesHost(host) {
			continue
		}
		if !prefixMatches(path, v.From) {
			continue
		}
		if best == nil || len(v.From) > len(best.From) {
			best = v
		}
	}
	if best == nil {
		return nil, ErrNoService
	}

	target := *best.To
	target.Path = rewritePath(best.From, best.To.Path, path)
	target.RawPath = ""
	target.RawQuery = rawQuery

	return &Match{
		Service:  best,
		Target:   &target,
		Endpoint: NormalizeEndpoint(target.Path),
	}, nil
}

// prefixMatches reports whether from is a segment-boundary prefix of path.
func prefixMatches(path, from string) bool {
	if from == "/" {
		return true
	}
	if !strings.HasPrefix(path, from) {
		return false
	}
	rest := path[len(from):]
	return rest == "" || rest[0] == '/'
}

// rewritePath strips the matched prefix and joins the remainder onto the
// backend base path without introducing a double slash or dropping a
// trailing remainder. A request for exactly the prefix maps to the backend
// base path; a trailing slash on the request is preserved.
func rewritePath(from, toPath, reqPath string) string {
	rest := strings.TrimPrefix(reqPath, from)
	isRoot := rest == "/"
	rest = strings.TrimPrefix(rest, "/")

	if toPath == "" {
		toPath = "/"
	}
	if rest == "" {
		if isRoot && !strings.HasSuffix(toPath, "/") {
			return toPath + "/"
		}
		return toPath
	}
	if strings.HasSuffix(toPath, "/") {
		return toPath + rest
	}
	return toPath + "/" + rest
}

// NormalizeEndpoint canonicalizes a rewritten path for use as a counter
// key: duplicate slashes collapsed, no trailing slash unless root.
func NormalizeEndpoint(path string) string {
	if path == "" {
		return "/"
	}
	var b strings.Builder
	b.Grow(len(path))
	prevSlash := false
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	out := b.String()
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
