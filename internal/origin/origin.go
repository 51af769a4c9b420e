// Package origin implements the browser Origin allow-list shared by the
// signaling upgrader and the HTTP API.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it as
// scheme://host[:port] with default ports dropped, along with host[:port].
// "null" is returned as-is with an empty host.
func Normalize(header string) (origin, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lower-cases an authority and drops the scheme's default
// port. IPv6 literals keep their brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	hostname, port := authority, ""
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", false
		}
		hostname, port = authority[:end+1], strings.TrimPrefix(authority[end+1:], ":")
		if rest := authority[end+1:]; rest != "" && !strings.HasPrefix(rest, ":") {
			return "", false
		}
	} else if i := strings.IndexByte(authority, ':'); i >= 0 {
		if strings.Count(authority, ":") > 1 {
			return "", false
		}
		hostname, port = authority[:i], authority[i+1:]
		if port == "" {
			return "", false
		}
	}
	if hostname == "" || hostname == "[]" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			return hostname, true
		}
		return hostname + ":" + strconv.FormatUint(n, 10), true
	}
	return hostname, true
}

// Policy decides whether a request's Origin may use the relay. With no
// allow-list, only same-host origins are accepted. Requests without an
// Origin header (native clients, the CLI peer) are always accepted.
type Policy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// NewPolicy normalizes each allowed origin. "*" allows every origin.
func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{})}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			p.allowAll = true
			continue
		}
		norm, _, ok := Normalize(a)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q", a)
		}
		p.allowed[norm] = struct{}{}
	}
	return p, nil
}

// Check returns the normalized origin and whether the request is allowed.
// The origin is empty when the request carries no Origin header.
func (p *Policy) Check(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	norm, host, ok := Normalize(header)
	if !ok {
		return "", false
	}
	if p == nil {
		return norm, sameHost(norm, host, r.Host)
	}
	if p.allowAll {
		return norm, true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[norm]
		return norm, ok
	}
	return norm, sameHost(norm, host, r.Host)
}

// Allow is suitable for websocket.Upgrader.CheckOrigin.
func (p *Policy) Allow(r *http.Request) bool {
	_, ok := p.Check(r)
	return ok
}

// sameHost compares host[:port] only; the scheme may differ behind a
// TLS-terminating proxy.
func sameHost(origin, originHost, requestHost string) bool {
	scheme, _, found := strings.Cut(origin, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == originHost
}
