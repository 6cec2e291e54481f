// Package acl implements the sibling allow-list described in spec.md §4.1:
// a startup-time DNS resolution of every configured peer, unioned into a
// fixed IP set that inbound requests are checked against before routing.
package acl

import (
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// List is a frozen set of admitted source IPs, resolved once at startup.
// Re-resolution during runtime is deliberately not supported: operators
// restart the node after a topology change (spec.md §4.1).
type List struct {
	allowed map[string]struct{}
}

// Resolve looks up the A-records for every host in hosts (typically the
// configured parent, children, and "localhost") and unions them into a
// List. A host that fails to resolve is skipped, not fatal, since a
// not-yet-reachable sibling should not prevent the node from starting.
func Resolve(hosts []string) (*List, error) {
	allowed := make(map[string]struct{})
	var lastErr error
	resolvedAny := false

	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			allowed[ip.String()] = struct{}{}
			resolvedAny = true
			continue
		}
		ips, err := net.LookupHost(host)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ip := range ips {
			allowed[ip] = struct{}{}
		}
		resolvedAny = true
	}

	if !resolvedAny && lastErr != nil {
		return nil, errors.Wrap(lastErr, "resolve sibling ACL hosts")
	}
	return &List{allowed: allowed}, nil
}

// Allowed reports whether ip (a bare address, no port) is in the set.
func (l *List) Allowed(ip string) bool {
	if l == nil {
		return false
	}
	_, ok := l.allowed[ip]
	return ok
}

// RemoteIP extracts the client IP from r, preferring X-Real-IP over the
// transport-level peer address, per spec.md §6's admission rule.
func RemoteIP(r *http.Request) string {
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects any request whose RemoteIP is not in the list with
// 403, before calling next. onReject, if non-nil, is invoked for metrics.
func Middleware(list *List, onReject func(), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !list.Allowed(RemoteIP(r)) {
			if onReject != nil {
				onReject()
			}
			http.Error(w, `{"error_code":403,"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
