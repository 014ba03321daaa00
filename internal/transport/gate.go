// Package transport implements the transport adapter and the pre-upgrade
// connection gate: a net/http-facing WebSocket layer that decodes frames
// into the ingress queue and drains the response router's outbound queue
// back to the socket.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/eventrelay/relay/internal/logging"
	"github.com/eventrelay/relay/internal/policy"
)

var localHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// Gate consults the policy store's ip-blocked lookup and an origin
// allowlist before a WebSocket handshake completes. It is an abuse-policy
// hook, not a full auth scheme.
type Gate struct {
	policy         policy.Store
	checkOrigin    func(*http.Request) bool
}

// NewGate constructs a Gate backed by policyStore and an origin allowlist.
// An empty allowlist accepts every well-formed Origin header plus
// requests carrying no Origin header at all (non-browser clients).
func NewGate(policyStore policy.Store, allowedOrigins []string) *Gate {
	return &Gate{policy: policyStore, checkOrigin: buildOriginChecker(allowedOrigins)}
}

// Allow reports whether r may proceed to a WebSocket upgrade.
func (g *Gate) Allow(ctx context.Context, r *http.Request) bool {
	ip := remoteIP(r)
	if g.policy != nil && ip != "" {
		blocked, err := g.policy.IPBlocked(ctx, ip)
		if err != nil {
			logging.L().With(logging.String("remote_addr", ip), logging.Error(err)).
				Warn("policy store unavailable during connection gate check")
			return false
		}
		if blocked {
			return false
		}
	}
	return g.checkOrigin(r)
}

func remoteIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func buildOriginChecker(allowlist []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logging.L().Warn("ignoring invalid allowed origin", logging.String("origin", origin))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return true
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logging.L().Warn("rejecting request with invalid origin", logging.String("origin", originHeader))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		if len(allowed) == 0 {
			return true
		}
		if _, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]; ok {
			return true
		}
		logging.L().Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}
