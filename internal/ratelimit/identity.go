package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"gatekeeper/internal/models"
)

// UnknownAddr stands in for any client address that cannot be parsed. All
// such clients share one bucket rather than escaping limits.
var UnknownAddr = netip.IPv4Unspecified()

// UserKey is the identity key of an authenticated account.
func UserKey(id string) string {
	return "user:" + id
}

// IPKey is the identity key of an anonymous client.
func IPKey(addr netip.Addr) string {
	return "ip:" + addr.String()
}

// IdentityResolver derives the identity key a request is throttled under.
// Proxy headers are only believed when the connection comes from one of the
// trusted proxy prefixes; otherwise a client could pick its own key.
type IdentityResolver struct {
	trusted []netip.Prefix
}

// NewIdentityResolver creates a resolver trusting the given proxy prefixes.
func NewIdentityResolver(trustedProxies []netip.Prefix) *IdentityResolver {
	return &IdentityResolver{trusted: trustedProxies}
}

// Key returns "user:<id>" for authenticated requests and "ip:<addr>"
// otherwise. An authenticated account always wins over the address.
func (ir *IdentityResolver) Key(r *http.Request) string {
	if acct, ok := models.AccountFromContext(r.Context()); ok {
		return UserKey(acct.ID)
	}
	return IPKey(ir.ClientIP(r))
}

// ClientIP returns the client address of r. The connection address is used
// unless it belongs to a trusted proxy, in which case X-Forwarded-For is read
// right to left for the first untrusted hop, then X-Real-IP.
func (ir *IdentityResolver) ClientIP(r *http.Request) netip.Addr {
	remote, ok := parseAddr(hostOnly(r.RemoteAddr))
	if !ok {
		return UnknownAddr
	}
	if !ir.isTrusted(remote) {
		return remote
	}

	if hops := forwardedHops(r.Header.Values("X-Forwarded-For")); len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parseAddr(hops[i])
			if !ok {
				return UnknownAddr
			}
			if !ir.isTrusted(addr) || i == 0 {
				return addr
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, ok := parseAddr(xri); ok {
			return addr
		}
		return UnknownAddr
	}

	return remote
}

func (ir *IdentityResolver) isTrusted(addr netip.Addr) bool {
	for _, p := range ir.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// forwardedHops flattens every X-Forwarded-For header into one hop list.
func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if hop := strings.TrimSpace(part); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.Trim(hostport, "[]")
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		// Some proxies append the port.
		ap, perr := netip.ParseAddrPort(strings.TrimSpace(s))
		if perr != nil {
			return netip.Addr{}, false
		}
		addr = ap.Addr()
	}
	return addr.WithZone("").Unmap(), true
}
