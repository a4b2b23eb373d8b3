package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// UnknownIdentity is used when a request carries none of the identity
// headers. All such requests share one throttle bucket per tier.
const UnknownIdentity = "unknown"

// DefaultIdentityHeaders is the precedence used when ClientIdentityOptions
// names none.
var DefaultIdentityHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

const forwardedForHeader = "X-Forwarded-For"

type clientIdentityKey struct{}

// ClientIdentityOptions configures how a request is mapped to a client.
type ClientIdentityOptions struct {
	// Headers in priority order, first non-empty wins
	Headers []string
	// Sentinel replaces UnknownIdentity when set
	Sentinel string

	// TrustedHops is the number of proxies in front of the gateway that
	// append to X-Forwarded-For. 0 takes the first (client-most) entry,
	// which is only safe when the edge overwrites the header. 1 = single ALB
	// (rightmost entry), 2 = CDN + ALB (second from end), etc. Fewer entries
	// than hops, or a selected entry that is not an IP, falls back to the
	// socket peer.
	TrustedHops int

	// PrivatePeersOnly ignores every identity header unless the socket peer
	// is loopback, private or link-local. Anything else reached us directly
	// and is identified by its own address.
	PrivatePeersOnly bool

	// FallbackToRemoteAddr uses the peer address instead of the sentinel when
	// no header matched. Only sensible when the gateway is directly exposed.
	FallbackToRemoteAddr bool
}

// ResolveIdentity walks names in order and returns the first non-empty value.
// List headers like X-Forwarded-For contribute their first (client-most)
// element. Returns sentinel when nothing matched.
//
// These headers are client controlled unless a proxy in front overwrites
// them. ClientIdentity with TrustedHops set is the form to use behind
// proxies that append. The identity is a throttling key, never an
// authentication signal.
func ResolveIdentity(h http.Header, names []string, sentinel string) string {
	for _, name := range names {
		if v := firstListValue(h.Get(name)); v != "" {
			return v
		}
	}
	return sentinel
}

func firstListValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// ClientIdentity resolves the client identity once per request and stores it
// in the context for the throttle and the request logger.
func ClientIdentity(opts ClientIdentityOptions) func(http.Handler) http.Handler {
	names := opts.Headers
	if len(names) == 0 {
		names = DefaultIdentityHeaders
	}
	sentinel := opts.Sentinel
	if sentinel == "" {
		sentinel = UnknownIdentity
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := opts.resolve(r, names)
			if id == "" && opts.FallbackToRemoteAddr {
				id = remoteHost(r.RemoteAddr)
			}
			if id == "" {
				id = sentinel
			}
			next.ServeHTTP(w, r.WithContext(WithClientIdentity(r.Context(), id)))
		})
	}
}

// resolve returns "" when no header matched so the caller can apply the
// remote addr fallback or the sentinel.
func (o ClientIdentityOptions) resolve(r *http.Request, names []string) string {
	peer := remoteHost(r.RemoteAddr)
	if o.PrivatePeersOnly && !IsPrivatePeer(peer) {
		return peer
	}

	for _, name := range names {
		if o.TrustedHops > 0 && http.CanonicalHeaderKey(name) == forwardedForHeader {
			values := r.Header.Values(name)
			if len(values) == 0 {
				continue
			}
			return forwardedForHop(strings.Join(values, ","), o.TrustedHops, peer)
		}
		if v := firstListValue(r.Header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// forwardedForHop picks the Nth-from-end entry of an X-Forwarded-For list.
// Entries left of it were written by the client and are never used. Too few
// entries means misconfiguration or manipulation, so it fails closed to the
// socket peer.
func forwardedForHop(xff string, hops int, peer string) string {
	parts := strings.Split(xff, ",")
	idx := len(parts) - hops
	if idx < 0 {
		return peer
	}
	candidate, err := netip.ParseAddr(strings.TrimSpace(parts[idx]))
	if err != nil {
		return peer
	}
	return candidate.Unmap().String()
}

// IsPrivatePeer reports whether host is a loopback, private or link-local
// address. Unparseable input is not private.
func IsPrivatePeer(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}

// remoteHost strips the port from a RemoteAddr, "" if there is nothing usable
func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// WithClientIdentity stores id in ctx. An empty id leaves ctx unchanged.
func WithClientIdentity(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIdentityKey{}, id)
}

// ClientIdentityFromContext returns the identity stored by ClientIdentity, or "".
func ClientIdentityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIdentityKey{}).(string)
	return id
}
