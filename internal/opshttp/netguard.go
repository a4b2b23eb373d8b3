package opshttp

import (
	"net"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

// requireNonPublicNetwork refuses peers outside loopback, private and
// link-local ranges. The ops port exposes pprof and the policy table, so a
// misconfigured security group must not turn into an information leak.
// Only the socket peer counts; forwarding headers are ignored.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			L.Warn(r.Context(), "ops request with unparseable remote addr", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if !httpmw.IsPrivatePeer(host) {
			L.Warn(r.Context(), "ops request from public network refused",
				"network.peer.address", host,
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
