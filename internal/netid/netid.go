// Package netid resolves a best-effort network identity for anonymous chat
// senders. The identity keys rate limiting and bans; when nothing usable
// can be derived the caller gets "unknown" and moderation still works, it
// just lumps those senders together.
package netid

import (
	"net"
	"net/http"
	"strings"
)

const Unknown = "unknown"

// FromRequest derives the caller's network identity. With trustProxy set,
// forwarding headers win (first hop of X-Forwarded-For, then X-Real-IP);
// otherwise only the transport address is used.
func FromRequest(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String()
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			if ip := net.ParseIP(real); ip != nil {
				return ip.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if ip := net.ParseIP(r.RemoteAddr); ip != nil {
			return ip.String()
		}
		return Unknown
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return Unknown
}
