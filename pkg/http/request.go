package http

import (
	"net"
	"net/http"
	"strings"
)

// IPConfig lists the reverse proxies whose forwarding headers may be believed.
type IPConfig struct {
	TrustedProxies []string // CIDR ranges
}

// ExtractClientIP resolves the address a request actually came from. The
// result keys throttle attempts and lands in audit records, so forwarding
// headers are honored only when the TCP peer sits inside a trusted proxy
// range. Anyone else gets judged by their socket address, which keeps a
// direct client from resetting their throttle state with a forged
// X-Forwarded-For.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	peer := peerAddr(r)

	if config != nil && fromTrustedProxy(peer, config.TrustedProxies) {
		// Leftmost entry is the originating client; the proxies behind
		// it appended themselves on the way in.
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			for _, candidate := range strings.Split(xff, ",") {
				candidate = strings.TrimSpace(candidate)
				if net.ParseIP(candidate) != nil {
					return candidate
				}
			}
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	return peer
}

// peerAddr strips the port from RemoteAddr, tolerating addresses that
// arrive without one.
func peerAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func fromTrustedProxy(addr string, trusted []string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}

	for _, cidr := range trusted {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			// Misconfigured range; treat as absent rather than open
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
