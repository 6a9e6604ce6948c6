package netx

import (
	"net"
	"net/http"
	"strings"
)

// IPResolver derives the client IP for rate-limit scoping and logging.
//
// When Trusted is nil every peer is treated as a trusted proxy (the gateway
// runs behind a fronting LB that sets X-Forwarded-For). When Trusted is set,
// forwarded headers are honored only for peers inside the set.
type IPResolver struct {
	Trusted *CIDRSet
}

// ClientIP resolves, in order: first X-Forwarded-For entry, X-Real-Ip,
// then the transport remote address.
func (r IPResolver) ClientIP(req *http.Request) string {
	remoteIP := parseRemoteIP(req.RemoteAddr)
	trusted := r.Trusted == nil || (remoteIP != nil && r.Trusted.Contains(remoteIP))
	if trusted {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			// left-most entry is the original client
			first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String()
			}
		}
		if xrip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); xrip != nil {
			return xrip.String()
		}
	}
	if remoteIP != nil {
		return remoteIP.String()
	}
	return req.RemoteAddr
}

func parseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}
