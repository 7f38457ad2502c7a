package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP address used for rate limiting and audit
// events. trustProxy must be enabled only when the server sits behind a
// reverse proxy under your control; otherwise X-Forwarded-For is attacker
// controlled. trustedProxyCount is the number of proxies to trust counted
// from the right of the X-Forwarded-For chain.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipFromForwardedFor picks the client IP out of an X-Forwarded-For chain of
// the form "client, proxy1, proxy2". The rightmost trustedProxyCount
// entries were appended by proxies we control; the entry just left of them
// is the client as seen by the outermost trusted proxy.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")

	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	clientIndex := len(ips) - proxyCount - 1
	if clientIndex < 0 {
		clientIndex = 0
	}

	clientIP := strings.TrimSpace(ips[clientIndex])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}
