package bridge

import "strings"

// allowedOriginHosts are the loopback hosts a page origin may use. Matching
// is exact so that suffix tricks like 127.0.0.1.evil.com are rejected.
var allowedOriginHosts = map[string]bool{
	"127.0.0.1": true,
	"localhost": true,
	"[::1]":     true,
}

// originAllowed reports whether a WebSocket Origin header is acceptable.
// An empty origin means a non-browser client (the CLI) and is allowed;
// the loopback peer check has already happened by then.
func originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	origin = strings.ToLower(origin)
	if strings.HasPrefix(origin, "chrome-extension://") {
		return true
	}

	scheme, host, ok := parseOrigin(origin)
	if !ok {
		return false
	}
	// Plain http only: a loopback page claiming https is not something we
	// ever serve, so treat it as spoofed.
	if scheme != "http" {
		return false
	}
	return allowedOriginHosts[host]
}

// parseOrigin splits an origin into scheme and host, dropping any port.
// IPv6 hosts keep their brackets so they match the allowlist entries.
func parseOrigin(origin string) (scheme, host string, ok bool) {
	scheme, rest, found := strings.Cut(origin, "://")
	if !found || scheme == "" || rest == "" {
		return "", "", false
	}

	// Origins have no path, but be tolerant of one.
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}

	if strings.HasPrefix(rest, "[") {
		// Bracketed IPv6 literal, optionally followed by :port.
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", "", false
		}
		return scheme, rest[:end+1], true
	}

	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return "", "", false
	}
	return scheme, rest, true
}

func isLoopbackIP(ip string) bool {
	if ip == "127.0.0.1" || strings.HasPrefix(ip, "127.") {
		return true
	}
	if ip == "::1" || strings.HasPrefix(ip, "::ffff:127.") {
		return true
	}
	return false
}
