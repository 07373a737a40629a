package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed bool
	}{
		{"", true},
		{"chrome-extension://abcdefghijklmnop", true},
		{"http://127.0.0.1", true},
		{"http://127.0.0.1:8080", true},
		{"http://localhost", true},
		{"http://localhost:3000", true},
		{"http://[::1]", true},
		{"http://[::1]:9000", true},
		{"HTTP://LOCALHOST", true},
		{"Chrome-Extension://abcdef", true},

		// https on loopback is never served by the bridge
		{"https://127.0.0.1", false},
		{"https://localhost", false},

		// suffix tricks
		{"http://127.0.0.1.evil.com", false},
		{"http://localhost.evil.com", false},
		{"http://evil.com", false},
		{"https://evil.com", false},

		// junk
		{"not-a-url", false},
		{"http://", false},
		{"://127.0.0.1", false},
		{"file:///etc/passwd", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, originAllowed(tt.origin), "origin %q", tt.origin)
	}
}

func TestParseOrigin(t *testing.T) {
	scheme, host, ok := parseOrigin("http://127.0.0.1:8080")
	if !ok || scheme != "http" || host != "127.0.0.1" {
		t.Fatalf("got scheme=%q host=%q ok=%v", scheme, host, ok)
	}

	scheme, host, ok = parseOrigin("http://[::1]:9000")
	if !ok || scheme != "http" || host != "[::1]" {
		t.Fatalf("ipv6: got scheme=%q host=%q ok=%v", scheme, host, ok)
	}

	if _, _, ok := parseOrigin("http://[::1"); ok {
		t.Fatal("unterminated ipv6 bracket should not parse")
	}
}

func TestIsLoopbackIP(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "127.0.0.53", "::1", "::ffff:127.0.0.1"} {
		if !isLoopbackIP(ip) {
			t.Errorf("expected %s to be loopback", ip)
		}
	}
	for _, ip := range []string{"192.168.1.10", "10.0.0.1", "8.8.8.8", "::2"} {
		if isLoopbackIP(ip) {
			t.Errorf("expected %s to not be loopback", ip)
		}
	}
}
