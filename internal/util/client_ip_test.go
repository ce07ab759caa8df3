package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xrip       string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "untrusted peer ignores forwarded headers",
			remoteAddr: "198.51.100.10:1234",
			xff:        "203.0.113.5",
			xrip:       "203.0.113.6",
			want:       "198.51.100.10",
		},
		{
			name:       "trusted peer accepts x-forwarded-for",
			remoteAddr: "10.0.0.20:1234",
			xff:        "203.0.113.5",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "single trusted ip entry",
			remoteAddr: "192.168.1.10:80",
			xff:        "203.0.113.9",
			trusted:    trusted,
			want:       "203.0.113.9",
		},
		{
			name:       "chain picks first untrusted hop from right",
			remoteAddr: "10.0.0.20:1234",
			xff:        "203.0.113.5, 198.51.100.1, 10.0.0.10",
			trusted:    trusted,
			want:       "198.51.100.1",
		},
		{
			name:       "falls back to x-real-ip",
			remoteAddr: "10.0.0.20:1234",
			xff:        "garbage",
			xrip:       "203.0.113.7",
			trusted:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "fully trusted chain returns leftmost hop",
			remoteAddr: "10.0.0.20:1234",
			xff:        "10.0.0.5, 10.0.0.10",
			trusted:    trusted,
			want:       "10.0.0.5",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "198.51.100.10",
			want:       "198.51.100.10",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com/ws/chat/1", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xrip != "" {
				req.Header.Set("X-Real-IP", tc.xrip)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	if _, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1", "::1"}); err != nil {
		t.Fatalf("expected valid entries, got err: %v", err)
	}
	if _, err := NewTrustedProxies([]string{"bad-cidr/99"}); err == nil {
		t.Fatalf("expected parse error for invalid entry")
	}
	empty, err := NewTrustedProxies([]string{" ", ""})
	if err != nil || empty != nil {
		t.Fatalf("expected nil allowlist for empty input, got %v err %v", empty, err)
	}
}
