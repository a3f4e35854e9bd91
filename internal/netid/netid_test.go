package netid

import (
	"net/http/httptest"
	"testing"
)

func TestFromRequestPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:4321"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := FromRequest(r, true); got != "203.0.113.9" {
		t.Fatalf("got %q", got)
	}
}

func TestFromRequestIgnoresHeadersWithoutProxyTrust(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:4321"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	if got := FromRequest(r, false); got != "10.0.0.1" {
		t.Fatalf("got %q", got)
	}
}

func TestFromRequestFallsBackToRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:4321"
	r.Header.Set("X-Real-IP", "198.51.100.4")

	if got := FromRequest(r, true); got != "198.51.100.4" {
		t.Fatalf("got %q", got)
	}
}

func TestFromRequestUnknownOnGarbage(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "not-an-address"
	r.Header.Set("X-Forwarded-For", "also garbage")

	if got := FromRequest(r, true); got != Unknown {
		t.Fatalf("got %q", got)
	}
}

func TestFromRequestIPv6(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[2001:db8::1]:9000"

	if got := FromRequest(r, false); got != "2001:db8::1" {
		t.Fatalf("got %q", got)
	}
}
