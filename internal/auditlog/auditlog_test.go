package auditlog

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:4321"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.5")
	if got := ClientIP(r); got != "203.0.113.7" {
		t.Fatalf("ClientIP=%q, want forwarded address", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:9999"
	if got := ClientIP(r); got != "192.0.2.1" {
		t.Fatalf("ClientIP=%q", got)
	}
}
