package auth

import "testing"

func TestAuthenticate_LegacyKey(t *testing.T) {
	a := New("shared-secret", nil)
	d := a.Authenticate("shared-secret", "1.2.3.4", "tac1")
	if !d.Allowed || d.Reason != "legacy_key" {
		t.Fatalf("expected legacy key to authenticate, got %+v", d)
	}
}

func TestAuthenticate_MissingKey(t *testing.T) {
	a := New("shared-secret", nil)
	d := a.Authenticate("", "1.2.3.4", "tac1")
	if d.Allowed || d.Reason != "missing_api_key" {
		t.Fatalf("expected rejection for empty key, got %+v", d)
	}
}

func TestAuthenticate_InvalidKey(t *testing.T) {
	a := New("shared-secret", nil)
	d := a.Authenticate("wrong", "1.2.3.4", "tac1")
	if d.Allowed || d.Reason != "invalid_api_key" {
		t.Fatalf("expected rejection for unknown key, got %+v", d)
	}
}

func TestAuthenticate_PerKeyIPAllowlist(t *testing.T) {
	a := New("", []KeyDescriptor{
		{Key: "k1", Description: "station-a", AllowedIPs: []string{"10.0.0.5"}},
	})

	if d := a.Authenticate("k1", "10.0.0.5", ""); !d.Allowed {
		t.Fatalf("expected allowed from whitelisted IP, got %+v", d)
	}
	if d := a.Authenticate("k1", "10.0.0.9", ""); d.Allowed || d.Reason != "ip_not_allowed" {
		t.Fatalf("expected ip_not_allowed, got %+v", d)
	}
}

func TestAuthenticate_PerKeyCIDRAllowlist(t *testing.T) {
	a := New("", []KeyDescriptor{
		{Key: "k1", AllowedIPs: []string{"10.0.0.0/24"}},
	})
	if d := a.Authenticate("k1", "10.0.0.200", ""); !d.Allowed {
		t.Fatalf("expected allowed within CIDR range, got %+v", d)
	}
	if d := a.Authenticate("k1", "10.0.1.1", ""); d.Allowed {
		t.Fatalf("expected rejection outside CIDR range, got %+v", d)
	}
}

func TestAuthenticate_PerKeySystemAllowlist(t *testing.T) {
	a := New("", []KeyDescriptor{
		{Key: "k1", AllowedSystems: []string{"tac1", "tac2"}},
	})
	if d := a.Authenticate("k1", "1.2.3.4", "tac2"); !d.Allowed {
		t.Fatalf("expected allowed system, got %+v", d)
	}
	if d := a.Authenticate("k1", "1.2.3.4", "tac9"); d.Allowed || d.Reason != "system_not_allowed" {
		t.Fatalf("expected system_not_allowed, got %+v", d)
	}
}

func TestAuthenticate_DisabledWhenNoKeysConfigured(t *testing.T) {
	a := New("", nil)
	d := a.Authenticate("", "1.2.3.4", "tac1")
	if !d.Allowed || d.Reason != "auth_disabled" {
		t.Fatalf("expected auth disabled to admit all requests, got %+v", d)
	}
}

func TestAuthenticate_UnrestrictedKeyAllowsAnySystemAndIP(t *testing.T) {
	a := New("", []KeyDescriptor{{Key: "k1"}})
	d := a.Authenticate("k1", "203.0.113.1", "anything")
	if !d.Allowed {
		t.Fatalf("expected unrestricted key to authenticate, got %+v", d)
	}
}
