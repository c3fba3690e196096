// Package auth authenticates radio-call uploads against one or more API
// keys, each optionally restricted to a set of source IPs and a set of
// system IDs. Validation runs in three stages — key match, IP allow-list,
// system allow-list — with a single legacy shared key checked before the
// per-key descriptor list.
package auth

import (
	"crypto/subtle"
	"net"
)

// KeyDescriptor is one authorized API key and the scope it is restricted
// to. An empty AllowedIPs or AllowedSystems means unrestricted for that
// dimension.
type KeyDescriptor struct {
	Key            string
	Description    string
	AllowedIPs     []string
	AllowedSystems []string
}

// Decision is the outcome of an authentication attempt, always populated
// even on rejection so the caller can log a precise security event.
type Decision struct {
	Allowed     bool
	Reason      string
	Description string
	// APIKeyID is the provenance value recorded on the call row: "legacy"
	// for the shared key, the first 8 characters of a per-key descriptor,
	// or empty when authentication is disabled entirely.
	APIKeyID string
}

// Authenticator holds the configured key set. It is immutable after
// construction; reconfiguring requires building a new one.
type Authenticator struct {
	legacyKey string
	keys      []KeyDescriptor
}

func New(legacyKey string, keys []KeyDescriptor) *Authenticator {
	return &Authenticator{legacyKey: legacyKey, keys: keys}
}

// Authenticate checks apiKey against the configured legacy key and
// per-key descriptors, then enforces that descriptor's IP and system
// allowlists, if any.
func (a *Authenticator) Authenticate(apiKey, clientIP, systemID string) Decision {
	if a.legacyKey == "" && len(a.keys) == 0 {
		return Decision{Allowed: true, Reason: "auth_disabled"}
	}

	if apiKey == "" {
		return Decision{Allowed: false, Reason: "missing_api_key"}
	}

	if a.legacyKey != "" && constantTimeEqual(apiKey, a.legacyKey) {
		return Decision{Allowed: true, Reason: "legacy_key", Description: "legacy shared key", APIKeyID: "legacy"}
	}

	for _, desc := range a.keys {
		if !constantTimeEqual(apiKey, desc.Key) {
			continue
		}
		keyID := desc.Key
		if len(keyID) > 8 {
			keyID = keyID[:8]
		}
		if len(desc.AllowedIPs) > 0 && !ipAllowed(clientIP, desc.AllowedIPs) {
			return Decision{Allowed: false, Reason: "ip_not_allowed", Description: desc.Description, APIKeyID: keyID}
		}
		if len(desc.AllowedSystems) > 0 && !stringAllowed(systemID, desc.AllowedSystems) {
			return Decision{Allowed: false, Reason: "system_not_allowed", Description: desc.Description, APIKeyID: keyID}
		}
		return Decision{Allowed: true, Reason: "matched_key", Description: desc.Description, APIKeyID: keyID}
	}

	return Decision{Allowed: false, Reason: "invalid_api_key"}
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ipAllowed matches clientIP against each allowed entry, which may be a
// bare IP or a CIDR range.
func ipAllowed(clientIP string, allowed []string) bool {
	ip := net.ParseIP(clientIP)
	for _, entry := range allowed {
		if entry == clientIP {
			return true
		}
		if ip == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func stringAllowed(value string, allowed []string) bool {
	for _, entry := range allowed {
		if entry == value {
			return true
		}
	}
	return false
}
