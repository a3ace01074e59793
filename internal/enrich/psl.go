package enrich

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// organizationalDomain returns the registrable domain (eTLD+1) for a
// hostname, e.g. mail.example.com -> example.com. Hostnames that have no
// public-suffix match, such as bare labels, are returned unchanged.
func organizationalDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if domain == "" {
		return ""
	}

	etld1, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return etld1
}

// DomainsAligned reports whether two domains are aligned under the given
// DMARC alignment mode: exact match in strict mode ("s"), matching
// organizational domains in relaxed mode (anything else).
func DomainsAligned(domain1, domain2, mode string) bool {
	d1 := strings.TrimSuffix(strings.ToLower(domain1), ".")
	d2 := strings.TrimSuffix(strings.ToLower(domain2), ".")

	if d1 == "" || d2 == "" {
		return false
	}
	if mode == "s" {
		return d1 == d2
	}
	return organizationalDomain(d1) == organizationalDomain(d2)
}
