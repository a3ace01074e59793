package enrich

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

type countingResolver struct {
	answers map[string]string
	calls   map[string]int
}

func (r *countingResolver) ReverseLookup(ip string) (string, error) {
	r.calls[ip]++
	if host, ok := r.answers[ip]; ok {
		return host, nil
	}
	return "", errors.New("no PTR records found")
}

type staticGeo struct {
	countries map[string]string
	calls     int
}

func (g *staticGeo) Country(ip string) (string, error) {
	g.calls++
	if c, ok := g.countries[ip]; ok {
		return c, nil
	}
	return "", errors.New("not in database")
}

func TestCacheResolveIPQueriesOnce(t *testing.T) {
	resolver := &countingResolver{
		answers: map[string]string{"192.0.2.1": "mail.example.com."},
		calls:   map[string]int{},
	}
	geo := &staticGeo{countries: map[string]string{"192.0.2.1": "Netherlands"}}
	cache := NewCache(resolver, geo, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		info := cache.ResolveIP("192.0.2.1")
		if info.ReverseDNS == nil || *info.ReverseDNS != "mail.example.com" {
			t.Fatalf("ResolveIP reverse DNS = %v, want mail.example.com", info.ReverseDNS)
		}
		if info.Country == nil || *info.Country != "Netherlands" {
			t.Fatalf("ResolveIP country = %v, want Netherlands", info.Country)
		}
	}

	if resolver.calls["192.0.2.1"] != 1 {
		t.Errorf("resolver queried %d times, want 1", resolver.calls["192.0.2.1"])
	}
	if geo.calls != 1 {
		t.Errorf("geo queried %d times, want 1", geo.calls)
	}
}

func TestCacheCachesNegativeResults(t *testing.T) {
	resolver := &countingResolver{answers: map[string]string{}, calls: map[string]int{}}
	cache := NewCache(resolver, nil, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		info := cache.ResolveIP("203.0.113.5")
		if info.ReverseDNS != nil {
			t.Fatalf("ResolveIP reverse DNS = %q, want nil", *info.ReverseDNS)
		}
		if info.Country != nil {
			t.Fatalf("ResolveIP country = %q, want nil", *info.Country)
		}
	}

	if resolver.calls["203.0.113.5"] != 1 {
		t.Errorf("resolver queried %d times for failing IP, want 1", resolver.calls["203.0.113.5"])
	}
}

func TestCacheNilCollaborators(t *testing.T) {
	cache := NewCache(nil, nil, zaptest.NewLogger(t))

	info := cache.ResolveIP("192.0.2.1")
	if info.ReverseDNS != nil || info.Country != nil {
		t.Errorf("ResolveIP with nil collaborators = %+v, want nil fields", info)
	}
}

func TestOrganizationalDomain(t *testing.T) {
	cache := NewCache(nil, nil, zaptest.NewLogger(t))

	tests := []struct {
		input    string
		expected string
	}{
		{"example.com", "example.com"},
		{"mail.example.com", "example.com"},
		{"a.b.example.co.uk", "example.co.uk"},
		{"Mail.Example.COM.", "example.com"},
		{"localhost", "localhost"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := cache.OrganizationalDomain(tt.input); got != tt.expected {
				t.Errorf("OrganizationalDomain(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDomainsAligned(t *testing.T) {
	tests := []struct {
		name     string
		d1, d2   string
		mode     string
		expected bool
	}{
		{"relaxed subdomain", "mail.example.com", "example.com", "r", true},
		{"relaxed different org", "example.com", "example.net", "r", false},
		{"strict exact", "example.com", "example.com", "s", true},
		{"strict subdomain", "mail.example.com", "example.com", "s", false},
		{"empty domain", "", "example.com", "r", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DomainsAligned(tt.d1, tt.d2, tt.mode); got != tt.expected {
				t.Errorf("DomainsAligned(%q, %q, %q) = %v, want %v",
					tt.d1, tt.d2, tt.mode, got, tt.expected)
			}
		})
	}
}

func TestSourceFor(t *testing.T) {
	resolver := &countingResolver{
		answers: map[string]string{"192.0.2.1": "mta7.mail.example.com"},
		calls:   map[string]int{},
	}
	cache := NewCache(resolver, nil, zaptest.NewLogger(t))

	source := cache.SourceFor("192.0.2.1")
	if source.IPAddress != "192.0.2.1" {
		t.Errorf("IPAddress = %q", source.IPAddress)
	}
	if source.ReverseDNS == nil || *source.ReverseDNS != "mta7.mail.example.com" {
		t.Errorf("ReverseDNS = %v, want mta7.mail.example.com", source.ReverseDNS)
	}
	if source.BaseDomain != "example.com" {
		t.Errorf("BaseDomain = %q, want example.com", source.BaseDomain)
	}

	// Invalid IPs never reach the resolver.
	source = cache.SourceFor("not-an-ip")
	if source.ReverseDNS != nil || len(resolver.calls) != 1 {
		t.Errorf("invalid IP should not be resolved")
	}
}
