package enrich

import (
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver resolves PTR records against an explicit nameserver list with a
// bounded per-query timeout.
type DNSResolver struct {
	nameservers []string
	timeout     time.Duration
}

// NewDNSResolver creates a resolver. Nameservers without a port get :53.
func NewDNSResolver(nameservers []string, timeout time.Duration) *DNSResolver {
	servers := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		if !strings.Contains(ns, ":") {
			ns = ns + ":53"
		}
		servers = append(servers, ns)
	}
	return &DNSResolver{
		nameservers: servers,
		timeout:     timeout,
	}
}

// ReverseLookup performs a PTR query for the IP, trying each nameserver in
// order until one answers.
func (r *DNSResolver) ReverseLookup(ip string) (string, error) {
	addr, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("failed to create reverse address: %w", err)
	}

	c := dns.Client{Timeout: r.timeout}
	m := new(dns.Msg)
	m.SetQuestion(addr, dns.TypePTR)

	for _, server := range r.nameservers {
		resp, _, err := c.Exchange(m, server)
		if err != nil {
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, ans := range resp.Answer {
			if ptr, ok := ans.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
	}

	return "", fmt.Errorf("no PTR records found for %s", ip)
}
