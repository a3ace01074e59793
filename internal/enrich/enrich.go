// Package enrich memoizes the network-identity lookups performed while
// normalizing reports: reverse DNS, geolocation country and organizational
// domain. A Cache is owned by exactly one parsing worker and lives for one
// process run; there is no expiry and no invalidation.
package enrich

import (
	"go.uber.org/zap"

	"dmarcwatch/internal/metrics"
	"dmarcwatch/internal/report"
	"dmarcwatch/internal/utils"
)

// Resolver performs reverse-DNS lookups.
type Resolver interface {
	ReverseLookup(ip string) (string, error)
}

// GeoLocator maps an IP address to an ISO country name.
type GeoLocator interface {
	Country(ip string) (string, error)
}

// IPInfo is the enrichment result for one IP address. Nil fields mean the
// lookup failed or was disabled; the negative result is cached all the same.
type IPInfo struct {
	ReverseDNS *string
	Country    *string
}

// Cache memoizes lookups for the lifetime of a process. It is not safe for
// concurrent use; every parsing worker owns its own instance.
type Cache struct {
	resolver Resolver
	geo      GeoLocator
	logger   *zap.Logger
	metrics  *metrics.EnrichmentMetrics

	ips     map[string]IPInfo
	domains map[string]string
}

// NewCache creates a cache over the given collaborators. Either collaborator
// may be nil, in which case that enrichment degrades to a nil field.
func NewCache(resolver Resolver, geo GeoLocator, logger *zap.Logger) *Cache {
	return &Cache{
		resolver: resolver,
		geo:      geo,
		logger:   logger,
		metrics:  metrics.NewEnrichmentMetrics(),
		ips:      make(map[string]IPInfo),
		domains:  make(map[string]string),
	}
}

// ResolveIP returns reverse DNS and country for an IP, querying the
// collaborators at most once per distinct IP per process run. Failures are
// cached as nil fields so repeated lookups never re-query.
func (c *Cache) ResolveIP(ip string) IPInfo {
	if info, ok := c.ips[ip]; ok {
		c.metrics.RecordCacheHit("ip")
		return info
	}

	var info IPInfo

	if c.resolver != nil {
		hostname, err := c.resolver.ReverseLookup(ip)
		c.metrics.RecordLookup("reverse_dns", err == nil)
		if err != nil {
			c.logger.Debug("Reverse DNS lookup failed",
				zap.String("ip", ip),
				zap.Error(err),
			)
		} else {
			hostname = utils.NormalizeHost(hostname)
			info.ReverseDNS = &hostname
		}
	}

	if c.geo != nil {
		country, err := c.geo.Country(ip)
		c.metrics.RecordLookup("geoip", err == nil)
		if err != nil {
			c.logger.Debug("GeoIP lookup failed",
				zap.String("ip", ip),
				zap.Error(err),
			)
		} else if country != "" {
			info.Country = &country
		}
	}

	c.ips[ip] = info
	return info
}

// OrganizationalDomain reduces a hostname to its registrable domain using
// public-suffix rules, memoizing the reduction.
func (c *Cache) OrganizationalDomain(domain string) string {
	domain = utils.NormalizeHost(domain)
	if domain == "" {
		return ""
	}
	if org, ok := c.domains[domain]; ok {
		c.metrics.RecordCacheHit("domain")
		return org
	}
	org := organizationalDomain(domain)
	c.domains[domain] = org
	return org
}

// SourceFor builds an enriched report.Source for an IP address.
func (c *Cache) SourceFor(ip string) report.Source {
	source := report.Source{IPAddress: ip}
	if !utils.IsValidIPAddress(ip) {
		return source
	}

	info := c.ResolveIP(ip)
	source.ReverseDNS = info.ReverseDNS
	source.Country = info.Country
	if info.ReverseDNS != nil {
		source.BaseDomain = c.OrganizationalDomain(*info.ReverseDNS)
	}
	return source
}
