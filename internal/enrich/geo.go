package enrich

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoSnapshot is an immutable view of a GeoIP database file. A refresh of the
// database produces a new snapshot via OpenGeoSnapshot; an open snapshot is
// never mutated, so in-flight lookups always see a consistent database.
type GeoSnapshot struct {
	db *geoip2.Reader
}

// OpenGeoSnapshot opens a MaxMind database file as a read-only snapshot.
func OpenGeoSnapshot(path string) (*GeoSnapshot, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &GeoSnapshot{db: db}, nil
}

// Country returns the English country name for an IP address.
func (s *GeoSnapshot) Country(ipAddress string) (string, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", ipAddress)
	}

	record, err := s.db.Country(ip)
	if err != nil {
		return "", fmt.Errorf("failed to look up IP: %w", err)
	}

	name := record.Country.Names["en"]
	if name == "" {
		return "", fmt.Errorf("no country recorded for %s", ipAddress)
	}
	return name, nil
}

// Close releases the underlying database file.
func (s *GeoSnapshot) Close() error {
	return s.db.Close()
}
