// Package geoip resolves IP addresses to locations from a local MaxMind
// GeoLite2/GeoIP2 City database.
package geoip

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/mbd888/fraudgate/internal/fraud"
)

var ErrInvalidIP = errors.New("geoip: invalid ip address")

// cityReader is the subset of *geoip2.Reader the resolver uses.
type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// Resolver looks IP addresses up in an mmdb file. Lookups are in-process
// and safe for concurrent use.
type Resolver struct {
	db cityReader
}

// Open opens the City database at path.
func Open(path string) (*Resolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Resolver{db: db}, nil
}

// Lookup returns the location of ip, or nil when the database has no
// coordinates for it.
func (r *Resolver) Lookup(ip string) (*fraud.Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, ErrInvalidIP
	}
	city, err := r.db.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	return toLocation(city), nil
}

func toLocation(city *geoip2.City) *fraud.Location {
	if city == nil {
		return nil
	}
	// Unknown addresses decode to an empty record.
	if city.Location.Latitude == 0 && city.Location.Longitude == 0 && city.Country.IsoCode == "" {
		return nil
	}
	return &fraud.Location{
		Lat:     city.Location.Latitude,
		Lon:     city.Location.Longitude,
		Country: city.Country.IsoCode,
		City:    city.City.Names["en"],
	}
}

// Close releases the database.
func (r *Resolver) Close() error {
	return r.db.Close()
}
