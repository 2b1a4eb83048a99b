package server

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/cordonlabs/cordon/internal/domain"
)

// MaxMindResolver resolves source addresses against a MaxMind City
// database on disk.
type MaxMindResolver struct {
	db *geoip2.Reader
}

func OpenMaxMind(path string) (*MaxMindResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening maxmind database: %w", err)
	}
	return &MaxMindResolver{db: db}, nil
}

func (r *MaxMindResolver) Resolve(ip net.IP) (domain.Location, bool) {
	rec, err := r.db.City(ip)
	if err != nil || rec == nil {
		return domain.Location{}, false
	}
	loc := domain.Location{
		Region: rec.Country.IsoCode,
		City:   rec.City.Names["en"],
	}
	if rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
		lat, lon := rec.Location.Latitude, rec.Location.Longitude
		loc.Lat = &lat
		loc.Lon = &lon
	}
	return loc, loc.Region != "" || loc.HasCoordinates()
}

func (r *MaxMindResolver) Close() error {
	return r.db.Close()
}
