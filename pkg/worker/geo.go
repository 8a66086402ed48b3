package worker

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// geoRecord is the subset of a MaxMind City database entry the worker needs
// to report its location at registration time.
type geoRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// Location is a resolved worker position.
type Location struct {
	City      string
	Country   string
	Latitude  float64
	Longitude float64
}

const geoCacheTTL = time.Hour

// Geolocator resolves a worker's public IP to a Location using a local
// MaxMind GeoLite2 database, caching the result for geoCacheTTL since a
// worker's location essentially never changes between calls.
type Geolocator struct {
	reader *maxminddb.Reader

	mu       sync.Mutex
	cached   *Location
	cachedAt time.Time
}

// OpenGeolocator opens the MaxMind database at path. If path is empty or
// unreadable, the returned Geolocator falls back to a zero Location on every
// lookup rather than failing worker startup outright — geolocation only
// affects region-proximity scoring, not correctness.
func OpenGeolocator(path string) (*Geolocator, error) {
	if path == "" {
		return &Geolocator{}, nil
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database %s: %w", path, err)
	}
	return &Geolocator{reader: reader}, nil
}

// Locate resolves publicIP to a Location, using the 1h cache when fresh.
func (g *Geolocator) Locate(publicIP net.IP) (Location, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cached != nil && time.Since(g.cachedAt) < geoCacheTTL {
		return *g.cached, nil
	}

	loc, err := g.lookup(publicIP)
	if err != nil {
		return Location{}, err
	}

	g.cached = &loc
	g.cachedAt = time.Now()
	return loc, nil
}

func (g *Geolocator) lookup(publicIP net.IP) (Location, error) {
	if g.reader == nil || publicIP == nil {
		return Location{}, nil
	}

	var rec geoRecord
	if err := g.reader.Lookup(publicIP, &rec); err != nil {
		return Location{}, fmt.Errorf("looking up %s in geoip database: %w", publicIP, err)
	}

	name := rec.City.Names["en"]
	return Location{
		City:      name,
		Country:   rec.Country.ISOCode,
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}, nil
}

// Close releases the underlying database file.
func (g *Geolocator) Close() error {
	if g.reader == nil {
		return nil
	}
	return g.reader.Close()
}
