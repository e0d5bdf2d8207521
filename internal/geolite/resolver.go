package geolite

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"

	"proxyharvest/internal/domain"
)

var (
	// ErrResolveMiss means the database holds no country for the address.
	ErrResolveMiss = errors.New("geolite: address not found")
	// ErrUnavailable means no usable database is loaded.
	ErrUnavailable = errors.New("geolite: database unavailable")
)

// Resolver answers offline geolocation lookups. The underlying reader can be
// swapped at runtime with Reload.
type Resolver struct {
	mu     sync.RWMutex
	path   string
	reader *geoip2.Reader
	city   bool
}

// NewResolver loads the database at path. A missing or corrupt file is
// logged and leaves the resolver answering ErrUnavailable until Reload succeeds.
func NewResolver(path string) *Resolver {
	r := &Resolver{path: path}
	if err := r.Reload(); err != nil {
		log.Warn("GeoLite database not loaded, geolocation disabled", "path", path, "error", err)
	}
	return r
}

func (r *Resolver) Path() string {
	return r.path
}

// Reload reopens the database file. On failure the previous reader stays active.
func (r *Resolver) Reload() error {
	if strings.TrimSpace(r.path) == "" {
		return fmt.Errorf("%w: no database path configured", ErrUnavailable)
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("geolite: read %s: %w", r.path, err)
	}

	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return fmt.Errorf("geolite: open %s: %w", r.path, err)
	}

	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.city = strings.Contains(reader.Metadata().DatabaseType, "City")
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	log.Info("GeoLite database loaded", "path", r.path, "type", reader.Metadata().DatabaseType)
	return nil
}

func (r *Resolver) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reader != nil
}

// Resolve looks ip up. It never touches the network.
func (r *Resolver) Resolve(ip string) (domain.GeoAddress, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return domain.GeoAddress{}, fmt.Errorf("%w: %q is not an ip", ErrResolveMiss, ip)
	}
	netIP := addr.Unmap().AsSlice()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.reader == nil {
		return domain.GeoAddress{}, ErrUnavailable
	}

	var geo domain.GeoAddress
	if r.city {
		record, err := r.reader.City(netIP)
		if err != nil {
			return domain.GeoAddress{}, fmt.Errorf("%w: %v", ErrResolveMiss, err)
		}
		geo = domain.GeoAddress{
			CountryISOCode: record.Country.IsoCode,
			CountryName:    record.Country.Names["en"],
			City:           record.City.Names["en"],
			Latitude:       record.Location.Latitude,
			Longitude:      record.Location.Longitude,
		}
		if len(record.Subdivisions) > 0 {
			geo.Region = record.Subdivisions[0].Names["en"]
		}
	} else {
		record, err := r.reader.Country(netIP)
		if err != nil {
			return domain.GeoAddress{}, fmt.Errorf("%w: %v", ErrResolveMiss, err)
		}
		geo = domain.GeoAddress{
			CountryISOCode: record.Country.IsoCode,
			CountryName:    record.Country.Names["en"],
		}
	}

	if geo.CountryISOCode == "" {
		return domain.GeoAddress{}, ErrResolveMiss
	}
	return geo, nil
}

func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
