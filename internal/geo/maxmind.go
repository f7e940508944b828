package geo

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindLocator resolves addresses with a MaxMind GeoIP2 or GeoLite2
// database, City or Country edition. Only City databases carry a timezone.
type MaxMindLocator struct {
	db   *geoip2.Reader
	city bool
}

// OpenMaxMind memory-maps the .mmdb file at path.
func OpenMaxMind(path string) (*MaxMindLocator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open %s: %w", path, err)
	}
	return NewMaxMindLocator(db), nil
}

// NewMaxMindLocator wraps an already opened reader.
func NewMaxMindLocator(db *geoip2.Reader) *MaxMindLocator {
	return &MaxMindLocator{
		db:   db,
		city: strings.Contains(db.Metadata().DatabaseType, "City"),
	}
}

// Locate implements Locator.
func (l *MaxMindLocator) Locate(ip netip.Addr) (string, string, bool) {
	addr := net.IP(ip.AsSlice())
	if l.city {
		rec, err := l.db.City(addr)
		if err != nil || rec.Country.IsoCode == "" {
			return "", "", false
		}
		return rec.Country.IsoCode, rec.Location.TimeZone, true
	}

	rec, err := l.db.Country(addr)
	if err != nil || rec.Country.IsoCode == "" {
		return "", "", false
	}
	return rec.Country.IsoCode, "", true
}

// DatabaseType names the loaded edition, e.g. "GeoLite2-City".
func (l *MaxMindLocator) DatabaseType() string {
	return l.db.Metadata().DatabaseType
}

// Close releases the database.
func (l *MaxMindLocator) Close() error {
	return l.db.Close()
}
