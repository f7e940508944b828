package geo

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Locator resolves a client IP to a country code and, when known, a
// timezone label such as "GMT+1".
type Locator interface {
	Locate(ip netip.Addr) (code string, timezone string, ok bool)
}

// Detector turns HTTP requests and raw IPs into Regions.
type Detector struct {
	locator Locator
}

// NewDetector returns a Detector backed by locator, which may be nil.
func NewDetector(locator Locator) *Detector {
	return &Detector{locator: locator}
}

// Detect resolves the Region for an upgrade request. A CDN-provided
// CF-IPCountry header wins over the locator.
func (d *Detector) Detect(r *http.Request) Region {
	ip := ClientIP(r)
	if addr, err := netip.ParseAddr(ip); err == nil && addr.Unmap().IsLoopback() {
		return Localhost()
	}
	if code := r.Header.Get("CF-IPCountry"); code != "" {
		if reg := FromCode(code); reg.Code != UnknownCode {
			return reg
		}
	}
	return d.Lookup(ip)
}

// Lookup resolves a bare IP string.
func (d *Detector) Lookup(ip string) Region {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return Unknown()
	}
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return Localhost()
	}
	if d.locator == nil {
		return Unknown()
	}

	code, tz, ok := d.locator.Locate(addr)
	if !ok {
		return Unknown()
	}
	reg := FromCode(code)
	if reg.Code != UnknownCode && tz != "" {
		reg.Timezone = tz
	}
	return reg
}

// ClientIP extracts the originating client address: the first hop of
// X-Forwarded-For, then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// PrefixLocator is a static prefix → country table, useful for private
// deployments and tests. The first matching prefix wins.
type PrefixLocator []PrefixEntry

// PrefixEntry maps one network prefix to a country.
type PrefixEntry struct {
	Prefix   netip.Prefix
	Code     string
	Timezone string
}

// Locate implements Locator.
func (p PrefixLocator) Locate(ip netip.Addr) (string, string, bool) {
	for _, e := range p {
		if e.Prefix.Contains(ip) {
			return e.Code, e.Timezone, true
		}
	}
	return "", "", false
}
