// Package geo attaches coarse location info to a connection: the client IP
// as seen through proxies, and a Region with display name and flag glyph.
// The actual IP→country database is an external collaborator behind the
// Locator interface.
package geo

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// UnknownCode is the ISO-like code used when no country could be resolved.
const UnknownCode = "XX"

// Region is the immutable location info attached to a connection on connect
// and shown to the partner on match.
type Region struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Flag     string `json:"flag"`
	Timezone string `json:"timezone"`
}

// Unknown is returned when nothing better is known.
func Unknown() Region {
	return Region{Code: UnknownCode, Name: "Unknown", Flag: "🌍", Timezone: "GMT+0"}
}

// Localhost is reported for loopback clients so development setups show a
// real-looking partner card.
func Localhost() Region {
	r := FromCode("US")
	r.Timezone = "GMT-5"
	return r
}

// FromCode builds a Region from a two-letter country code. Codes that are
// not valid ISO 3166 regions yield Unknown.
func FromCode(code string) Region {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 || code == UnknownCode {
		return Unknown()
	}

	reg, err := language.ParseRegion(code)
	if err != nil || !reg.IsCountry() {
		return Unknown()
	}

	name := display.English.Regions().Name(reg)
	if name == "" {
		name = "Unknown"
	}

	return Region{
		Code:     reg.String(),
		Name:     name,
		Flag:     Flag(reg.String()),
		Timezone: "GMT+0",
	}
}

// Flag renders a country code as its regional-indicator emoji pair.
func Flag(code string) string {
	if len(code) != 2 {
		return "🏳️"
	}
	var b strings.Builder
	for _, c := range strings.ToUpper(code) {
		if c < 'A' || c > 'Z' {
			return "🏳️"
		}
		b.WriteRune(0x1F1E6 + (c - 'A'))
	}
	return b.String()
}
