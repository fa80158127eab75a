package config

import (
	"sort"
	"strings"
)

// ZoneMap maps base domains to provider zone identifiers.
type ZoneMap struct {
	entries  map[string]string
	fallback string
}

// NewZoneMap builds a ZoneMap. fallback, when non-empty, is returned for
// hostnames that match no entry.
func NewZoneMap(entries map[string]string, fallback string) *ZoneMap {
	normalized := make(map[string]string, len(entries))
	for domain, zone := range entries {
		normalized[strings.ToLower(strings.TrimSuffix(domain, "."))] = zone
	}
	return &ZoneMap{entries: normalized, fallback: fallback}
}

// Zone finds the zone of a hostname by matching against domain entries.
// It walks up the domain labels checking for exact matches and wildcard entries.
// Exact matches take priority over wildcards. For example, given:
//
//	"*.mydomain.com":    "zone-a"
//	"app2.mydomain.com": "zone-b"
//
// "app1.mydomain.com" returns "zone-a" (wildcard match)
// "app2.mydomain.com" returns "zone-b" (exact match wins)
func (zm *ZoneMap) Zone(hostname string) (string, bool) {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	// Walk up the domain labels until we find a match
	for h := hostname; h != ""; {
		if zone, ok := zm.entries[h]; ok {
			return zone, true
		}
		idx := strings.Index(h, ".")
		if idx < 0 {
			break
		}
		if zone, ok := zm.entries["*."+h[idx+1:]]; ok {
			return zone, true
		}
		h = h[idx+1:]
	}
	if zm.fallback != "" {
		return zm.fallback, true
	}
	return "", false
}

// Domains returns all configured base domains, sorted.
func (zm *ZoneMap) Domains() []string {
	domains := make([]string, 0, len(zm.entries))
	for d := range zm.entries {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}
