package dns

import (
	"fmt"
	"net/netip"
	"strings"

	mdns "github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// SplitHostname splits an FQDN into subdomain and domain parts.
// e.g. "app.example.com" → ("app", "example.com")
// e.g. "sub.app.example.com" → ("sub", "app.example.com")
func SplitHostname(fqdn string) (hostname, domain string) {
	fqdn = strings.TrimSuffix(fqdn, ".")
	parts := strings.SplitN(fqdn, ".", 2)
	if len(parts) < 2 {
		return fqdn, ""
	}
	return parts[0], parts[1]
}

// CompanionName derives the local alias of an FQDN by replacing its last label
// with "local". Names already under .local and single-label names are returned
// as is.
//
//	"home.example.com" → "home.example.local"
//	"nas.local"        → "nas.local"
//	"router"           → "router"
func CompanionName(fqdn string) string {
	fqdn = strings.TrimSuffix(fqdn, ".")
	if strings.HasSuffix(fqdn, ".local") {
		return fqdn
	}
	idx := strings.LastIndex(fqdn, ".")
	if idx < 0 {
		return fqdn
	}
	return fqdn[:idx] + ".local"
}

// NormalizeHostname lower-cases name, drops the trailing dot and converts
// internationalized labels to their ASCII form.
func NormalizeHostname(name string) (string, error) {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if name == "" {
		return "", fmt.Errorf("empty hostname")
	}
	ascii, err := idna.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("hostname %q: %w", name, err)
	}
	if _, ok := mdns.IsDomainName(ascii); !ok {
		return "", fmt.Errorf("hostname %q is not a valid domain name", name)
	}
	return ascii, nil
}

// RecordType returns "AAAA" for IPv6 addresses and "A" for everything else.
func RecordType(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err == nil && addr.Is6() && !addr.Is4In6() {
		return "AAAA"
	}
	return "A"
}

// SameIP reports whether a and b denote the same address. Values that do not
// parse are compared as plain strings.
func SameIP(a, b string) bool {
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return pa.Unmap() == pb.Unmap()
}

// ValidIP reports whether s parses as an IPv4 or IPv6 address.
func ValidIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}
