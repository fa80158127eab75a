// Package reconcile converges DNS records at one or more providers towards a
// per-record desired state.
//
// A cycle fetches the public IP once, then runs up to three passes (primary,
// secondary and companion) over an immutable snapshot of record
// configuration. Every record yields exactly one Outcome per pass. The engine
// keeps no state between cycles and persists nothing; outcomes are handed to
// the audit and stats sinks.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/dns"
)

// IPMode selects where the primary record gets its address from.
type IPMode string

const (
	IPModeDynamic IPMode = "dynamic"
	IPModeStatic  IPMode = "static"
)

// RecordConfig is the desired state of one managed FQDN.
type RecordConfig struct {
	FQDN             string
	PrimaryEnabled   bool
	IPMode           IPMode
	StaticIP         string // used only when IPMode is static
	SecondaryEnabled bool
	SecondaryIP      string
	CompanionEnabled bool // manages CompanionName(FQDN) at the internal provider
	CompanionIP      string
}

// Retired returns a copy of c with every toggle switched off. A cycle run on
// a retired record deletes whatever the providers still hold for it.
func (c RecordConfig) Retired() RecordConfig {
	c.PrimaryEnabled = false
	c.SecondaryEnabled = false
	c.CompanionEnabled = false
	return c
}

// GlobalDefaults is process-wide configuration consulted by every cycle.
type GlobalDefaults struct {
	CheckInterval     time.Duration
	DefaultInternalIP string
}

// Snapshot is the immutable input of one cycle.
type Snapshot struct {
	Records  []RecordConfig
	Defaults GlobalDefaults
}

// ErrInvalidSnapshot is returned when the configuration handed to a cycle
// breaks the data model. It aborts the cycle before any provider is touched.
var ErrInvalidSnapshot = errors.New("invalid configuration snapshot")

// Validate checks the snapshot for contract violations.
func (s Snapshot) Validate() error {
	if ip := s.Defaults.DefaultInternalIP; ip != "" && !dns.ValidIP(ip) {
		return fmt.Errorf("%w: default internal IP %q", ErrInvalidSnapshot, ip)
	}
	seen := make(map[string]struct{}, len(s.Records))
	for _, rc := range s.Records {
		name, err := dns.NormalizeHostname(rc.FQDN)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		if name != rc.FQDN {
			return fmt.Errorf("%w: hostname %q is not normalized (want %q)", ErrInvalidSnapshot, rc.FQDN, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate hostname %q", ErrInvalidSnapshot, name)
		}
		seen[name] = struct{}{}

		switch rc.IPMode {
		case IPModeDynamic, IPModeStatic:
		default:
			return fmt.Errorf("%w: %s: unknown ip mode %q", ErrInvalidSnapshot, name, rc.IPMode)
		}
		for field, ip := range map[string]string{
			"static ip":    rc.StaticIP,
			"secondary ip": rc.SecondaryIP,
			"companion ip": rc.CompanionIP,
		} {
			if ip != "" && !dns.ValidIP(ip) {
				return fmt.Errorf("%w: %s: %s %q", ErrInvalidSnapshot, name, field, ip)
			}
		}
	}
	return nil
}

// ZoneResolver maps a provider-side name to the zone argument of the
// provider calls.
type ZoneResolver interface {
	Zone(fqdn string) (string, bool)
}

// Target is a configured provider together with the way names map to zones.
type Target struct {
	Name     string // label used in outcomes, e.g. "cloudflare"
	Provider dns.Provider
	Zones    ZoneResolver // nil means every name uses the empty zone
}

func (t *Target) zone(fqdn string) (string, bool) {
	if t.Zones == nil {
		return "", true
	}
	return t.Zones.Zone(fqdn)
}

// Targets are the providers of one cycle. A nil target means the provider is
// switched off or has no credentials.
type Targets struct {
	Primary  *Target // external, authoritative DNS
	Internal *Target // secondary and companion passes
}
