package config

import (
	"fmt"
	"os"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

// ProviderConfig holds the DNS provider type, how hostnames map to its zones,
// and provider-specific connection settings.
type ProviderConfig struct {
	Provider string            `yaml:"provider"`
	Zone     string            `yaml:"zone"`  // used when no entry of Zones matches
	Zones    map[string]string `yaml:"zones"` // base domain -> zone id
	Settings map[string]string `yaml:"settings"`
}

// ZoneResolver returns the zone lookup for this provider, or nil when the
// provider is not zoned.
func (pc *ProviderConfig) ZoneResolver() reconcile.ZoneResolver {
	if len(pc.Zones) == 0 && pc.Zone == "" {
		return nil
	}
	return NewZoneMap(pc.Zones, pc.Zone)
}

func (pc *ProviderConfig) load(section string) error {
	if pc.Provider == "" {
		return fmt.Errorf("%s: missing required field 'provider'", section)
	}

	// Expand ${ENV_VAR} references in setting values.
	for k, v := range pc.Settings {
		pc.Settings[k] = os.ExpandEnv(v)
	}
	pc.Zone = os.ExpandEnv(pc.Zone)
	for k, v := range pc.Zones {
		pc.Zones[k] = os.ExpandEnv(v)
	}
	return nil
}
