package reconcile

// Resolver picks the address a record should point to in a given pass. It
// performs no I/O; the public IP is fetched once per cycle by the engine.
type Resolver struct {
	PublicIP string // empty when the fetch failed
	Defaults GlobalDefaults
}

// Resolve walks the fallback chain of pass and returns the first non-empty
// value, or "" when the chain is exhausted.
//
//	primary:   static ip (static mode only), public ip
//	secondary: secondary ip, default internal ip
//	companion: companion ip, secondary ip, default internal ip
func (r Resolver) Resolve(p Pass, rc RecordConfig) string {
	switch p {
	case PassPrimary:
		if rc.IPMode == IPModeStatic && rc.StaticIP != "" {
			return rc.StaticIP
		}
		return r.PublicIP
	case PassSecondary:
		return firstNonEmpty(rc.SecondaryIP, r.Defaults.DefaultInternalIP)
	case PassCompanion:
		return firstNonEmpty(rc.CompanionIP, rc.SecondaryIP, r.Defaults.DefaultInternalIP)
	}
	return ""
}

// unresolved explains an empty Resolve result.
func (r Resolver) unresolved(p Pass) string {
	switch p {
	case PassPrimary:
		return "public IP unavailable this cycle"
	case PassSecondary:
		return "no secondary IP and no default internal IP"
	default:
		return "no companion, secondary or default internal IP"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
